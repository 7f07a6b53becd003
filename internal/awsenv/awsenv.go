// Package awsenv produces the authenticated session handle the engine runs
// against. The engine never inspects credential material; identity errors
// surface verbatim.
package awsenv

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

type Options struct {
	Profile string
	Region  string
	// AssumeRole optionally switches to another account. Specify the full
	// ARN, e.g. `arn:aws:iam::123456789:role/msk-oneclick`.
	AssumeRole string
}

// Load resolves an aws.Config for the named profile and region.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, err
	}

	if opts.AssumeRole != "" {
		stsClient := sts.NewFromConfig(cfg)
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, opts.AssumeRole))
	}

	return cfg, nil
}
