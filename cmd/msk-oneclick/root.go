package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/linki/msk-oneclick/internal/awsenv"
	"github.com/linki/msk-oneclick/internal/clock"
	"github.com/linki/msk-oneclick/internal/logging"
	"github.com/linki/msk-oneclick/internal/orchestrate"
	"github.com/linki/msk-oneclick/internal/plan"
	"github.com/linki/msk-oneclick/internal/registry"
	"github.com/linki/msk-oneclick/internal/stack"
)

type options struct {
	profile       string
	region        string
	assumeRole    string
	prefix        string
	registryPath  string
	logLevel      string
	params        map[string]string
	tags          map[string]string
	pollInterval  time.Duration
	deployTimeout time.Duration
	deleteTimeout time.Duration
	testTimeout   time.Duration
	retries       uint64
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "msk-oneclick",
		Short:         "Provision, validate and tear down the MSK IAM demo environment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.profile, "profile", "", "The AWS shared config profile to use")
	f.StringVar(&opts.region, "region", "", "The AWS region to use")
	f.StringVar(&opts.assumeRole, "assume-role", "", "Assume AWS role when defined. Useful for environments in another AWS account. Specify the full ARN, e.g. `arn:aws:iam::123456789:role/msk-oneclick`")
	f.StringVar(&opts.prefix, "prefix", "msk-oneclick", "Stack name prefix for the environment")
	f.StringVar(&opts.registryPath, "registry", "", "Path to a YAML registry overriding the built-in stacks")
	f.StringToStringVar(&opts.params, "param", map[string]string{}, "Caller-supplied template parameter. Specify multiple times for multiple parameters.")
	f.StringToStringVar(&opts.tags, "tag", map[string]string{}, "Tags to apply to all stacks. Specify multiple times for multiple tags.")
	f.DurationVar(&opts.pollInterval, "poll-interval", 15*time.Second, "Interval between stack and command status polls")
	f.DurationVar(&opts.deployTimeout, "deploy-timeout", 45*time.Minute, "Bound on waiting for one stack create/update")
	f.DurationVar(&opts.deleteTimeout, "delete-timeout", 30*time.Minute, "Bound on waiting for one stack deletion")
	f.DurationVar(&opts.testTimeout, "test-timeout", 5*time.Minute, "Bound on waiting for the connectivity test command")
	f.Uint64Var(&opts.retries, "transient-retries", 4, "How often transient control plane failures are re-issued")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newPlanCmd(opts),
		newDeployCmd(opts),
		newTestCmd(opts),
		newTeardownCmd(opts),
	)

	return cmd
}

func (o *options) loadRegistry() (*registry.Registry, error) {
	if o.registryPath != "" {
		return registry.Load(o.registryPath)
	}
	return registry.Default(o.prefix), nil
}

func (o *options) resolvePlan() (*plan.Plan, logr.Logger, error) {
	log, err := logging.New(o.logLevel)
	if err != nil {
		return nil, logr.Logger{}, err
	}
	reg, err := o.loadRegistry()
	if err != nil {
		return nil, logr.Logger{}, err
	}
	p, err := plan.Resolve(reg)
	if err != nil {
		return nil, logr.Logger{}, err
	}
	return p, log, nil
}

// env bundles everything a cloud-touching command needs.
type env struct {
	log    logr.Logger
	cfg    aws.Config
	plan   *plan.Plan
	mgr    *stack.Manager
	driver *orchestrate.Driver
}

func (o *options) buildEnv(ctx context.Context) (*env, error) {
	p, log, err := o.resolvePlan()
	if err != nil {
		return nil, err
	}

	cfg, err := awsenv.Load(ctx, awsenv.Options{
		Profile:    o.profile,
		Region:     o.region,
		AssumeRole: o.assumeRole,
	})
	if err != nil {
		return nil, err
	}

	mgr := &stack.Manager{
		API:           cloudformation.NewFromConfig(cfg),
		Log:           log.WithName("stack"),
		Clock:         clock.Real(),
		DefaultTags:   o.tags,
		PollInterval:  o.pollInterval,
		DeployTimeout: o.deployTimeout,
		DeleteTimeout: o.deleteTimeout,
		Retries:       o.retries,
	}

	return &env{
		log:  log,
		cfg:  cfg,
		plan: p,
		mgr:  mgr,
		driver: &orchestrate.Driver{
			Stacks: mgr,
			Log:    log.WithName("orchestrate"),
		},
	}, nil
}

func printReport(w io.Writer, report orchestrate.Report) {
	for _, res := range report.Results {
		line := fmt.Sprintf("%-22s %-32s %s", res.Operation, res.StackName, res.Status)
		if res.Err != nil {
			line += "  " + res.Err.Error()
		}
		if res.Detail != "" {
			line += "  (" + res.Detail + ")"
		}
		fmt.Fprintln(w, line)
	}
	if report.Err != nil {
		fmt.Fprintf(w, "run aborted: %v\n", report.Err)
	}
	fmt.Fprintf(w, "outcome: %s\n", report.Outcome)
}
