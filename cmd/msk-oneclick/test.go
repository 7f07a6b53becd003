package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/kafka"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"github.com/linki/msk-oneclick/internal/clock"
	"github.com/linki/msk-oneclick/internal/conntest"
	"github.com/linki/msk-oneclick/internal/registry"
	"github.com/linki/msk-oneclick/internal/stack"
)

func newTestCmd(opts *options) *cobra.Command {
	var (
		clusterArn   string
		instanceID   string
		topic        string
		documentName string
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run the produce/consume connectivity test against the deployed cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.buildEnv(cmd.Context())
			if err != nil {
				return err
			}

			in := conntest.Input{
				ClusterArn:   clusterArn,
				InstanceID:   instanceID,
				Topic:        topic,
				DocumentName: documentName,
			}
			if err := fillFromStacks(cmd.Context(), env.mgr, opts.prefix, &in); err != nil {
				return err
			}

			executor := &conntest.Executor{
				Commands:     ssm.NewFromConfig(env.cfg),
				Brokers:      kafka.NewFromConfig(env.cfg),
				Log:          env.log.WithName("conntest"),
				Clock:        clock.Real(),
				PollInterval: opts.pollInterval,
				Timeout:      opts.testTimeout,
				Retries:      opts.retries,
			}

			res := executor.Run(cmd.Context(), in)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "command: %s\nstatus: %s\ntag: %s\n", res.CommandID, res.Status, res.Tag)
			if res.Stdout != "" {
				fmt.Fprintf(out, "--- stdout ---\n%s\n", res.Stdout)
			}
			if res.Stderr != "" {
				fmt.Fprintf(out, "--- stderr ---\n%s\n", res.Stderr)
			}

			if !res.Passed {
				if res.Err != nil {
					return fmt.Errorf("connectivity test did not pass: %w", res.Err)
				}
				return errors.New("connectivity test did not pass")
			}
			fmt.Fprintln(out, "connectivity test passed")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&clusterArn, "cluster-arn", "", "Cluster to test; defaults to the deployed cluster stack's output")
	f.StringVar(&instanceID, "instance-id", "", "Client host to run the test on; defaults to the deployed client stack's output")
	f.StringVar(&topic, "topic", "poc-topic", "Topic used for the round trip, created if absent")
	f.StringVar(&documentName, "document", "", "SSM document to dispatch; defaults to the deployed test document, falling back to an inline script")

	return cmd
}

// fillFromStacks resolves missing test inputs from the live outputs of the
// environment's stacks. The deployed test document is optional; the
// executor composes an inline script without it.
func fillFromStacks(ctx context.Context, mgr *stack.Manager, prefix string, in *conntest.Input) error {
	if in.ClusterArn == "" {
		outputs, err := mgr.Outputs(ctx, prefix+registry.ClusterSuffix)
		if err != nil {
			return fmt.Errorf("resolve cluster: %w", err)
		}
		in.ClusterArn = outputs["ClusterArn"]
	}
	if in.InstanceID == "" {
		outputs, err := mgr.Outputs(ctx, prefix+registry.ClientSuffix)
		if err != nil {
			return fmt.Errorf("resolve client host: %w", err)
		}
		in.InstanceID = outputs["ClientInstanceId"]
	}
	if in.DocumentName == "" {
		outputs, err := mgr.Outputs(ctx, prefix+registry.TestDocSuffix)
		if err != nil && !errors.Is(err, stack.ErrStackNotFound) {
			return fmt.Errorf("resolve test document: %w", err)
		}
		if err == nil {
			in.DocumentName = outputs["TestDocumentName"]
		}
	}

	if in.ClusterArn == "" || in.InstanceID == "" {
		return errors.New("cluster ARN and instance ID are required; deploy first or pass --cluster-arn/--instance-id")
	}
	return nil
}
