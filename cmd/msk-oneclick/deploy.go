package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/linki/msk-oneclick/internal/orchestrate"
)

func newDeployCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the environment stacks in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.buildEnv(cmd.Context())
			if err != nil {
				return err
			}

			report := env.driver.Deploy(cmd.Context(), env.plan, opts.params)
			printReport(cmd.OutOrStdout(), report)

			if len(report.Outputs) > 0 {
				keys := make([]string, 0, len(report.Outputs))
				for k := range report.Outputs {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintln(cmd.OutOrStdout(), "outputs:")
				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", k, report.Outputs[k])
				}
			}

			if report.Outcome != orchestrate.OutcomeAllSucceeded {
				return fmt.Errorf("deploy finished with outcome %s", report.Outcome)
			}
			return nil
		},
	}
}
