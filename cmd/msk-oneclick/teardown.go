package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linki/msk-oneclick/internal/orchestrate"
)

func newTeardownCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Delete the environment stacks in reverse dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.buildEnv(cmd.Context())
			if err != nil {
				return err
			}

			report := env.driver.Teardown(cmd.Context(), env.plan)
			printReport(cmd.OutOrStdout(), report)

			if report.Outcome != orchestrate.OutcomeAllSucceeded {
				return fmt.Errorf("teardown finished with outcome %s", report.Outcome)
			}
			return nil
		},
	}
}
