package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPlanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the resolved deployment order without touching the cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := opts.resolvePlan()
			if err != nil {
				return err
			}

			for i, desc := range p.Stacks {
				var deps []string
				seen := map[string]bool{}
				for _, b := range desc.Params {
					if b.FromStack() && !seen[b.SourceStack] {
						seen[b.SourceStack] = true
						deps = append(deps, b.SourceStack)
					}
				}
				line := fmt.Sprintf("%d. %s", i+1, desc.Name)
				if len(deps) > 0 {
					line += "  (after " + strings.Join(deps, ", ") + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}
