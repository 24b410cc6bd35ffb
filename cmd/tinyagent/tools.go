package main

import (
	"github.com/spf13/cobra"
)

func (c *cli) toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "tools",
		Aliases: []string{"list-tools"},
		Short:   "List the tools available to the agent",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			reg, err := rt.registry(nil)
			if err != nil {
				return err
			}
			cmd.Print(renderTools(reg.List()))
			return nil
		},
	}
}
