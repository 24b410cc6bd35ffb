package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
)

type runFlags struct {
	tools    []string
	planner  string
	maxSteps int
	session  string
	json     bool
}

func (c *cli) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run TASK",
		Short: "Run a single task through the agent loop",
		Long: `Run a single task through the agent loop and print the outcome.

Examples:
  tinyagent run "http url=https://example.com"
  tinyagent run -t file,shell "shell command='ls -la'"
  tinyagent run --planner llm --json "summarise README.md"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			ag, err := rt.newAgent(ctx, agentOptions{
				Tools:    f.tools,
				Planner:  f.planner,
				MaxSteps: f.maxSteps,
				Session:  f.session,
			})
			if err != nil {
				return err
			}
			defer ag.Close()

			result, runErr := ag.Run(ctx, strings.Join(args, " "))
			if result == nil {
				return runErr
			}
			if f.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				cmd.Print(renderResult(result, c.verbose))
			}
			return runErr
		},
	}
	cmd.Flags().StringSliceVarP(&f.tools, "tools", "t", nil, "comma separated tool names (default: all configured tools)")
	cmd.Flags().StringVar(&f.planner, "planner", "", "planner: noop, command or llm")
	cmd.Flags().IntVar(&f.maxSteps, "max-steps", 0, "maximum loop steps (default from config)")
	cmd.Flags().StringVarP(&f.session, "session", "s", "", "memory session id (default: new session)")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the full run result as JSON")
	return cmd
}
