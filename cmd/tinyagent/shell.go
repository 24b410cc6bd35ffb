package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"tiny-agent/internal/agent"
)

const shellHelp = `Commands:
  help      show this help
  tools     list registered tools
  memory    print the memory snapshot
  history   print memory change history
  exit      leave the shell
Anything else is run as a task.`

func (c *cli) shellCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session sharing one agent and its memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			return replLoop(ctx, ag, cmd.InOrStdin(), cmd.OutOrStdout(), c.verbose)
		},
	}
	cmd.Flags().StringSliceVarP(&f.tools, "tools", "t", nil, "comma separated tool names (default: all configured tools)")
	cmd.Flags().StringVar(&f.planner, "planner", "", "planner: noop, command or llm")
	cmd.Flags().IntVar(&f.maxSteps, "max-steps", 0, "maximum loop steps per task")
	cmd.Flags().StringVarP(&f.session, "session", "s", "", "memory session id to resume")
	return cmd
}

// replLoop 逐行读取输入直到 exit、EOF 或 ctx 结束。
func replLoop(ctx context.Context, ag *agent.Agent, in io.Reader, out io.Writer, verbose bool) error {
	fmt.Fprintf(out, "%s session %s, type %s for commands\n",
		titleStyle.Render(ag.Name()), dimStyle.Render(ag.Session()), nameStyle.Render("help"))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, nameStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprintln(out, shellHelp)
		case "tools":
			fmt.Fprint(out, renderTools(ag.Tools()))
		case "memory":
			snapshot, err := ag.Memory().Snapshot(ctx)
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
				continue
			}
			printJSON(out, snapshot)
		case "history":
			history, err := ag.Memory().History(ctx)
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
				continue
			}
			for _, event := range history {
				fmt.Fprintf(out, "%s %-6s %s\n", dimStyle.Render(event.Timestamp.Format("15:04:05.000")), event.Action, event.Key)
			}
		default:
			result, err := ag.Run(ctx, line)
			if result != nil {
				fmt.Fprint(out, renderResult(result, verbose))
			} else if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
			}
		}
	}
}

func printJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(out, errorStyle.Render(err.Error()))
	}
}
