package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sjq/internal/config"
	"sjq/internal/model"
)

func NewListCmd(g *Globals) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st model.State
			if state != "" {
				parsed, err := model.ParseState(state)
				if err != nil {
					return err
				}
				st = parsed
			}

			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestCtx()
			defer cancel()
			jobs, err := c.List(ctx, st)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			for _, j := range jobs {
				fmt.Fprintf(out, "%6d %s %-16s procs=%-3d mem=%-8s %s\n",
					j.ID, j.State.Letter(), j.Name, j.Procs, config.FormatMem(j.Mem), depsText(j.Dependencies))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by job state (queued,held,running,succeeded,failed,killed)")
	return cmd
}

func depsText(deps []int64) string {
	if len(deps) == 0 {
		return ""
	}
	parts := make([]string, len(deps))
	for i, d := range deps {
		parts[i] = fmt.Sprint(d)
	}
	return "after=" + strings.Join(parts, ":")
}
