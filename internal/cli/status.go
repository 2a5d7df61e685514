package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sjq/internal/config"
)

func NewStatusCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestCtx()
			defer cancel()
			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			info, err := c.Info(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Queue Status:")
			for _, sc := range stats {
				fmt.Fprintf(out, "  %-10s %d\n", sc.State, sc.Count)
			}
			fmt.Fprintln(out, "Resources:")
			fmt.Fprintf(out, "  procs      %d/%d free\n", info.ProcsAvail, info.MaxProcs)
			fmt.Fprintf(out, "  mem        %s/%s free\n", config.FormatMem(info.MemAvail), config.FormatMem(info.MaxMem))
			return nil
		},
	}
}

func NewShowCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <jobID>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil || len(ids) != 1 {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestCtx()
			defer cancel()
			j, err := c.Status(ctx, ids[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job:       %d\n", j.ID)
			fmt.Fprintf(out, "name:      %s\n", j.Name)
			fmt.Fprintf(out, "state:     %s\n", j.State)
			if j.Retcode != nil {
				fmt.Fprintf(out, "retcode:   %d\n", *j.Retcode)
			}
			if j.Error != "" {
				fmt.Fprintf(out, "error:     %s\n", j.Error)
			}
			fmt.Fprintf(out, "procs:     %d\n", j.Procs)
			fmt.Fprintf(out, "mem:       %s\n", config.FormatMem(j.Mem))
			fmt.Fprintf(out, "cwd:       %s\n", j.Cwd)
			fmt.Fprintf(out, "stdout:    %s\n", j.StdoutPath)
			fmt.Fprintf(out, "stderr:    %s\n", j.StderrPath)
			if len(j.Dependencies) > 0 {
				fmt.Fprintf(out, "depends:   %s\n", depsText(j.Dependencies))
			}
			fmt.Fprintf(out, "submitted: %s (%s)\n", j.SubmittedAt.Local().Format(time.DateTime), humanize.Time(j.SubmittedAt))
			if j.StartedAt != nil {
				fmt.Fprintf(out, "started:   %s\n", j.StartedAt.Local().Format(time.DateTime))
			}
			if j.EndedAt != nil {
				fmt.Fprintf(out, "ended:     %s\n", j.EndedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}
