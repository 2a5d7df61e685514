package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewArchiveRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Move finished jobs out of the live queue",
	}
}

func NewArchiveRunCmd(g *Globals) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Archive jobs that finished before --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Archive(context.Background(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %d jobs.\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only jobs that ended at least this long ago")
	return cmd
}

func NewArchiveListCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListArchive(context.Background())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No archived jobs.")
				return nil
			}
			for _, j := range jobs {
				rc := "-"
				if j.Retcode != nil {
					rc = fmt.Sprint(*j.Retcode)
				}
				fmt.Fprintf(out, "%6d %s %-16s retcode=%s\n", j.ID, j.State.Letter(), j.Name, rc)
			}
			return nil
		},
	}
}
