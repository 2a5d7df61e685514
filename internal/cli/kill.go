package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewKillCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <jobID>...",
		Short: "Kill running jobs or cancel queued ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestCtx()
			defer cancel()

			var failed int
			for _, id := range ids {
				if err := c.Kill(ctx, id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "job %d: %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Killed:", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d kills failed", failed, len(ids))
			}
			return nil
		},
	}
}
