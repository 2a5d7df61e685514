package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func NewResetCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear all jobs and archived jobs (development only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, err := g.client(); err == nil {
				c.Close()
				return fmt.Errorf("server is running; shut it down first")
			}

			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.ResetQueue(context.Background()); err != nil {
				return fmt.Errorf("failed to clear jobs: %w", err)
			}
			if err := st.ResetArchive(context.Background()); err != nil {
				return fmt.Errorf("failed to clear archive: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Queue and archive cleared.")
			return nil
		},
	}
}
