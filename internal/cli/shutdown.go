package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewShutdownCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the server, killing running jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestCtx()
			defer cancel()
			if err := c.Shutdown(ctx); err != nil {
				return fmt.Errorf("failed to request shutdown: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested.")
			return nil
		},
	}
}
