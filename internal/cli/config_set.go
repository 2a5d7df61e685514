package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"sjq/internal/config"
)

func NewConfigSetCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Args:  cobra.ExactArgs(2),
		Short: "Set a config value (read by the server at start)",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			// reject values the server would refuse to start with
			cfg := config.Default()
			if err := cfg.Set(key, value); err != nil {
				return err
			}

			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetConfig(context.Background(), key, value); err != nil {
				return fmt.Errorf("failed to set config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Updated:", key, "=", value)
			return nil
		},
	}
}
