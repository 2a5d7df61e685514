package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"sjq/internal/config"
)

func NewConfigGetCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Args:  cobra.ExactArgs(1),
		Short: "Print a setting, or its built-in default when unset",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			def, err := config.Default().Get(key)
			if err != nil {
				return err
			}

			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			val, err := st.GetConfig(context.Background(), key)
			if err != nil {
				return err
			}
			if val == "" {
				fmt.Fprintln(cmd.OutOrStdout(), def, "(default)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}
}
