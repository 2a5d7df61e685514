package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sjq/internal/config"
	"sjq/internal/store"
)

func NewConfigRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Persisted server settings: set, unset, get, list",
	}
}

func NewConfigListCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show every server setting and where it comes from",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			settings, err := st.Settings(context.Background())
			if err != nil {
				return err
			}
			byKey := make(map[string]store.Setting, len(settings))
			for _, s := range settings {
				byKey[s.Key] = s
			}

			out := cmd.OutOrStdout()
			for _, key := range config.Keys {
				s, ok := byKey[key]
				if !ok {
					fmt.Fprintf(out, "%-14s (default)\n", key)
					continue
				}
				fmt.Fprintf(out, "%-14s %-10s set %s\n", key, s.Value, humanize.Time(s.UpdatedAt))
			}
			return nil
		},
	}
}

func NewConfigUnsetCmd(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "unset <key>",
		Args:  cobra.ExactArgs(1),
		Short: "Forget a setting so the built-in default applies",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			removed, err := st.UnsetConfig(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintln(cmd.OutOrStdout(), args[0], "was not set")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Unset:", args[0])
			return nil
		},
	}
}
