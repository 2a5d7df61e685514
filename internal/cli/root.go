package cli

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sjq/internal/config"
	"sjq/internal/server"
	"sjq/internal/store"
)

// Globals are the persistent flags shared by every subcommand.
type Globals struct {
	Home   string
	Socket string
	DB     string
}

func (g *Globals) socketPath() string {
	if g.Socket != "" {
		return g.Socket
	}
	return filepath.Join(g.Home, "sjq.sock")
}

func (g *Globals) dbPath() string {
	if g.DB != "" {
		return g.DB
	}
	return filepath.Join(g.Home, "sjq.db")
}

func (g *Globals) client() (*server.Client, error) {
	return server.Dial(g.socketPath())
}

// openStore opens the job database directly, for commands that work
// without a running server.
func (g *Globals) openStore() (*store.Store, error) {
	return store.NewStore(g.dbPath())
}

func requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func NewRootCmd(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sjq",
		Short:         "Simple local job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.Home, "home", config.DefaultHome(), "sjq state directory")
	cmd.PersistentFlags().StringVar(&g.Socket, "socket", "", "server socket (default <home>/sjq.sock)")
	cmd.PersistentFlags().StringVar(&g.DB, "db", "", "job database (default <home>/sjq.db)")
	return cmd
}

// NewAppCmd assembles the full command tree.
func NewAppCmd(g *Globals) *cobra.Command {
	root := NewRootCmd(g)

	configCmd := NewConfigRootCmd()
	configCmd.AddCommand(NewConfigGetCmd(g), NewConfigSetCmd(g), NewConfigUnsetCmd(g), NewConfigListCmd(g))

	archiveCmd := NewArchiveRootCmd()
	archiveCmd.AddCommand(NewArchiveRunCmd(g), NewArchiveListCmd(g))

	root.AddCommand(
		NewServerCmd(g),
		NewSubmitCmd(g),
		NewKillCmd(g),
		NewListCmd(g),
		NewShowCmd(g),
		NewStatusCmd(g),
		NewShutdownCmd(g),
		NewResetCmd(g),
		configCmd,
		archiveCmd,
	)
	return root
}
