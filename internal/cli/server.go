package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sjq/internal/config"
	"sjq/internal/engine"
	"sjq/internal/logging"
	"sjq/internal/server"
	"sjq/internal/store"
)

func NewServerCmd(g *Globals) *cobra.Command {
	cfg := config.Default()
	var flags *config.Flags

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the job server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			// paths not given explicitly follow --home
			home := config.WithHome(g.Home)
			if !cmd.Flags().Changed("pidfile") {
				cfg.PIDPath = home.PIDPath
			}
			if !cmd.Flags().Changed("spool") {
				cfg.SpoolDir = home.SpoolDir
			}
			cfg.Home = g.Home
			cfg.SocketPath = g.socketPath()
			cfg.DBPath = g.dbPath()

			if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
				return fmt.Errorf("create home: %w", err)
			}

			st, err := store.NewStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := cfg.ApplyStore(context.Background(), st); err != nil {
				return err
			}
			if err := flags.Apply(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logging.New(cfg.LogLevel, cfg.LogPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			sched := engine.New(st, engine.NewExecLauncher(cfg.SpoolDir), engine.Options{
				MaxProcs:     cfg.MaxProcs,
				MaxMem:       cfg.MaxMem,
				PollInterval: cfg.PollInterval,
				IdleShutdown: cfg.IdleShutdown,
			}, log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := server.New(cfg, st, sched, log).Run(ctx); err != nil {
				log.Error("server stopped", zap.Error(err))
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}

	// --socket and --db are persistent flags of the root command
	flags = config.RegisterFlags(cmd.Flags(), &cfg)
	return cmd
}
