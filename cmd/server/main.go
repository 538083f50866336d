package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/moon-chat/internal/config"
	"github.com/omochice/moon-chat/internal/logger"
	"github.com/omochice/moon-chat/internal/metrics"
	"github.com/omochice/moon-chat/internal/server"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		dbPath     string
		workspace  string
		tokenRate  float64
	)

	cmd := &cobra.Command{
		Use:          "moon-server",
		Short:        "Run the development chat backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("db") {
				cfg.Server.DBPath = dbPath
			}
			if flags.Changed("workspace") {
				cfg.Server.Workspace = workspace
			}
			if flags.Changed("token-rate") {
				cfg.Server.TokenRate = tokenRate
			}

			log := logger.New("moon-server", logger.Config{
				Level:  cfg.Log.Level,
				Pretty: cfg.Log.Pretty,
			})

			srv, err := server.New(server.Options{
				Addr:      cfg.Server.Addr,
				DBPath:    cfg.Server.DBPath,
				Workspace: cfg.Server.Workspace,
				TokenRate: cfg.Server.TokenRate,
				Logger:    log,
				Metrics:   metrics.New(),
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			if err := srv.Listen(); err != nil {
				srv.Stop()
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			errChan := make(chan error, 1)
			go func() {
				errChan <- srv.Serve()
			}()

			select {
			case err := <-errChan:
				srv.Stop()
				if err != nil {
					log.Error().Err(err).Msg("Server error")
					return err
				}
			case sig := <-sigChan:
				log.Info().Str("signal", sig.String()).Msg("Shutting down")
				srv.Stop()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "moon.yaml", "Path to the YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (e.g., :8000)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Path to the message database")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace directory served by the file API")
	cmd.Flags().Float64Var(&tokenRate, "token-rate", 0, "Streamed tokens per second (0 disables pacing)")
	return cmd
}
