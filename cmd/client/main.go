package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/omochice/moon-chat/internal/api"
	"github.com/omochice/moon-chat/internal/config"
	"github.com/omochice/moon-chat/internal/logger"
	"github.com/omochice/moon-chat/internal/metrics"
	"github.com/omochice/moon-chat/internal/session"
	"github.com/omochice/moon-chat/internal/workspace"
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
		wsURL      string
		apiURL     string
	)

	cmd := &cobra.Command{
		Use:          "moon-chat",
		Short:        "Chat with the Moon AI backend from the terminal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if wsURL != "" {
				cfg.WebSocketURL = wsURL
			}
			if apiURL != "" {
				cfg.APIBaseURL = apiURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "moon.yaml", "Path to the YAML config file")
	cmd.Flags().StringVar(&wsURL, "ws", "", "WebSocket endpoint (e.g., ws://localhost:8000/ws)")
	cmd.Flags().StringVar(&apiURL, "api", "", "REST base URL (e.g., http://localhost:8000)")
	return cmd
}

func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New("moon-chat", logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})

	client := api.NewClient(cfg.APIBaseURL, api.WithLogger(logger.Component(log, "api")))
	sess := session.NewFromConfig(cfg, client, log, metrics.New())
	view := newView(os.Stdout)
	tree := workspace.NewTree(client, logger.Component(log, "workspace"))

	poller := api.NewHealthPoller(client, time.Duration(cfg.HealthPollInterval))
	go poller.Run(ctx, view.backend)

	updates, cancel := sess.Subscribe()
	defer cancel()
	go func() {
		for {
			select {
			case <-updates:
				view.render(sess.State(), sess.Messages(), sess.Typing())
			case <-ctx.Done():
				return
			}
		}
	}()

	sess.Start(ctx)
	defer sess.Stop()
	view.render(sess.State(), sess.Messages(), sess.Typing())

	fmt.Println("Type your messages (or 'quit' to exit):")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Error().Err(err).Msg("Error reading input")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			switch text {
			case "":
				continue
			case "quit", "exit":
				return nil
			case "/dismiss":
				sess.DismissBanner()
			default:
				if dir, ok := strings.CutPrefix(text, "/ls"); ok {
					listFiles(ctx, tree, view, strings.TrimSpace(dir))
					continue
				}
				if name, ok := strings.CutPrefix(text, "/cat "); ok {
					showFile(ctx, client, view, strings.TrimSpace(name))
					continue
				}
				sess.SendMessage(text)
			}
		}
	}
}

func listFiles(ctx context.Context, tree *workspace.Tree, v *view, dir string) {
	if dir == "" {
		dir = "/"
	}
	if err := tree.Load(ctx, dir); err != nil {
		v.notice("ls: " + err.Error())
		return
	}
	tree.Select(dir)
	v.files(tree.Children(dir))
}

func showFile(ctx context.Context, client *api.Client, v *view, name string) {
	if workspace.TypeOf(name) == workspace.TypeImage {
		v.notice("cat: images are not shown in the terminal")
		return
	}
	fc, err := client.ReadFile(ctx, name)
	if err != nil {
		v.notice("cat: " + err.Error())
		return
	}
	v.file(fc, workspace.Language(name))
}
