package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/darkroom/internal/config"
	"github.com/zulandar/darkroom/internal/courier"
	discordadapter "github.com/zulandar/darkroom/internal/courier/discord"
	slackadapter "github.com/zulandar/darkroom/internal/courier/slack"
	"github.com/zulandar/darkroom/internal/dashboard"
	"github.com/zulandar/darkroom/internal/db"
	"github.com/zulandar/darkroom/internal/sd"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Darkroom daemon",
		Long:  "Connects to the configured chat platform and serves generation requests until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "darkroom.yaml", "path to Darkroom config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Platform == "" {
		return fmt.Errorf("serve: no platform configured in %s (add platform: discord or slack)", configPath)
	}

	gormDB, err := db.Connect(cfg.Storage)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	backend, err := sd.New(sd.Opts{Config: cfg})
	if err != nil {
		return err
	}

	// A dead backend is not fatal at startup; generations will fail with a
	// clear message until it comes back.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := backend.Ping(pingCtx); err != nil {
		log.Printf("serve: backend %s unreachable: %v", cfg.Backend.URL, err)
	} else {
		fmt.Fprintf(out, "Backend %s reachable\n", cfg.Backend.URL)
	}
	pingCancel()

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	daemon, err := courier.NewDaemon(courier.DaemonOpts{
		DB:      gormDB,
		Config:  cfg,
		Adapter: adapter,
		Backend: backend,
		Out:     out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Dashboard.Enabled {
		go func() {
			if err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:   gormDB,
				Port: cfg.Dashboard.Port,
				Out:  out,
			}); err != nil {
				log.Printf("serve: dashboard: %v", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (courier.Adapter, error) {
	switch cfg.Platform {
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
		})
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Slack.AppToken,
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.ChannelID,
		})
	default:
		return nil, fmt.Errorf("serve: unsupported platform %q", cfg.Platform)
	}
}
