/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatrelay/pkg/channel"
	"chatrelay/pkg/channel/discord"
	"chatrelay/pkg/channel/email"
	"chatrelay/pkg/channel/telegram"
	"chatrelay/pkg/channel/twitch"
	"chatrelay/pkg/config"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/logger"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the channel gateway",
	Long:  "Runs ChatRelay as a long-lived gateway: connects every enabled channel, relays messages to the agent, and serves health and status endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, adapters, newAgent(cfg), log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}
		svc.WithPairing(gateway.NewMemoryPairingStore())

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "agent_mode", agentMode(cfg))
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 4)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(cfg.Channels.Discord, log)
		if err != nil {
			return nil, fmt.Errorf("configure discord channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Email.Enabled {
		adapter, err := email.NewAdapter(cfg.Channels.Email, log)
		if err != nil {
			return nil, fmt.Errorf("configure email channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Twitch.Enabled {
		adapter, err := twitch.NewAdapter(cfg.Channels.Twitch, log)
		if err != nil {
			return nil, fmt.Errorf("configure twitch channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func newAgent(cfg *config.Config) gateway.Agent {
	// Only the echo consumer ships in-tree; external agents attach
	// through the gateway.Agent interface.
	return &gateway.EchoAgent{}
}

func agentMode(cfg *config.Config) string {
	if strings.TrimSpace(cfg.Agent.Mode) == "" {
		return "echo"
	}
	return cfg.Agent.Mode
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
