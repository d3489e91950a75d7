package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmaranhao/citabot/pkg/citabot/bot"
	"github.com/rmaranhao/citabot/pkg/citabot/channels"
	"github.com/rmaranhao/citabot/pkg/citabot/channels/discord"
	"github.com/rmaranhao/citabot/pkg/citabot/channels/whatsapp"
	"github.com/rmaranhao/citabot/pkg/citabot/config"
	"github.com/rmaranhao/citabot/pkg/citabot/handoff"
	"github.com/rmaranhao/citabot/pkg/citabot/llm"
	"github.com/rmaranhao/citabot/pkg/citabot/reminder"
	"github.com/rmaranhao/citabot/pkg/citabot/scheduling"
	"github.com/rmaranhao/citabot/pkg/citabot/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant on WhatsApp",
		Long: `Start CitaBot as a daemon: connects the WhatsApp channel, the
clinic backend and the model, and answers patients until stopped.

Examples:
  citabot serve
  citabot serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	logger.Info("starting citabot", "config", configPath, "clinic", cfg.Clinic.Name)

	if cfg.Clinic.BaseURL == "" {
		return fmt.Errorf("clinic backend not configured, run `citabot setup` first")
	}

	llmKey, err := config.ResolveSecret(cfg.LLM.APIKey)
	if err != nil {
		return fmt.Errorf("LLM API key: %w", err)
	}
	clinicKey := ""
	if cfg.Clinic.APIKey != "" {
		if clinicKey, err = config.ResolveSecret(cfg.Clinic.APIKey); err != nil {
			return fmt.Errorf("clinic API key: %w", err)
		}
	}

	db, err := session.OpenDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sessionBackend, err := session.NewSQLiteBackend(db)
	if err != nil {
		return err
	}
	store := session.NewStore(sessionBackend, cfg.SessionTTL(), logger)

	handoffStore, err := handoff.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	manager := channels.NewManager(logger)

	var notifier handoff.Notifier
	if cfg.Discord.Enabled && cfg.Discord.Token != "" {
		token, err := config.ResolveSecret(cfg.Discord.Token)
		if err != nil {
			return fmt.Errorf("discord token: %w", err)
		}
		dc := discord.New(discord.Config{Token: token, ChannelID: cfg.Discord.ChannelID}, logger)
		if err := manager.Register(dc); err != nil {
			return err
		}
		notifier = dc
	}
	handoffs := handoff.NewManager(handoffStore, notifier, logger)

	if cfg.WhatsApp.Enabled {
		wa := whatsapp.New(whatsapp.Config{
			StorePath:  cfg.WhatsApp.StorePath,
			DeviceName: cfg.WhatsApp.DeviceName,
		}, logger)
		if err := manager.Register(wa); err != nil {
			return err
		}
	}

	clinic := scheduling.NewClient(cfg.Clinic.BaseURL, clinicKey, logger)
	completer := llm.NewClient(cfg.LLM.BaseURL, llmKey, cfg.LLM.Model, logger)

	directory := config.NewOperatorDirectory(func() []config.Operator {
		current, err := config.Load(configPath)
		if err != nil {
			return cfg.Operators
		}
		return current.Operators
	}, cfg.SessionTTL())

	orch := bot.NewOrchestrator(completer, clinic, store, handoffs, directory, cfg.Clinic.Name, cfg.Session.MaxTurns, logger)

	b := bot.New(manager, orch, store, handoffs, directory, bot.Options{
		Debounce:   cfg.Debounce(),
		SendTyping: cfg.WhatsApp.SendTyping,
		MarkAsRead: cfg.WhatsApp.MarkAsRead,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return err
	}

	var reminders *reminder.Service
	if cfg.Reminders.Enabled {
		reminders = reminder.New(clinic, manager, store, cfg.Clinic.Name,
			cfg.Reminders.Schedule, cfg.Reminders.DaysAhead, logger)
	} else {
		reminders = reminder.New(nil, nil, store, cfg.Clinic.Name, "", 0, logger)
	}
	if err := reminders.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()

	logger.Info("citabot running, press Ctrl+C to stop")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("bot stopped", "error", err)
		}
	}

	cancel()
	reminders.Stop()
	manager.Stop()
	return nil
}
