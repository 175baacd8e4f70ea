// Command homerules is the home-automation rule engine: it follows device
// state over MQTT, evaluates user-authored automations and executes their
// action sequences.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/homerules/internal/bus"
	"github.com/basket/homerules/internal/config"
	"github.com/basket/homerules/internal/controller"
	"github.com/basket/homerules/internal/mqtt"
	"github.com/basket/homerules/internal/store"
	"github.com/basket/homerules/internal/telegram"
)

const version = "1.0.0"

// exitRestart tells the supervisor to respawn the service instead of
// treating the exit as terminal.
const exitRestart = 100

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/homerules/config.yaml", "path of the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration unreadable:", err)
		return 1
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting", "version", version, "database", cfg.Automation.Database)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New(logger)

	ruleStore := store.New(store.Config{
		Path:         cfg.Automation.Database,
		WriteDelay:   cfg.Automation.StoreDelay(),
		Version:      version,
		TelegramChat: cfg.Telegram.Chat,
		Logger:       logger,
		Bus:          eventBus,
	})
	if err := ruleStore.Load(); err != nil {
		logger.Error("database unreadable", "error", err)
		return 1
	}
	if err := ruleStore.Watch(); err != nil {
		logger.Warn("database watcher unavailable", "error", err)
	}
	defer ruleStore.Close()

	client := mqtt.New(mqtt.Config{
		Broker:   cfg.MQTT.Broker,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID,
		Prefix:   cfg.MQTT.Prefix,
	}, logger)

	statusTopic := client.Topic("status/" + controller.ServiceTopic)
	if err := client.Start(ctx, statusTopic); err != nil {
		logger.Error("mqtt startup failed", "error", err)
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Stop(stopCtx)
	}()

	bot := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		Chat:    cfg.Telegram.Chat,
		Timeout: cfg.Telegram.Timeout,
	}, ruleStore, logger)

	if cfg.Telegram.Update {
		go func() {
			if err := bot.Start(ctx); err != nil {
				logger.Warn("telegram channel failed", "error", err)
			}
		}()
	}

	engine := controller.New(controller.Options{
		Config:          cfg,
		Logger:          logger,
		Client:          client,
		Messages:        client.Messages(),
		Connected:       client.Connected(),
		Telegram:        bot,
		TelegramInbound: bot.Inbound(),
		Store:           ruleStore,
		Bus:             eventBus,
	})

	err = engine.Run(ctx)
	if errors.Is(err, controller.ErrRestart) {
		logger.Warn("exiting for restart")
		return exitRestart
	}
	if err != nil {
		logger.Error("controller failed", "error", err)
		return 1
	}

	logger.Info("stopped")
	return 0
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	options := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}
