package main

import (
	"context"
	"crypto/rand"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallybook/automaton/internal/actions"
	"github.com/tallybook/automaton/internal/engine"
	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/internal/logging"
	"github.com/tallybook/automaton/internal/monitor"
	"github.com/tallybook/automaton/internal/scheduler"
	"github.com/tallybook/automaton/internal/secrets"
	"github.com/tallybook/automaton/internal/server"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/internal/triggers"
	"github.com/tallybook/automaton/internal/validation"
)

func (c *cli) run(cmd *cobra.Command, args []string) error {
	logger := newLogger(c.cfg)
	slog.SetDefault(logger)

	ctx := context.Background()

	st, err := store.NewLibSQLStore(c.cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	vaultCfg := secrets.VaultConfig{
		Passphrase: c.cfg.VaultPassphrase,
		Salt:       []byte(c.cfg.VaultSalt),
	}
	if vaultCfg.Passphrase == "" {
		logger.Warn("no vault passphrase configured, using an ephemeral key; webhook secrets will not survive restarts")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return err
		}
		vaultCfg = secrets.VaultConfig{MasterKey: key}
	}
	vault, err := secrets.NewAESVault(st, vaultCfg)
	if err != nil {
		return err
	}

	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}
	celFilter, err := expressions.NewCELFilter()
	if err != nil {
		return err
	}
	extractor := expressions.NewExtractor()

	registry := actions.NewRegistry()
	notifier := actions.NewLogNotifier(logger)
	entityClient := actions.NewMemoryEntityClient()
	for _, a := range []actions.Action{
		actions.NewNotifySendAction(notifier),
		actions.NewWaitAction(),
		actions.NewHTTPCallAction(actions.HTTPConfig{}),
		actions.NewEntityCreateAction(entityClient),
		actions.NewEntityUpdateAction(entityClient),
	} {
		if err := registry.Register(a); err != nil {
			return err
		}
	}

	hub := monitor.NewMemoryHub(monitor.HubConfig{}, logger)
	defer hub.Close()
	mon := monitor.New(st)

	eng := engine.New(st, registry, hub, logger, engine.Config{Workers: c.cfg.Workers})
	rules := engine.NewRuleRunner(st, registry, celFilter, logger)
	dispatcher := triggers.NewEventDispatcher(st, celFilter, eng, rules, logger)
	receiver := triggers.NewWebhookReceiver(st, vault, extractor, eng, logger)
	metrics := triggers.NewStaticMetrics()
	detector := triggers.NewThresholdDetector(st, metrics, eng, logger)

	sched := scheduler.New(st, eng, detector, eng, logger, scheduler.Config{
		Interval: time.Duration(c.cfg.TickSeconds) * time.Second,
	})
	sched.Start(ctx)
	defer sched.Stop()

	srv := server.New(st, validator, eng, dispatcher, receiver, mon, hub, registry, logger, server.Config{
		Addr: c.cfg.Addr,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		logger.Info("shutting down", "signal", sig.String())
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	eng.Wait()
	return nil
}

func newLogger(cfg config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(logging.NewCorrelationHandler(handler))
}
