// Gateway is the B2B messaging gateway daemon. It loads the runtime
// configuration, opens the message store, and runs the retry scheduler
// alongside the administrative HTTP server until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirosfoundation/go-gateway/internal/config"
	"github.com/sirosfoundation/go-gateway/internal/fragment"
	"github.com/sirosfoundation/go-gateway/internal/notify"
	"github.com/sirosfoundation/go-gateway/internal/pull"
	"github.com/sirosfoundation/go-gateway/internal/queue"
	"github.com/sirosfoundation/go-gateway/internal/scheduler"
	"github.com/sirosfoundation/go-gateway/internal/sender"
	"github.com/sirosfoundation/go-gateway/internal/server"
	gwsignal "github.com/sirosfoundation/go-gateway/internal/signal"
	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/internal/storage/memory"
	"github.com/sirosfoundation/go-gateway/internal/storage/mongodb"
	"github.com/sirosfoundation/go-gateway/internal/submit"
	"github.com/sirosfoundation/go-gateway/internal/tenant"
	"github.com/sirosfoundation/go-gateway/pkg/exchange"
	"github.com/sirosfoundation/go-gateway/pkg/reliability"
	"github.com/sirosfoundation/go-gateway/pkg/transport"
)

// dynamicInitiatorPolicy adapts the static configuration switch to the
// pull-policy interface the configuration providers consult.
type dynamicInitiatorPolicy bool

func (p dynamicInitiatorPolicy) AllowDynamicInitiatorInPullProcess() bool { return bool(p) }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "gateway.yaml", "path to the configuration file")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	bus := gwsignal.NewMemoryBus()

	tenants := tenant.NewRegistry(tenant.Config{
		Bus:        bus,
		PullPolicy: dynamicInitiatorPolicy(cfg.Pull.DynamicInitiator),
		Logger:     logger.With("component", "tenant"),
	})
	provider := tenants.Provider(tenant.DefaultTenant)

	contexts := exchange.NewContextBuilder(exchange.ContextBuilderConfig{
		Provider: provider,
		Logger:   logger.With("component", "exchange"),
	})

	notifier := notify.NewLogNotifier(logger.With("component", "notify"))

	sendQueue := queue.NewMemory()
	dispatcher := &queue.SendDispatcher{Queue: sendQueue}

	pullCoordinator := pull.NewCoordinator(pull.Config{
		Locks:            store,
		Logs:             store,
		Legs:             provider,
		DynamicInitiator: cfg.Pull.DynamicInitiator,
		ReceiptWindow:    cfg.Pull.ReceiptWindow,
		Logger:           logger.With("component", "pull"),
	})

	retry := reliability.NewService(reliability.Config{
		Logs:       store,
		Messages:   store,
		Contexts:   contexts,
		Locks:      pullCoordinator,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Policy: reliability.Policy{
			DeleteFailedPayload: cfg.Policy.DeleteFailedPayload,
			NotifyOnFailure:     cfg.Policy.NotifyOnFailure,
		},
		Logger: logger.With("component", "reliability"),
	})

	pullCoordinator.SetExpirer(retry)

	fragments := fragment.NewCoordinator(fragment.Config{
		Messages:   store,
		Logs:       store,
		Groups:     store,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Logger:     logger.With("component", "fragment"),
	})

	submitter := submit.NewService(submit.Config{
		Messages:   store,
		Logs:       store,
		Contexts:   contexts,
		Fragments:  fragments,
		Dispatcher: dispatcher,
		Locks:      pullCoordinator,
		Threshold:  cfg.Fragmentation.ThresholdBytes,
		Logger:     logger.With("component", "submit"),
	})

	retryScheduler := scheduler.New(scheduler.Config{
		Logs:         store,
		Queue:        sendQueue,
		Legs:         provider,
		Retry:        retry,
		Pull:         pullCoordinator,
		TickInterval: cfg.Retry.TickInterval,
		TickTimeout:  cfg.Retry.TickTimeout,
		Tolerance:    cfg.Retry.Tolerance(),
		Logger:       logger.With("component", "scheduler"),
	})

	transportCfg := transport.DefaultClientConfig()
	transportCfg.DisableCompression = cfg.Sender.DisableCompression
	worker := sender.NewSender(sender.Config{
		Queue:        sendQueue,
		Messages:     store,
		Logs:         store,
		Contexts:     contexts,
		Parties:      provider,
		Transport:    transport.NewClient(transportCfg),
		Retry:        retry,
		Fragments:    fragments,
		PollInterval: cfg.Sender.PollInterval,
		BatchSize:    cfg.Sender.BatchSize,
		Logger:       logger.With("component", "sender"),
	})

	srv := server.New(cfg, store, provider, retry, pullCoordinator, submitter, logger.With("component", "server"))

	worker.Start(ctx)
	defer worker.Stop()

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- retryScheduler.Run(ctx)
	}()

	serverDone := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	logger.Info("gateway started", "port", cfg.Server.Port, "storage", cfg.Storage.Type)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	<-schedulerDone
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return memory.NewStore(), nil
	case "mongodb":
		return mongodb.NewStore(ctx, &mongodb.Config{
			URI:      cfg.Storage.MongoDB.URI,
			Database: cfg.Storage.MongoDB.Database,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
