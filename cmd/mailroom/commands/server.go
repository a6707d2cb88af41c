package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/solistra/mailroom/internal/api"
	"github.com/solistra/mailroom/internal/assets"
	"github.com/solistra/mailroom/internal/config"
	"github.com/solistra/mailroom/internal/delivery"
	"github.com/solistra/mailroom/internal/faillog"
	"github.com/solistra/mailroom/internal/mailer"
	"github.com/solistra/mailroom/internal/message"
	"github.com/solistra/mailroom/internal/queue"
	"github.com/solistra/mailroom/internal/store"
	"github.com/solistra/mailroom/internal/transport"
)

var listenFlag string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the mailroom delivery service",
	Long:  `Start the HTTP submission API, retry queue, and health monitor`,
	Run: func(cmd *cobra.Command, args []string) {
		startServer()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&listenFlag, "listen", "", "Override the listen address (e.g. --listen :9090)")
}

// engineHandler adapts the delivery engine to the retry queue's
// handler interface.
type engineHandler struct {
	engine *delivery.Engine
}

func (h engineHandler) Deliver(ctx context.Context, msg *message.OutboundMessage) error {
	_, err := h.engine.Redeliver(ctx, msg)
	return err
}

func startServer() {
	logger := slog.Default().With("component", "server")

	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}

	err := cfg.Validate()
	if errors.Is(err, config.ErrNoTransports) {
		// The rest of the service still runs; submissions are refused
		// with a clear error until transports are configured.
		logger.Warn("no mail transports configured, running with email disabled")
		startDegraded()
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	factory := func() ([]transport.Transport, error) {
		return transport.Build(cfg)
	}

	engine, err := delivery.NewEngine(factory, cfg.Health.FastFail)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building transports: %v\n", err)
		os.Exit(1)
	}

	flog, err := faillog.Open(cfg.FailLog.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening failure log: %v\n", err)
		os.Exit(1)
	}
	defer flog.Close()

	var reqStore *store.Store
	if cfg.Store.Enabled {
		reqStore, err = store.Open(cfg.Store.Path)
		if err != nil {
			// Persistence is best-effort end to end; a broken store
			// must not keep mail from flowing.
			logger.Warn("request store unavailable, continuing without persistence", "error", err)
			reqStore = nil
		} else {
			defer reqStore.Close()
		}
	}

	retryQueue := queue.New(queue.Config{
		Interval:      cfg.QueueInterval(),
		BaseDelay:     cfg.QueueBaseDelay(),
		MaxAttempts:   cfg.Queue.MaxAttempts,
		MaxConcurrent: int64(cfg.Queue.MaxConcurrent),
		SnapshotPath:  cfg.Queue.SnapshotPath,
	}, engineHandler{engine: engine}, flog)

	if err := retryQueue.Load(); err != nil {
		logger.Warn("failed to restore retry queue snapshot", "error", err)
	}

	locator := assets.NewLocator(cfg.Brochure.CandidatePaths)

	var requestStore mailer.RequestStore
	if reqStore != nil {
		requestStore = reqStore
	}

	m := mailer.New(mailer.Config{
		DefaultTo:         cfg.Mail.DefaultTo,
		BrochureFilename:  cfg.Brochure.Filename,
		RequireAttachment: cfg.Brochure.RequireAttachment,
	}, engine, retryQueue, flog, requestStore, locator)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retryQueue.Start(ctx)

	monitor := delivery.NewMonitor(engine, cfg.HealthInterval(), cfg.HealthProbeTimeout())
	go monitor.Run(ctx)

	apiServer := api.NewServer(api.Config{ListenAddr: cfg.Server.Listen}, m, retryQueue, engine.Health())
	apiServer.Start()

	logger.Info("mailroom started",
		"listen", cfg.Server.Listen,
		"transports", len(cfg.Mail.Transports),
		"retry_interval", cfg.QueueInterval(),
		"max_attempts", cfg.Queue.MaxAttempts,
	)

	<-ctx.Done()

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown failed", "error", err)
	}

	m.Drain()
	retryQueue.Stop()

	logger.Info("shutdown complete")
}

// startDegraded runs only the HTTP surface. Every submission gets a
// 503 until transports are configured and the service restarted.
func startDegraded() {
	logger := slog.Default().With("component", "server")

	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}

	locator := assets.NewLocator(cfg.Brochure.CandidatePaths)
	m := mailer.New(mailer.Config{
		DefaultTo:         cfg.Mail.DefaultTo,
		BrochureFilename:  cfg.Brochure.Filename,
		RequireAttachment: cfg.Brochure.RequireAttachment,
	}, nil, nil, nil, nil, locator)

	apiServer := api.NewServer(api.Config{ListenAddr: cfg.Server.Listen}, m, nil, nil)
	apiServer.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("mailroom started in degraded mode", "listen", cfg.Server.Listen)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
