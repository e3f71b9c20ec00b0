// goFIX daemon -- FIX 4.4 session-layer engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/gofix/internal/config"
	"github.com/example/gofix/internal/engine"
	"github.com/example/gofix/internal/fixdict"
	"github.com/example/gofix/internal/journal"
	fixmetrics "github.com/example/gofix/internal/metrics"
	"github.com/example/gofix/internal/reactor"
	appversion "github.com/example/gofix/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "gofix",
		Short:   "FIX 4.4 session-layer engine",
		Version: appversion.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd(configPath)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")
	return root
}

func runCmd(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gofix starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("sessions", len(cfg.Sessions)))

	reg := prometheus.NewRegistry()
	collector := fixmetrics.NewCollector(reg)

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		logger.Error("failed to open journal", slog.String("error", err.Error()))
		return err
	}
	defer j.Close()

	r, err := reactor.New()
	if err != nil {
		logger.Error("failed to create reactor", slog.String("error", err.Error()))
		return err
	}
	defer r.Close()

	eng, err := engine.New(fixdict.Default(), j, r, collector, logger)
	if err != nil {
		logger.Error("failed to create engine", slog.String("error", err.Error()))
		return err
	}

	if err := runDaemon(cfg, eng, r, reg, logger); err != nil {
		logger.Error("gofix exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("gofix stopped")
	return nil
}

// runDaemon wires the configured session endpoints and the metrics HTTP
// server into an errgroup driven by a signal-aware context, and runs the
// reactor loop until shutdown.
func runDaemon(
	cfg *config.Config,
	eng *engine.Engine,
	r *reactor.EventManager,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	endpoints, err := startSessionEndpoints(gCtx, cfg.Sessions, eng, logger)
	if err != nil {
		return fmt.Errorf("start session endpoints: %w", err)
	}
	defer closeEndpoints(endpoints, logger)

	g.Go(func() error {
		return r.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(eng, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, reactor.ErrClosed) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// startSessionEndpoints constructs one EndPoint per configured session,
// initiator or acceptor according to its Role.
func startSessionEndpoints(
	ctx context.Context,
	sessions []config.SessionConfig,
	eng *engine.Engine,
	logger *slog.Logger,
) ([]*engine.EndPoint, error) {
	endpoints := make([]*engine.EndPoint, 0, len(sessions))
	for _, sc := range sessions {
		switch sc.Role {
		case "acceptor":
			ep, err := engine.NewAcceptorEndPoint(sc, eng)
			if err != nil {
				return endpoints, fmt.Errorf("session %s: %w", sc.Name, err)
			}
			endpoints = append(endpoints, ep)
			logger.Info("session acceptor listening", slog.String("session", sc.Name), slog.String("addr", sc.Addr))

		case "initiator":
			ep, err := engine.NewInitiatorEndPoint(ctx, sc, eng)
			if err != nil {
				return endpoints, fmt.Errorf("session %s: %w", sc.Name, err)
			}
			endpoints = append(endpoints, ep)
			logger.Info("session initiator dialing", slog.String("session", sc.Name), slog.String("addr", sc.Addr))

		default:
			return endpoints, fmt.Errorf("session %s: unknown role %q", sc.Name, sc.Role)
		}
	}
	return endpoints, nil
}

func closeEndpoints(endpoints []*engine.EndPoint, logger *slog.Logger) {
	for _, ep := range endpoints {
		if err := ep.Close(); err != nil {
			logger.Warn("failed to close session endpoint", slog.String("error", err.Error()))
		}
	}
}

// gracefulShutdown closes every connection (no Logout message is sent)
// and stops the metrics server.
func gracefulShutdown(eng *engine.Engine, metricsSrv *http.Server, logger *slog.Logger) error {
	logger.Info("shutting down")

	eng.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

// shutdownTimeout bounds how long graceful shutdown waits for the
// metrics server to drain active connections.
const shutdownTimeout = 10 * time.Second

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
