package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jutukuva/livecaption/internal/bus"
	"github.com/jutukuva/livecaption/internal/config"
	"github.com/jutukuva/livecaption/internal/natsserver"
	"github.com/jutukuva/livecaption/internal/relay"
	"github.com/jutukuva/livecaption/internal/store"
)

// Runtime assembles the captiond daemon: embedded transport, relay, the
// session store and the HTTP surface. Start blocks until ctx is canceled.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}

	busClient, err := bus.Connect(r.cfg.Bus, r.logger, nil, nil)
	if err != nil {
		embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	sessions, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to open session store: %w", err)
	}

	relayServer := relay.NewServer(ctx, r.cfg.Room, busClient, sessions, r.logger)
	if err := relayServer.Start(busClient); err != nil {
		sessions.Close()
		busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to start relay: %w", err)
	}

	if r.cfg.Store.Mode == "persistent" {
		r.wg.Add(1)
		go r.runSnapshotLoop(ctx, relayServer)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, relayServer.Health(), r.logger)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, relayServer.Stats(), r.logger)
	})
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}

	// Close persists every remaining room before the store goes away.
	relayServer.Close()

	if err := sessions.Close(); err != nil {
		r.logger.Error("store shutdown error", slog.String("error", err.Error()))
	}
	busClient.Close()
	embedded.Shutdown()
	r.wg.Wait()

	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// runSnapshotLoop persists every live room on a fixed interval so a crash
// loses at most one interval of edits.
func (r *Runtime) runSnapshotLoop(ctx context.Context, relayServer *relay.Server) {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.Store.SnapshotIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			relayServer.PersistAll(ctx)
		}
	}
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", slog.String("error", err.Error()))
	}
}
