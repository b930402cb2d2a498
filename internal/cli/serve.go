package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background pipelines and expose metrics",
		Long: "Start evolution workers, deletion workers with the SLA monitor, and the governor schedule. " +
			"Serves Prometheus metrics on /metrics and a liveness probe on /healthz until interrupted.",
		Run: runServe,
	}

	cmd.Flags().String("addr", ":9464", "Metrics listen address")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx)
	if err != nil {
		exitErr("open engine", err)
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Close()
		exitErr("start engine", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := e.Store().Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := e.Close(); err != nil {
		exitErr("close engine", err)
	}
	slog.Info("memory engine stopped")
}
