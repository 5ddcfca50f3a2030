package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrodnm/predictbot/internal/application/scheduler"
)

// runServe levanta el hub websocket y el scheduler hasta que ctx se cancela.
func runServe(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.hub.Run(ctx)
	if a.events != nil {
		events, err := a.events.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		go a.hub.Feed(ctx, events)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", a.hub.HandleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %d clients\n", a.hub.ClientCount())
	})
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("websocket hub listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
			cancel()
		}
	}()

	sched := scheduler.New(scheduler.Config{Interval: a.cfg.SweepInterval()}, a.markets)
	runErr := sched.Run(ctx)

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "err", err)
	}
	slog.Info("predictbot stopped cleanly")
	return runErr
}

// runSweep ejecuta un único barrido y muestra el resumen.
func runSweep(ctx context.Context, a *app) error {
	r, err := scheduler.New(scheduler.Config{Once: true}, a.markets).Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("locked %d · refunded %d · payouts paid %d, failed %d · errors %d\n",
		r.Locked, r.Refunded, r.PayoutsPaid, r.PayoutsFailed, r.Errors)
	return nil
}
