// Package scheduler barre periódicamente los mercados: cierra los que
// llegaron a su end time, reembolsa los que vencieron sin resolverse y
// reintenta los pagos pendientes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

// MarketService es lo que el scheduler necesita del servicio de mercados.
type MarketService interface {
	ListPendingResolution(ctx context.Context) ([]domain.Market, error)
	LockExpired(ctx context.Context, marketID int64) (bool, error)
	RefundExpired(ctx context.Context, marketID int64) (domain.Settlement, bool, error)
	ProcessPendingPayouts(ctx context.Context) (paid, failed int, err error)
}

// Config contiene la configuración del scheduler.
type Config struct {
	Interval time.Duration
	Once     bool // un solo barrido y salir
}

// DefaultConfig devuelve una configuración sensata para producción.
func DefaultConfig() Config {
	return Config{Interval: time.Minute}
}

// Report resume un barrido.
type Report struct {
	Locked        int
	Refunded      int
	PayoutsPaid   int
	PayoutsFailed int
	Errors        int
}

// Scheduler ejecuta Sweep en intervalos regulares.
type Scheduler struct {
	cfg Config
	svc MarketService
}

// New crea el scheduler.
func New(cfg Config, svc MarketService) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Scheduler{cfg: cfg, svc: svc}
}

// Run barre una vez al arrancar y luego en cada tick, hasta que el contexto se cancele.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting", "interval", s.cfg.Interval, "once", s.cfg.Once)

	if err := s.runCycle(ctx); err != nil {
		slog.Error("sweep failed", "err", err)
		if s.cfg.Once {
			return err
		}
	}
	if s.cfg.Once {
		return nil
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil {
				slog.Error("sweep failed", "err", err)
			}
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	start := time.Now()
	r, err := s.Sweep(ctx)
	if err != nil {
		return err
	}
	slog.Info("sweep complete",
		"locked", r.Locked,
		"refunded", r.Refunded,
		"payouts_paid", r.PayoutsPaid,
		"payouts_failed", r.PayoutsFailed,
		"errors", r.Errors,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// Sweep hace un barrido completo. Los errores por mercado se loguean y se
// cuentan; solo un fallo al listar aborta el barrido.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	var r Report

	pending, err := s.svc.ListPendingResolution(ctx)
	if err != nil {
		return r, fmt.Errorf("scheduler.Sweep: %w", err)
	}

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if m.Status == domain.StatusOpen {
			locked, err := s.svc.LockExpired(ctx, m.ID)
			if err != nil {
				slog.Warn("lock expired market failed", "market_id", m.ID, "err", err)
				r.Errors++
				continue
			}
			if locked {
				r.Locked++
			}
		}

		_, refunded, err := s.svc.RefundExpired(ctx, m.ID)
		if err != nil {
			// otro proceso lo resolvió entre el listado y el reembolso
			if errors.Is(err, domain.ErrMarketState) {
				continue
			}
			slog.Warn("refund expired market failed", "market_id", m.ID, "err", err)
			r.Errors++
			continue
		}
		if refunded {
			r.Refunded++
		}
	}

	paid, failed, err := s.svc.ProcessPendingPayouts(ctx)
	if err != nil {
		slog.Warn("process pending payouts failed", "err", err)
		r.Errors++
	}
	r.PayoutsPaid = paid
	r.PayoutsFailed = failed
	return r, nil
}
