package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/alejandrodnm/predictbot/internal/ports"
)

// Resolve declara la opción ganadora y paga a los apostadores (pari-mutuel).
// Resolver un mercado ya resuelto devuelve el resultado existente sin efectos.
func (s *Service) Resolve(ctx context.Context, marketID int64, winningOption, resolverID string) (domain.Settlement, error) {
	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market.Resolve: %w", err)
	}
	st, err := s.resolveLocked(ctx, marketID, winningOption, resolverID)
	unlock()
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market.Resolve: %w", err)
	}
	if !st.AlreadySettled {
		s.afterSettlement(ctx, st)
	}
	return st, nil
}

func (s *Service) resolveLocked(ctx context.Context, marketID int64, winningOption, resolverID string) (domain.Settlement, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Settlement{}, err
	}
	if !s.canResolve(m, resolverID) {
		return domain.Settlement{}, fmt.Errorf("%w: %s cannot resolve market %d", domain.ErrUnauthorized, resolverID, m.ID)
	}

	now := s.now().UTC()
	switch st := m.StatusAt(now); st {
	case domain.StatusResolved:
		return s.existingSettlement(ctx, m)
	case domain.StatusRefunded:
		return domain.Settlement{}, fmt.Errorf("%w: market %d was refunded", domain.ErrMarketState, m.ID)
	case domain.StatusOpen:
		return domain.Settlement{}, fmt.Errorf("%w: market %d accepts bets until %s",
			domain.ErrMarketState, m.ID, m.EndTime.Format(time.RFC3339))
	}

	idx, err := m.FindOption(winningOption)
	if err != nil {
		return domain.Settlement{}, err
	}
	winner := m.Options[idx]

	bets, err := s.store.Bets(ctx, m.ID)
	if err != nil {
		return domain.Settlement{}, err
	}
	payouts, dust := domain.ComputePayouts(bets, winner.ID)

	return s.settle(ctx, m, ports.SettleRequest{
		MarketID:        m.ID,
		From:            []domain.MarketStatus{domain.StatusOpen, domain.StatusLocked},
		To:              domain.StatusResolved,
		WinningOptionID: winner.ID,
		ResolverID:      resolverID,
		At:              now,
		Payouts:         payouts,
	}, dust)
}

// Refund cancela el mercado y devuelve a cada apuesta su monto original.
// Lo puede pedir el creador o un admin, con el mercado Open o Locked.
func (s *Service) Refund(ctx context.Context, marketID int64, resolverID string) (domain.Settlement, error) {
	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market.Refund: %w", err)
	}
	st, err := s.refundLocked(ctx, marketID, resolverID, false)
	unlock()
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market.Refund: %w", err)
	}
	if !st.AlreadySettled {
		s.afterSettlement(ctx, st)
	}
	return st, nil
}

// RefundExpired reembolsa un mercado Locked cuyo período de gracia venció.
// Devuelve false si todavía no corresponde.
func (s *Service) RefundExpired(ctx context.Context, marketID int64) (domain.Settlement, bool, error) {
	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return domain.Settlement{}, false, fmt.Errorf("market.RefundExpired: %w", err)
	}
	st, err := s.refundLocked(ctx, marketID, SystemResolver, true)
	unlock()
	if err != nil {
		return domain.Settlement{}, false, fmt.Errorf("market.RefundExpired: %w", err)
	}
	if st.AlreadySettled || st.Market.Status != domain.StatusRefunded {
		return st, false, nil
	}
	s.afterSettlement(ctx, st)
	return st, true, nil
}

func (s *Service) refundLocked(ctx context.Context, marketID int64, resolverID string, expiredOnly bool) (domain.Settlement, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Settlement{}, err
	}
	if !expiredOnly && !s.canResolve(m, resolverID) {
		return domain.Settlement{}, fmt.Errorf("%w: %s cannot refund market %d", domain.ErrUnauthorized, resolverID, m.ID)
	}

	now := s.now().UTC()
	st := m.StatusAt(now)
	switch st {
	case domain.StatusRefunded:
		if expiredOnly {
			return domain.Settlement{Market: m, AlreadySettled: true}, nil
		}
		return s.existingSettlement(ctx, m)
	case domain.StatusResolved:
		if expiredOnly {
			return domain.Settlement{Market: m, AlreadySettled: true}, nil
		}
		return domain.Settlement{}, fmt.Errorf("%w: market %d is already resolved", domain.ErrMarketState, m.ID)
	}
	if expiredOnly && (st != domain.StatusLocked || now.Before(m.RefundDeadline(s.cfg.RefundGrace))) {
		return domain.Settlement{Market: m}, nil
	}

	bets, err := s.store.Bets(ctx, m.ID)
	if err != nil {
		return domain.Settlement{}, err
	}
	return s.settle(ctx, m, ports.SettleRequest{
		MarketID:   m.ID,
		From:       []domain.MarketStatus{domain.StatusOpen, domain.StatusLocked},
		To:         domain.StatusRefunded,
		ResolverID: resolverID,
		At:         now,
		Payouts:    domain.ComputeRefunds(bets),
	}, 0)
}

// settle aplica la transición terminal y acredita los pagos. Se llama con el
// lock del mercado tomado.
func (s *Service) settle(ctx context.Context, m domain.Market, req ports.SettleRequest, dust int64) (domain.Settlement, error) {
	applied, err := s.store.SettleMarket(ctx, req)
	if err != nil {
		return domain.Settlement{}, err
	}
	if !applied {
		// otro proceso llegó antes
		current, err := s.store.GetMarket(ctx, m.ID)
		if err != nil {
			return domain.Settlement{}, err
		}
		if current.Status == req.To {
			return s.existingSettlement(ctx, current)
		}
		return domain.Settlement{}, fmt.Errorf("%w: market %d is %s", domain.ErrMarketState, m.ID, current.Status)
	}

	paid, failed := s.creditPending(ctx, m.ID)
	slog.Info("market settled",
		"market_id", m.ID,
		"status", req.To,
		"resolver", req.ResolverID,
		"payouts", len(req.Payouts),
		"paid", paid,
		"pending", failed,
		"dust", dust,
	)

	settled, err := s.store.GetMarket(ctx, m.ID)
	if err != nil {
		return domain.Settlement{}, err
	}
	st, err := s.existingSettlement(ctx, settled)
	if err != nil {
		return domain.Settlement{}, err
	}
	st.AlreadySettled = false
	return st, nil
}

// existingSettlement arma el resumen de un mercado ya liquidado.
func (s *Service) existingSettlement(ctx context.Context, m domain.Market) (domain.Settlement, error) {
	bets, err := s.store.Bets(ctx, m.ID)
	if err != nil {
		return domain.Settlement{}, err
	}
	payouts, err := s.store.Payouts(ctx, m.ID)
	if err != nil {
		return domain.Settlement{}, err
	}
	total := domain.TotalWagered(bets)
	var distributed int64
	for _, p := range payouts {
		distributed += p.Amount
	}
	return domain.Settlement{
		Market:         m,
		Payouts:        payouts,
		TotalPool:      total,
		Distributed:    distributed,
		Dust:           total - distributed,
		AlreadySettled: true,
	}, nil
}

// afterSettlement avisa a los apostadores y publica el evento. Corre sin el
// lock del mercado.
func (s *Service) afterSettlement(ctx context.Context, st domain.Settlement) {
	kind := domain.EventResolved
	if st.Market.Status == domain.StatusRefunded {
		kind = domain.EventRefunded
	}
	s.dispatch(ctx, s.settlementMessages(ctx, st))
	s.emit(ctx, domain.NewMarketEvent(kind, st.Market, s.now().UTC()))
}

// LockExpired persiste Open → Locked para un mercado cuyo end time pasó y
// avisa al creador. Devuelve false si no hubo transición.
func (s *Service) LockExpired(ctx context.Context, marketID int64) (bool, error) {
	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return false, fmt.Errorf("market.LockExpired: %w", err)
	}
	m, locked, err := s.lockExpiredLocked(ctx, marketID)
	unlock()
	if err != nil {
		return false, fmt.Errorf("market.LockExpired: %w", err)
	}
	if !locked {
		return false, nil
	}

	slog.Info("market locked", "market_id", m.ID, "end_time", m.EndTime)
	deadline := m.RefundDeadline(s.cfg.RefundGrace)
	s.dispatch(ctx, []notification{{
		userID: m.CreatorID,
		message: fmt.Sprintf("Betting closed on market #%d %q. Resolve it before %s or all bets will be refunded.",
			m.ID, m.Question, deadline.Format("2006-01-02 15:04 MST")),
	}})
	s.emit(ctx, domain.NewMarketEvent(domain.EventLocked, m, s.now().UTC()))
	return true, nil
}

func (s *Service) lockExpiredLocked(ctx context.Context, marketID int64) (domain.Market, bool, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, false, err
	}
	now := s.now().UTC()
	if m.Status != domain.StatusOpen || now.Before(m.EndTime) {
		return m, false, nil
	}
	locked, err := s.store.LockMarket(ctx, m.ID, now)
	if err != nil || !locked {
		return m, false, err
	}
	m.Status = domain.StatusLocked
	return m, true, nil
}

// ProcessPendingPayouts reintenta los créditos que quedaron pendientes.
func (s *Service) ProcessPendingPayouts(ctx context.Context) (paid, failed int, err error) {
	pending, err := s.store.PendingPayouts(ctx, 0, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("market.ProcessPendingPayouts: %w", err)
	}

	seen := make(map[int64]bool)
	for _, p := range pending {
		if seen[p.MarketID] {
			continue
		}
		seen[p.MarketID] = true

		unlock, err := s.lockMarket(ctx, p.MarketID)
		if err != nil {
			return paid, failed, fmt.Errorf("market.ProcessPendingPayouts: %w", err)
		}
		ok, ko := s.creditPending(ctx, p.MarketID)
		unlock()
		paid += ok
		failed += ko
	}
	return paid, failed, nil
}

// errPayoutTaken: otro proceso cambió el estado del pago entre la lectura y el crédito.
var errPayoutTaken = errors.New("payout no longer pending")

// creditPending acredita los pagos pendientes del mercado en su economía.
// Se llama con el lock del mercado tomado.
func (s *Service) creditPending(ctx context.Context, marketID int64) (paid, failed int) {
	pending, err := s.store.PendingPayouts(ctx, marketID, 0)
	if err != nil {
		slog.Error("load pending payouts failed", "market_id", marketID, "err", err)
		return 0, 0
	}
	for _, p := range pending {
		err := s.creditPayout(ctx, p)
		switch {
		case err == nil:
			paid++
		case errors.Is(err, errPayoutTaken):
			slog.Debug("payout already taken", "payout_id", p.ID)
		default:
			failed++
			slog.Error("payout credit failed",
				"payout_id", p.ID,
				"market_id", p.MarketID,
				"user_id", p.UserID,
				"economy", p.Economy,
				"amount", p.Amount,
				"attempt", p.Attempts+1,
				"err", err,
			)
		}
	}
	return paid, failed
}

// creditPayout acredita un pago PENDING. Con una economía del ledger propio
// el crédito y el cambio a PAID son una transacción. Con una remota el pago
// pasa a CREDITING antes de llamar a la API y solo vuelve a PENDING si la
// economía rechazó el crédito sin aplicarlo.
func (s *Service) creditPayout(ctx context.Context, p domain.Payout) error {
	econ, err := s.economies.Economy(p.Economy)
	if err != nil {
		s.markPayoutFailed(ctx, p, err, true)
		return err
	}
	memo := fmt.Sprintf("market #%d %s", p.MarketID, payoutLabel(p.Kind))

	if lb, ok := econ.(ledgerBacked); ok {
		paid, err := s.store.PayPayout(ctx, p.ID, lb.Account(p.UserID), memo, s.now().UTC())
		if err != nil {
			s.markPayoutFailed(ctx, p, err, true)
			return err
		}
		if !paid {
			return errPayoutTaken
		}
		return nil
	}

	claimed, err := s.store.ClaimPayout(ctx, p.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return errPayoutTaken
	}
	// un pago truncado a 0 no mueve puntos
	if p.Amount > 0 {
		if err := econ.AddPoints(ctx, p.UserID, p.Amount, memo); err != nil {
			s.markPayoutFailed(ctx, p, err, !errors.Is(err, domain.ErrOutcomeUnknown))
			return err
		}
	}
	if err := s.store.MarkPayoutPaid(ctx, p.ID, s.now().UTC()); err != nil {
		slog.Error("payout credited but not marked paid, left for reconciliation",
			"payout_id", p.ID,
			"market_id", p.MarketID,
			"user_id", p.UserID,
			"economy", p.Economy,
			"amount", p.Amount,
			"err", err,
		)
		return err
	}
	return nil
}

func (s *Service) markPayoutFailed(ctx context.Context, p domain.Payout, cause error, retry bool) {
	if !retry {
		slog.Error("payout outcome unknown, needs reconciliation",
			"payout_id", p.ID,
			"market_id", p.MarketID,
			"user_id", p.UserID,
			"economy", p.Economy,
			"amount", p.Amount,
		)
	}
	if err := s.store.MarkPayoutFailed(context.WithoutCancel(ctx), p.ID, cause.Error(), retry); err != nil {
		slog.Error("mark payout failed", "payout_id", p.ID, "err", err)
	}
}

// StuckPayouts devuelve los pagos que esperan reconciliación.
func (s *Service) StuckPayouts(ctx context.Context) ([]domain.Payout, error) {
	payouts, err := s.store.CreditingPayouts(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("market.StuckPayouts: %w", err)
	}
	return payouts, nil
}

// ReconcilePayout cierra un pago que quedó en CREDITING después de verificar
// a mano la economía: applied=true lo marca PAID, applied=false lo devuelve a
// PENDING para que el próximo sweep lo acredite. Solo admins.
func (s *Service) ReconcilePayout(ctx context.Context, actorID string, payoutID int64, applied bool) error {
	if !s.IsAdmin(actorID) {
		return fmt.Errorf("market.ReconcilePayout: %w: %s is not an admin", domain.ErrUnauthorized, actorID)
	}
	stuck, err := s.store.CreditingPayouts(ctx, 0)
	if err != nil {
		return fmt.Errorf("market.ReconcilePayout: %w", err)
	}
	var p *domain.Payout
	for i := range stuck {
		if stuck[i].ID == payoutID {
			p = &stuck[i]
			break
		}
	}
	if p == nil {
		return fmt.Errorf("market.ReconcilePayout: %w: payout %d is not awaiting reconciliation", domain.ErrConflict, payoutID)
	}

	unlock, err := s.lockMarket(ctx, p.MarketID)
	if err != nil {
		return fmt.Errorf("market.ReconcilePayout: %w", err)
	}
	defer unlock()

	if applied {
		err = s.store.MarkPayoutPaid(ctx, p.ID, s.now().UTC())
	} else {
		err = s.store.MarkPayoutFailed(ctx, p.ID, "reconciled by "+actorID+": not applied", true)
	}
	if err != nil {
		return fmt.Errorf("market.ReconcilePayout: %w", err)
	}
	slog.Info("payout reconciled",
		"payout_id", p.ID,
		"market_id", p.MarketID,
		"applied", applied,
		"by", actorID,
	)
	return nil
}

func payoutLabel(k domain.PayoutKind) string {
	if k == domain.PayoutRefund {
		return "refund"
	}
	return "payout"
}
