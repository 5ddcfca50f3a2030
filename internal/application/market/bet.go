package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/alejandrodnm/predictbot/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxConflictRetries acota los reintentos cuando otro proceso movió los pools
// entre la lectura y la escritura.
const maxConflictRetries = 3

// PlaceBetRequest describe una apuesta. Option acepta el texto de la opción
// (sin distinguir mayúsculas) o su ID.
type PlaceBetRequest struct {
	MarketID int64
	Option   string
	Amount   int64
	Economy  string // vacío = economía por defecto
	UserID   string
}

// BetReceipt es el resultado de una apuesta aceptada.
type BetReceipt struct {
	Bet           domain.Bet
	Market        domain.Market // con los pools posteriores a la apuesta
	Option        domain.Option
	Cost          int64
	Shares        decimal.Decimal
	AvgPrice      decimal.Decimal
	PoolsBefore   []decimal.Decimal
	PoolsAfter    []decimal.Decimal
	Probabilities []decimal.Decimal
}

// PlaceBet debita la economía del usuario, compra shares al AMM y registra la
// apuesta. En economías del ledger propio el débito entra en la transacción
// de RecordBet; en las remotas se debita antes y, si el registro falla, los
// puntos se devuelven.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (BetReceipt, error) {
	if err := s.validateBet(req); err != nil {
		return BetReceipt{}, fmt.Errorf("market.PlaceBet: %w", err)
	}
	econName := req.Economy
	if econName == "" {
		econName = s.cfg.DefaultEconomy
	}
	econ, err := s.economies.Economy(econName)
	if err != nil {
		return BetReceipt{}, fmt.Errorf("market.PlaceBet: %w", err)
	}

	unlock, err := s.lockMarket(ctx, req.MarketID)
	if err != nil {
		return BetReceipt{}, fmt.Errorf("market.PlaceBet: %w", err)
	}
	receipt, err := s.placeBetLocked(ctx, req, econ)
	unlock()
	if err != nil {
		return BetReceipt{}, fmt.Errorf("market.PlaceBet: %w", err)
	}

	slog.Info("bet placed",
		"market_id", req.MarketID,
		"user_id", req.UserID,
		"option", receipt.Option.Text,
		"amount", req.Amount,
		"economy", econ.Name(),
		"shares", receipt.Shares.StringFixed(4),
	)

	ev := domain.NewMarketEvent(domain.EventBet, receipt.Market, receipt.Bet.CreatedAt)
	ev.UserID = req.UserID
	ev.Option = receipt.Option.Text
	ev.Amount = req.Amount
	s.emit(ctx, ev)

	return receipt, nil
}

func (s *Service) validateBet(req PlaceBetRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAmount, req.Amount)
	}
	if req.Amount < s.cfg.MinBet {
		return fmt.Errorf("%w: minimum bet is %d points", domain.ErrInvalidBet, s.cfg.MinBet)
	}
	if s.cfg.MaxBet > 0 && req.Amount > s.cfg.MaxBet {
		return fmt.Errorf("%w: maximum bet is %d points", domain.ErrInvalidBet, s.cfg.MaxBet)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: missing user", domain.ErrInvalidBet)
	}
	return nil
}

// ledgerBacked lo implementan las economías cuyos balances viven en el mismo
// almacenamiento que los mercados.
type ledgerBacked interface {
	Account(userID string) domain.Account
}

func (s *Service) placeBetLocked(ctx context.Context, req PlaceBetRequest, econ ports.Economy) (BetReceipt, error) {
	var funding *domain.Account
	if lb, ok := econ.(ledgerBacked); ok {
		acct := lb.Account(req.UserID)
		funding = &acct
	}

	debited := false
	fail := func(err error) (BetReceipt, error) {
		if debited {
			s.compensateDebit(ctx, econ, req, err)
		}
		return BetReceipt{}, err
	}

	for attempt := 1; ; attempt++ {
		m, err := s.store.GetMarket(ctx, req.MarketID)
		if err != nil {
			return fail(err)
		}
		now := s.now().UTC()
		if err := m.CanBet(now); err != nil {
			return fail(err)
		}
		idx, err := m.FindOption(req.Option)
		if err != nil {
			return fail(err)
		}
		trade, err := m.Pool().SharesForPoints(idx, req.Amount)
		if err != nil {
			return fail(err)
		}

		if funding == nil && !debited {
			memo := fmt.Sprintf("bet on market #%d (%s)", m.ID, m.Options[idx].Text)
			if err := econ.RemovePoints(ctx, req.UserID, req.Amount, memo); err != nil {
				if errors.Is(err, domain.ErrOutcomeUnknown) {
					slog.Error("bet debit outcome unknown, not compensated",
						"market_id", m.ID,
						"user_id", req.UserID,
						"economy", econ.Name(),
						"amount", req.Amount,
						"err", err,
					)
				}
				return BetReceipt{}, fmt.Errorf("debit %s: %w", econ.Name(), err)
			}
			debited = true
		}

		bet := domain.Bet{
			ID:        uuid.NewString(),
			MarketID:  m.ID,
			OptionID:  m.Options[idx].ID,
			UserID:    req.UserID,
			Amount:    req.Amount,
			Shares:    trade.Shares,
			Economy:   econ.Name(),
			CreatedAt: now,
		}
		err = s.store.RecordBet(ctx, bet, trade, funding)
		if errors.Is(err, domain.ErrConflict) && attempt < maxConflictRetries {
			slog.Debug("pools moved, retrying bet", "market_id", m.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return fail(err)
		}

		after := m.WithReserves(trade.After)
		return BetReceipt{
			Bet:           bet,
			Market:        after,
			Option:        after.Options[idx],
			Cost:          req.Amount,
			Shares:        trade.Shares,
			AvgPrice:      trade.AvgPrice(),
			PoolsBefore:   trade.Before,
			PoolsAfter:    trade.After,
			Probabilities: after.Pool().Probabilities(),
		}, nil
	}
}

// compensateDebit devuelve los puntos de una apuesta que no llegó a registrarse.
func (s *Service) compensateDebit(ctx context.Context, econ ports.Economy, req PlaceBetRequest, cause error) {
	memo := fmt.Sprintf("reversal: bet on market #%d not recorded", req.MarketID)
	if err := econ.AddPoints(context.WithoutCancel(ctx), req.UserID, req.Amount, memo); err != nil {
		slog.Error("bet compensation failed, points lost",
			"market_id", req.MarketID,
			"user_id", req.UserID,
			"economy", econ.Name(),
			"amount", req.Amount,
			"cause", cause,
			"err", err,
		)
		return
	}
	slog.Warn("bet reverted",
		"market_id", req.MarketID,
		"user_id", req.UserID,
		"amount", req.Amount,
		"cause", cause,
	)
}
