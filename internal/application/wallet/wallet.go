// Package wallet expone balances, propinas entre usuarios y depósitos desde
// economías externas hacia el ledger local.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/alejandrodnm/predictbot/internal/ports"
)

// ledgerBacked lo implementan las economías cuyos balances viven en el ledger propio.
type ledgerBacked interface {
	Account(userID string) domain.Account
}

// Service opera sobre el ledger y las economías registradas.
type Service struct {
	ledger    ports.Ledger
	economies ports.EconomyResolver
	local     string
}

// New crea el servicio. local es la economía respaldada por el ledger que
// recibe los depósitos.
func New(ledger ports.Ledger, economies ports.EconomyResolver, local string) *Service {
	return &Service{ledger: ledger, economies: economies, local: local}
}

// Balance devuelve el balance del usuario en la economía dada.
func (s *Service) Balance(ctx context.Context, economy, userID string) (int64, error) {
	e, err := s.economies.Economy(economy)
	if err != nil {
		return 0, fmt.Errorf("wallet.Balance: %w", err)
	}
	bal, err := e.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("wallet.Balance: %w", err)
	}
	return bal, nil
}

// History devuelve las últimas transacciones del usuario en una economía local.
func (s *Service) History(ctx context.Context, economy, userID string, limit int) (domain.Account, []domain.Transaction, error) {
	acct, err := s.account(economy, userID)
	if err != nil {
		return domain.Account{}, nil, fmt.Errorf("wallet.History: %w", err)
	}
	txs, err := s.ledger.Transactions(ctx, acct, limit)
	if err != nil {
		return domain.Account{}, nil, fmt.Errorf("wallet.History: %w", err)
	}
	return acct, txs, nil
}

// Tip transfiere amount de from a to dentro de una economía local. Ambas patas
// se confirman juntas o ninguna.
func (s *Service) Tip(ctx context.Context, economy, from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("wallet.Tip: %w: %d", domain.ErrInvalidAmount, amount)
	}
	if strings.TrimSpace(to) == "" || from == to {
		return fmt.Errorf("wallet.Tip: %w: invalid recipient %q", domain.ErrInvalidBet, to)
	}
	src, err := s.account(economy, from)
	if err != nil {
		return fmt.Errorf("wallet.Tip: %w", err)
	}
	dst, err := s.account(economy, to)
	if err != nil {
		return fmt.Errorf("wallet.Tip: %w", err)
	}
	memo := fmt.Sprintf("tip %s -> %s", from, to)
	if err := s.ledger.Transfer(ctx, src, dst, amount, memo); err != nil {
		return fmt.Errorf("wallet.Tip: %w", err)
	}
	slog.Info("tip sent", "economy", economy, "from", from, "to", to, "amount", amount)
	return nil
}

// Deposit retira amount de la economía externa y lo acredita en la local.
// Si el crédito falla, el retiro se compensa.
func (s *Service) Deposit(ctx context.Context, fromEconomy, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("wallet.Deposit: %w: %d", domain.ErrInvalidAmount, amount)
	}
	if fromEconomy == s.local {
		return fmt.Errorf("wallet.Deposit: %w: cannot deposit from %q into itself", domain.ErrInvalidBet, fromEconomy)
	}
	external, err := s.economies.Economy(fromEconomy)
	if err != nil {
		return fmt.Errorf("wallet.Deposit: %w", err)
	}
	dst, err := s.account(s.local, userID)
	if err != nil {
		return fmt.Errorf("wallet.Deposit: %w", err)
	}

	memo := fmt.Sprintf("deposit %s -> %s", fromEconomy, s.local)
	if err := external.RemovePoints(ctx, userID, amount, memo); err != nil {
		return fmt.Errorf("wallet.Deposit: %w", err)
	}
	if _, err := s.ledger.Credit(ctx, dst, amount, memo); err != nil {
		// el retiro externo ya se hizo: se devuelve aunque ctx esté cancelado
		if cerr := external.AddPoints(context.WithoutCancel(ctx), userID, amount, "revert "+memo); cerr != nil {
			slog.Error("deposit compensation failed",
				"economy", fromEconomy,
				"user_id", userID,
				"amount", amount,
				"credit_err", err,
				"err", cerr,
			)
		}
		return fmt.Errorf("wallet.Deposit: %w", err)
	}

	slog.Info("deposit completed", "from", fromEconomy, "to", s.local, "user_id", userID, "amount", amount)
	return nil
}

func (s *Service) account(economy, userID string) (domain.Account, error) {
	e, err := s.economies.Economy(economy)
	if err != nil {
		return domain.Account{}, err
	}
	lb, ok := e.(ledgerBacked)
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: economy %q is not held in the local ledger", domain.ErrInvalidBet, economy)
	}
	return lb.Account(userID), nil
}
