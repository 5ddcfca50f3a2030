package economy

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/alejandrodnm/predictbot/internal/ports"
)

// Local es una economía cuyos balances viven en el ledger propio.
type Local struct {
	name   string
	ledger ports.Ledger
}

// NewLocal crea una economía local respaldada por el ledger.
func NewLocal(name string, ledger ports.Ledger) *Local {
	return &Local{name: name, ledger: ledger}
}

// Name devuelve la clave de la economía.
func (l *Local) Name() string { return l.name }

// GetBalance devuelve el balance del usuario en esta economía.
func (l *Local) GetBalance(ctx context.Context, userID string) (int64, error) {
	bal, err := l.ledger.GetBalance(ctx, l.account(userID))
	if err != nil {
		return 0, fmt.Errorf("economy.Local.GetBalance: %w", err)
	}
	return bal, nil
}

// AddPoints acredita al usuario con una fila de auditoría.
func (l *Local) AddPoints(ctx context.Context, userID string, amount int64, memo string) error {
	if _, err := l.ledger.Credit(ctx, l.account(userID), amount, memo); err != nil {
		return fmt.Errorf("economy.Local.AddPoints: %w", err)
	}
	return nil
}

// RemovePoints debita al usuario; falla con domain.ErrInsufficientFunds sin tocar el balance.
func (l *Local) RemovePoints(ctx context.Context, userID string, amount int64, memo string) error {
	if _, err := l.ledger.Debit(ctx, l.account(userID), amount, memo); err != nil {
		return fmt.Errorf("economy.Local.RemovePoints: %w", err)
	}
	return nil
}

// Account devuelve la cuenta del ledger que respalda al usuario.
func (l *Local) Account(userID string) domain.Account {
	return l.account(userID)
}

func (l *Local) account(userID string) domain.Account {
	return domain.Account{Economy: l.name, Holder: userID}
}
