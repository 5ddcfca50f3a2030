package ports

import "context"

// Economy is an external point system that funds bets and receives payouts.
// The name is an opaque routing key.
type Economy interface {
	Name() string
	GetBalance(ctx context.Context, userID string) (int64, error)
	// AddPoints credits the user. memo ends up in the audit trail when the
	// economy keeps one.
	AddPoints(ctx context.Context, userID string, amount int64, memo string) error
	// RemovePoints fails with domain.ErrInsufficientFunds when the user cannot cover amount.
	RemovePoints(ctx context.Context, userID string, amount int64, memo string) error
}

// EconomyResolver looks up an economy by name.
type EconomyResolver interface {
	Economy(name string) (Economy, error)
}
