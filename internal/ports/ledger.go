package ports

import (
	"context"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

// Ledger guarda balances con un log de transacciones append-only.
// Cada mutación y su fila de transacción se confirman juntas.
type Ledger interface {
	// GetBalance devuelve 0 para cuentas sin movimientos.
	GetBalance(ctx context.Context, acct domain.Account) (int64, error)

	Credit(ctx context.Context, acct domain.Account, amount int64, memo string) (domain.Transaction, error)

	// Debit falla con domain.ErrInsufficientFunds sin tocar el balance.
	Debit(ctx context.Context, acct domain.Account, amount int64, memo string) (domain.Transaction, error)

	// Transfer debita from y acredita to atómicamente: o ambas o ninguna.
	Transfer(ctx context.Context, from, to domain.Account, amount int64, memo string) error

	// Transactions devuelve las últimas transacciones de la cuenta, más recientes primero.
	Transactions(ctx context.Context, acct domain.Account, limit int) ([]domain.Transaction, error)
}
