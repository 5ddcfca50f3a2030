package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/google/uuid"
)

// GetBalance lee el último balance confirmado. No toma locks.
func (s *SQLiteStorage) GetBalance(ctx context.Context, acct domain.Account) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE economy = ? AND holder = ?`,
		acct.Economy, acct.Holder,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage.GetBalance: %s: %w", acct, err)
	}
	return balance, nil
}

// Credit suma amount a la cuenta, creándola si no existe.
func (s *SQLiteStorage) Credit(ctx context.Context, acct domain.Account, amount int64, memo string) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = creditTx(ctx, tx, acct, amount, memo, s.now())
		return err
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("storage.Credit: %w", err)
	}
	return out, nil
}

// Debit resta amount si el balance alcanza; el chequeo y la escritura son
// un único UPDATE condicional.
func (s *SQLiteStorage) Debit(ctx context.Context, acct domain.Account, amount int64, memo string) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = debitTx(ctx, tx, acct, amount, memo, s.now())
		return err
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("storage.Debit: %w", err)
	}
	return out, nil
}

// Transfer mueve amount de from a to. Si cualquiera de las dos patas falla,
// el rollback deja ambas cuentas como estaban.
func (s *SQLiteStorage) Transfer(ctx context.Context, from, to domain.Account, amount int64, memo string) error {
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := debitTx(ctx, tx, from, amount, memo, now); err != nil {
			return fmt.Errorf("debit leg: %w", err)
		}
		if _, err := creditTx(ctx, tx, to, amount, memo, now); err != nil {
			return fmt.Errorf("credit leg: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage.Transfer: %s -> %s: %w", from, to, err)
	}
	return nil
}

// Transactions devuelve hasta limit transacciones de la cuenta, más recientes primero.
func (s *SQLiteStorage) Transactions(ctx context.Context, acct domain.Account, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, amount, balance, memo, created_at
		FROM transactions
		WHERE economy = ? AND holder = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, acct.Economy, acct.Holder, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.Transactions: query: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		t := domain.Transaction{Account: acct}
		var kind, created string
		if err := rows.Scan(&t.ID, &kind, &t.Amount, &t.Balance, &t.Memo, &created); err != nil {
			return nil, fmt.Errorf("storage.Transactions: scan row: %w", err)
		}
		t.Kind = domain.TxKind(kind)
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("storage.Transactions: parse created_at: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// inTx ejecuta fn dentro de una transacción; cualquier error hace rollback.
func (s *SQLiteStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func validateMovement(acct domain.Account, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAmount, amount)
	}
	if acct.Economy == "" || acct.Holder == "" {
		return fmt.Errorf("%w: incomplete account %q", domain.ErrInvalidBet, acct.String())
	}
	return nil
}

func creditTx(ctx context.Context, tx *sql.Tx, acct domain.Account, amount int64, memo string, now time.Time) (domain.Transaction, error) {
	if err := validateMovement(acct, amount); err != nil {
		return domain.Transaction{}, err
	}
	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (economy, holder, balance, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(economy, holder) DO UPDATE SET
			balance    = balance + excluded.balance,
			updated_at = excluded.updated_at
	`, acct.Economy, acct.Holder, amount, ts); err != nil {
		return domain.Transaction{}, fmt.Errorf("credit %s: %w", acct, err)
	}
	return appendTx(ctx, tx, acct, domain.TxCredit, amount, memo, now)
}

func debitTx(ctx context.Context, tx *sql.Tx, acct domain.Account, amount int64, memo string, now time.Time) (domain.Transaction, error) {
	if err := validateMovement(acct, amount); err != nil {
		return domain.Transaction{}, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance - ?, updated_at = ?
		WHERE economy = ? AND holder = ? AND balance >= ?
	`, amount, formatTime(now), acct.Economy, acct.Holder, amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("debit %s: %w", acct, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("debit %s: rows affected: %w", acct, err)
	}
	if n == 0 {
		var available int64
		_ = tx.QueryRowContext(ctx,
			`SELECT balance FROM accounts WHERE economy = ? AND holder = ?`,
			acct.Economy, acct.Holder,
		).Scan(&available)
		return domain.Transaction{}, fmt.Errorf("%w: %s has %d, needs %d",
			domain.ErrInsufficientFunds, acct, available, amount)
	}
	return appendTx(ctx, tx, acct, domain.TxDebit, amount, memo, now)
}

// appendTx registra la fila de auditoría con el balance resultante.
func appendTx(ctx context.Context, tx *sql.Tx, acct domain.Account, kind domain.TxKind, amount int64, memo string, now time.Time) (domain.Transaction, error) {
	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE economy = ? AND holder = ?`,
		acct.Economy, acct.Holder,
	).Scan(&balance); err != nil {
		return domain.Transaction{}, fmt.Errorf("read balance %s: %w", acct, err)
	}

	t := domain.Transaction{
		ID:        uuid.NewString(),
		Account:   acct,
		Kind:      kind,
		Amount:    amount,
		Balance:   balance,
		Memo:      memo,
		CreatedAt: now.UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, economy, holder, kind, amount, balance, memo, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, acct.Economy, acct.Holder, string(kind), amount, balance, memo, formatTime(now)); err != nil {
		return domain.Transaction{}, fmt.Errorf("append transaction %s: %w", acct, err)
	}
	return t, nil
}
