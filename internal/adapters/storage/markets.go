package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/alejandrodnm/predictbot/internal/ports"
	"github.com/shopspring/decimal"
)

const marketColumns = `id, question, category, creator_id, created_at, end_time, status,
	resolver_id, winning_option_id, settled_at, initial_liquidity, k_constant`

// CreateMarket inserta el mercado y sus opciones en una transacción.
func (s *SQLiteStorage) CreateMarket(ctx context.Context, m domain.Market) (domain.Market, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO markets (question, category, creator_id, created_at, end_time, status,
			                     initial_liquidity, k_constant)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, m.Question, m.Category, m.CreatorID, formatTime(m.CreatedAt), formatTime(m.EndTime),
			string(m.Status), m.InitialLiquidity.String(), m.K.String())
		if err != nil {
			return fmt.Errorf("insert market: %w", err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("market id: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO options (market_id, text, position, pool) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare options: %w", err)
		}
		defer stmt.Close()

		for i := range m.Options {
			o := &m.Options[i]
			res, err := stmt.ExecContext(ctx, m.ID, o.Text, o.Position, o.Pool.String())
			if err != nil {
				return fmt.Errorf("insert option %q: %w", o.Text, err)
			}
			if o.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("option id: %w", err)
			}
			o.MarketID = m.ID
		}
		return nil
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("storage.CreateMarket: %w", err)
	}
	return m, nil
}

// GetMarket devuelve el mercado con sus opciones ordenadas por posición.
func (s *SQLiteStorage) GetMarket(ctx context.Context, id int64) (domain.Market, error) {
	m, err := getMarket(ctx, s.db, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("storage.GetMarket: %w", err)
	}
	return m, nil
}

// ListMarkets devuelve los mercados que cumplen el filtro, por end_time ascendente.
func (s *SQLiteStorage) ListMarkets(ctx context.Context, f ports.MarketFilter) ([]domain.Market, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph, stArgs := statusArgs(f.Statuses)
		where = append(where, "status IN ("+ph+")")
		args = append(args, stArgs...)
	}
	if !f.EndBefore.IsZero() {
		where = append(where, "end_time <= ?")
		args = append(args, formatTime(f.EndBefore))
	}
	if !f.EndAfter.IsZero() {
		where = append(where, "end_time > ?")
		args = append(args, formatTime(f.EndAfter))
	}
	if f.CreatorID != "" {
		where = append(where, "creator_id = ?")
		args = append(args, f.CreatorID)
	}

	query := "SELECT " + marketColumns + " FROM markets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY end_time ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListMarkets: query: %w", err)
	}
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage.ListMarkets: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("storage.ListMarkets: rows: %w", err)
	}
	rows.Close() // la única conexión tiene que quedar libre para cargar opciones

	for i := range markets {
		if markets[i].Options, err = loadOptions(ctx, s.db, markets[i].ID); err != nil {
			return nil, fmt.Errorf("storage.ListMarkets: %w", err)
		}
	}
	return markets, nil
}

// RecordBet aplica la apuesta de forma atómica: chequea estado, debita la
// cuenta funding si viene, actualiza los pools solo si siguen iguales a
// trade.Before, inserta la apuesta y acredita el escrow.
func (s *SQLiteStorage) RecordBet(ctx context.Context, bet domain.Bet, trade domain.Trade, funding *domain.Account) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status, endTime string
		err := tx.QueryRowContext(ctx,
			`SELECT status, end_time FROM markets WHERE id = ?`, bet.MarketID,
		).Scan(&status, &endTime)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", domain.ErrMarketNotFound, bet.MarketID)
		}
		if err != nil {
			return fmt.Errorf("read market: %w", err)
		}
		if domain.MarketStatus(status) != domain.StatusOpen || formatTime(bet.CreatedAt) >= endTime {
			return fmt.Errorf("%w: market %d is not open", domain.ErrMarketState, bet.MarketID)
		}

		if funding != nil {
			memo := fmt.Sprintf("bet %s on market #%d", bet.ID, bet.MarketID)
			if _, err := debitTx(ctx, tx, *funding, bet.Amount, memo, bet.CreatedAt); err != nil {
				return err
			}
		}

		for i := range trade.After {
			res, err := tx.ExecContext(ctx,
				`UPDATE options SET pool = ? WHERE market_id = ? AND position = ? AND pool = ?`,
				trade.After[i].String(), bet.MarketID, i, trade.Before[i].String(),
			)
			if err != nil {
				return fmt.Errorf("update pool %d: %w", i, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: pool %d of market %d", domain.ErrConflict, i, bet.MarketID)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bets (id, market_id, option_id, user_id, amount, shares, economy, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, bet.ID, bet.MarketID, bet.OptionID, bet.UserID, bet.Amount, bet.Shares.String(),
			bet.Economy, formatTime(bet.CreatedAt)); err != nil {
			return fmt.Errorf("insert bet: %w", err)
		}

		memo := fmt.Sprintf("bet %s by %s", bet.ID, bet.UserID)
		if _, err := creditTx(ctx, tx, domain.EscrowAccount(bet.Economy, bet.MarketID), bet.Amount, memo, bet.CreatedAt); err != nil {
			return fmt.Errorf("escrow: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage.RecordBet: %w", err)
	}
	return nil
}

// Bets devuelve las apuestas del mercado en orden de commit.
func (s *SQLiteStorage) Bets(ctx context.Context, marketID int64) ([]domain.Bet, error) {
	bets, err := queryBets(ctx, s.db, `WHERE market_id = ?`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.Bets: %w", err)
	}
	return bets, nil
}

// UserBets devuelve las apuestas de un usuario en el mercado.
func (s *SQLiteStorage) UserBets(ctx context.Context, marketID int64, userID string) ([]domain.Bet, error) {
	bets, err := queryBets(ctx, s.db, `WHERE market_id = ? AND user_id = ?`, marketID, userID)
	if err != nil {
		return nil, fmt.Errorf("storage.UserBets: %w", err)
	}
	return bets, nil
}

// LockMarket hace Open → Locked con un UPDATE condicional: idempotente.
func (s *SQLiteStorage) LockMarket(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE markets SET status = ?, locked_at = ? WHERE id = ? AND status = ?`,
		string(domain.StatusLocked), formatTime(at), id, string(domain.StatusOpen),
	)
	if err != nil {
		return false, fmt.Errorf("storage.LockMarket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.LockMarket: rows affected: %w", err)
	}
	return n == 1, nil
}

// SettleMarket aplica la transición terminal, inserta los pagos y vacía el
// escrow del mercado en cada economía. Todo o nada.
func (s *SQLiteStorage) SettleMarket(ctx context.Context, req ports.SettleRequest) (bool, error) {
	if !req.To.IsTerminal() {
		return false, fmt.Errorf("storage.SettleMarket: %w: target %s is not terminal", domain.ErrMarketState, req.To)
	}

	applied := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ph, args := statusArgs(req.From)
		var winning any
		if req.WinningOptionID > 0 {
			winning = req.WinningOptionID
		}
		args = append([]any{string(req.To), winning, req.ResolverID, formatTime(req.At), req.MarketID}, args...)
		res, err := tx.ExecContext(ctx, `
			UPDATE markets SET status = ?, winning_option_id = ?, resolver_id = ?, settled_at = ?
			WHERE id = ? AND status IN (`+ph+`)
		`, args...)
		if err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // otro caller ya liquidó o el estado no lo permite
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO payouts (bet_id, market_id, user_id, economy, kind, amount, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(bet_id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare payouts: %w", err)
		}
		defer stmt.Close()

		for _, p := range req.Payouts {
			if _, err := stmt.ExecContext(ctx, p.BetID, req.MarketID, p.UserID, p.Economy,
				string(p.Kind), p.Amount, string(domain.PayoutPending), formatTime(req.At)); err != nil {
				return fmt.Errorf("insert payout for bet %s: %w", p.BetID, err)
			}
		}

		if err := releaseEscrow(ctx, tx, req); err != nil {
			return fmt.Errorf("release escrow: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage.SettleMarket: market %d: %w", req.MarketID, err)
	}
	return applied, nil
}

// releaseEscrow debita el saldo completo del escrow en cada economía. Los pagos
// pueden cruzar economías (pari-mutuel sobre el pool total), así que el escrow
// se libera entero y el dust sale de circulación.
func releaseEscrow(ctx context.Context, tx *sql.Tx, req ports.SettleRequest) error {
	holder := domain.EscrowAccount("", req.MarketID).Holder
	rows, err := tx.QueryContext(ctx,
		`SELECT economy, balance FROM accounts WHERE holder = ? AND balance > 0 ORDER BY economy`, holder)
	if err != nil {
		return fmt.Errorf("query escrow: %w", err)
	}
	type held struct {
		economy string
		balance int64
	}
	var escrows []held
	for rows.Next() {
		var h held
		if err := rows.Scan(&h.economy, &h.balance); err != nil {
			rows.Close()
			return fmt.Errorf("scan escrow: %w", err)
		}
		escrows = append(escrows, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	memo := fmt.Sprintf("settle market %d (%s)", req.MarketID, strings.ToLower(string(req.To)))
	for _, h := range escrows {
		if _, err := debitTx(ctx, tx, domain.EscrowAccount(h.economy, req.MarketID), h.balance, memo, req.At); err != nil {
			return err
		}
	}
	return nil
}

// PendingPayouts devuelve pagos aún no acreditados; marketID 0 = todos los mercados.
func (s *SQLiteStorage) PendingPayouts(ctx context.Context, marketID int64, limit int) ([]domain.Payout, error) {
	if limit <= 0 {
		limit = 500
	}
	where := `WHERE status = ?`
	args := []any{string(domain.PayoutPending)}
	if marketID > 0 {
		where += ` AND market_id = ?`
		args = append(args, marketID)
	}
	args = append(args, limit)
	payouts, err := queryPayouts(ctx, s.db, where+` ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.PendingPayouts: %w", err)
	}
	return payouts, nil
}

// Payouts devuelve todos los pagos del mercado.
func (s *SQLiteStorage) Payouts(ctx context.Context, marketID int64) ([]domain.Payout, error) {
	payouts, err := queryPayouts(ctx, s.db, `WHERE market_id = ? ORDER BY id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.Payouts: %w", err)
	}
	return payouts, nil
}

// CreditingPayouts devuelve los pagos que quedaron en CREDITING: el crédito
// remoto pudo haberse aplicado y esperan reconciliación.
func (s *SQLiteStorage) CreditingPayouts(ctx context.Context, limit int) ([]domain.Payout, error) {
	if limit <= 0 {
		limit = 500
	}
	payouts, err := queryPayouts(ctx, s.db, `WHERE status = ? ORDER BY id LIMIT ?`,
		string(domain.PayoutCrediting), limit)
	if err != nil {
		return nil, fmt.Errorf("storage.CreditingPayouts: %w", err)
	}
	return payouts, nil
}

// PayPayout marca el pago PENDING como PAID y acredita su monto en acct en la
// misma transacción. Devuelve false, sin mover puntos, si el pago ya no
// estaba PENDING.
func (s *SQLiteStorage) PayPayout(ctx context.Context, id int64, acct domain.Account, memo string, at time.Time) (bool, error) {
	paid := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payouts SET status = ?, paid_at = ?, attempts = attempts + 1, last_error = ''
			WHERE id = ? AND status = ?
		`, string(domain.PayoutPaid), formatTime(at), id, string(domain.PayoutPending))
		if err != nil {
			return fmt.Errorf("mark paid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		paid = true

		var amount int64
		if err := tx.QueryRowContext(ctx, `SELECT amount FROM payouts WHERE id = ?`, id).Scan(&amount); err != nil {
			return fmt.Errorf("read amount: %w", err)
		}
		// un pago truncado a 0 no mueve puntos
		if amount == 0 {
			return nil
		}
		_, err = creditTx(ctx, tx, acct, amount, memo, at)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage.PayPayout: %d: %w", id, err)
	}
	return paid, nil
}

// ClaimPayout pasa PENDING → CREDITING antes de llamar a una economía
// remota. Devuelve false si otro proceso ya lo tomó.
func (s *SQLiteStorage) ClaimPayout(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payouts SET status = ? WHERE id = ? AND status = ?`,
		string(domain.PayoutCrediting), id, string(domain.PayoutPending),
	)
	if err != nil {
		return false, fmt.Errorf("storage.ClaimPayout: %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.ClaimPayout: %d: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// MarkPayoutPaid cierra un pago CREDITING. Falla con domain.ErrConflict si el
// pago está en otro estado.
func (s *SQLiteStorage) MarkPayoutPaid(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payouts SET status = ?, paid_at = ?, attempts = attempts + 1, last_error = ''
		WHERE id = ? AND status = ?
	`, string(domain.PayoutPaid), formatTime(at), id, string(domain.PayoutCrediting))
	if err != nil {
		return fmt.Errorf("storage.MarkPayoutPaid: %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.MarkPayoutPaid: %w: payout %d is not crediting", domain.ErrConflict, id)
	}
	return nil
}

// MarkPayoutFailed registra un intento fallido. Con retry el pago vuelve a
// PENDING; sin retry queda en CREDITING hasta que se reconcilie.
func (s *SQLiteStorage) MarkPayoutFailed(ctx context.Context, id int64, reason string, retry bool) error {
	status := domain.PayoutCrediting
	if retry {
		status = domain.PayoutPending
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE payouts SET status = ?, attempts = attempts + 1, last_error = ?
		WHERE id = ? AND status <> ?
	`, string(status), reason, id, string(domain.PayoutPaid)); err != nil {
		return fmt.Errorf("storage.MarkPayoutFailed: %d: %w", id, err)
	}
	return nil
}

// --- helpers internos ---

func getMarket(ctx context.Context, q querier, id int64) (domain.Market, error) {
	m, err := scanMarket(q.QueryRowContext(ctx, "SELECT "+marketColumns+" FROM markets WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("%w: %d", domain.ErrMarketNotFound, id)
	}
	if err != nil {
		return domain.Market{}, err
	}
	if m.Options, err = loadOptions(ctx, q, id); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

func scanMarket(row rowScanner) (domain.Market, error) {
	var (
		m                  domain.Market
		created, end, st   string
		winning            sql.NullInt64
		settled            sql.NullString
		liquidity, kString string
	)
	if err := row.Scan(&m.ID, &m.Question, &m.Category, &m.CreatorID, &created, &end, &st,
		&m.ResolverID, &winning, &settled, &liquidity, &kString); err != nil {
		return domain.Market{}, err
	}

	var err error
	if m.CreatedAt, err = parseTime(created); err != nil {
		return domain.Market{}, fmt.Errorf("parse created_at: %w", err)
	}
	if m.EndTime, err = parseTime(end); err != nil {
		return domain.Market{}, fmt.Errorf("parse end_time: %w", err)
	}
	if m.SettledAt, err = parseNullTime(settled); err != nil {
		return domain.Market{}, fmt.Errorf("parse settled_at: %w", err)
	}
	if m.InitialLiquidity, err = parseDecimal(liquidity); err != nil {
		return domain.Market{}, fmt.Errorf("parse initial_liquidity: %w", err)
	}
	if m.K, err = parseDecimal(kString); err != nil {
		return domain.Market{}, fmt.Errorf("parse k_constant: %w", err)
	}
	m.Status = domain.MarketStatus(st)
	if winning.Valid {
		m.WinningOptionID = winning.Int64
	}
	return m, nil
}

func loadOptions(ctx context.Context, q querier, marketID int64) ([]domain.Option, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, text, position, pool FROM options WHERE market_id = ? ORDER BY position`, marketID)
	if err != nil {
		return nil, fmt.Errorf("query options: %w", err)
	}
	defer rows.Close()

	var opts []domain.Option
	for rows.Next() {
		o := domain.Option{MarketID: marketID}
		var pool string
		if err := rows.Scan(&o.ID, &o.Text, &o.Position, &pool); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		if o.Pool, err = parseDecimal(pool); err != nil {
			return nil, fmt.Errorf("parse pool of option %d: %w", o.ID, err)
		}
		opts = append(opts, o)
	}
	return opts, rows.Err()
}

func queryBets(ctx context.Context, q querier, where string, args ...any) ([]domain.Bet, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, market_id, option_id, user_id, amount, shares, economy, created_at
		FROM bets `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("query bets: %w", err)
	}
	defer rows.Close()

	var bets []domain.Bet
	for rows.Next() {
		var b domain.Bet
		var shares, created string
		if err := rows.Scan(&b.ID, &b.MarketID, &b.OptionID, &b.UserID, &b.Amount, &shares,
			&b.Economy, &created); err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		if b.Shares, err = decimal.NewFromString(shares); err != nil {
			return nil, fmt.Errorf("parse shares of bet %s: %w", b.ID, err)
		}
		if b.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at of bet %s: %w", b.ID, err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func queryPayouts(ctx context.Context, q querier, tail string, args ...any) ([]domain.Payout, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, bet_id, market_id, user_id, economy, kind, amount, status, attempts,
		       last_error, created_at, paid_at
		FROM payouts `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		var p domain.Payout
		var kind, status, created string
		var paid sql.NullString
		if err := rows.Scan(&p.ID, &p.BetID, &p.MarketID, &p.UserID, &p.Economy, &kind, &p.Amount,
			&status, &p.Attempts, &p.LastError, &created, &paid); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		p.Kind = domain.PayoutKind(kind)
		p.Status = domain.PayoutStatus(status)
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at of payout %d: %w", p.ID, err)
		}
		if p.PaidAt, err = parseNullTime(paid); err != nil {
			return nil, fmt.Errorf("parse paid_at of payout %d: %w", p.ID, err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}
