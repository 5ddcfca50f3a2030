package storage

// sqlite.go — persistencia del mercado y del ledger en un único archivo SQLite.
//
// Estrategia:
//   - Una sola conexión: SQLite es single-writer, así cada apuesta, liquidación
//     y movimiento del ledger es una transacción serializada.
//   - Pools y k se guardan como TEXT (decimal exacto), nunca REAL.
//   - Fechas como TEXT UTC de ancho fijo para que las comparaciones en SQL
//     sean lexicográficas.
//   - transactions es append-only: nada en este paquete la modifica ni la purga.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    question          TEXT    NOT NULL,
    category          TEXT    NOT NULL DEFAULT '',
    creator_id        TEXT    NOT NULL,
    created_at        TEXT    NOT NULL,
    end_time          TEXT    NOT NULL,
    status            TEXT    NOT NULL DEFAULT 'OPEN',
    resolver_id       TEXT    NOT NULL DEFAULT '',
    winning_option_id INTEGER,
    locked_at         TEXT,
    settled_at        TEXT,
    initial_liquidity TEXT    NOT NULL,
    k_constant        TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS options (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id INTEGER NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
    text      TEXT    NOT NULL COLLATE NOCASE,
    position  INTEGER NOT NULL,
    pool      TEXT    NOT NULL,
    UNIQUE (market_id, text),
    UNIQUE (market_id, position)
);

CREATE TABLE IF NOT EXISTS bets (
    id         TEXT    PRIMARY KEY,
    market_id  INTEGER NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
    option_id  INTEGER NOT NULL REFERENCES options(id) ON DELETE CASCADE,
    user_id    TEXT    NOT NULL,
    amount     INTEGER NOT NULL CHECK (amount > 0),
    shares     TEXT    NOT NULL,
    economy    TEXT    NOT NULL,
    created_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS payouts (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    bet_id     TEXT    NOT NULL UNIQUE REFERENCES bets(id),
    market_id  INTEGER NOT NULL REFERENCES markets(id),
    user_id    TEXT    NOT NULL,
    economy    TEXT    NOT NULL,
    kind       TEXT    NOT NULL,
    amount     INTEGER NOT NULL CHECK (amount >= 0),
    status     TEXT    NOT NULL DEFAULT 'PENDING',
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT    NOT NULL DEFAULT '',
    created_at TEXT    NOT NULL,
    paid_at    TEXT
);

CREATE TABLE IF NOT EXISTS accounts (
    economy    TEXT    NOT NULL,
    holder     TEXT    NOT NULL,
    balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at TEXT    NOT NULL,
    PRIMARY KEY (economy, holder)
);

CREATE TABLE IF NOT EXISTS transactions (
    id         TEXT    PRIMARY KEY,
    economy    TEXT    NOT NULL,
    holder     TEXT    NOT NULL,
    kind       TEXT    NOT NULL,
    amount     INTEGER NOT NULL CHECK (amount > 0),
    balance    INTEGER NOT NULL,
    memo       TEXT    NOT NULL DEFAULT '',
    created_at TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_status_end ON markets(status, end_time);
CREATE INDEX IF NOT EXISTS idx_bets_market        ON bets(market_id, user_id);
CREATE INDEX IF NOT EXISTS idx_payouts_pending    ON payouts(status, market_id);
CREATE INDEX IF NOT EXISTS idx_tx_account         ON transactions(economy, holder);
`

// timeLayout tiene ancho fijo: con UTC siempre termina en "Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStorage implementa ports.MarketStore y ports.Ledger usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// SetClock reemplaza el reloj usado para updated_at y created_at de las
// transacciones del ledger.
func (s *SQLiteStorage) SetClock(now func() time.Time) {
	s.now = now
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func statusArgs(statuses []domain.MarketStatus) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	return placeholders, args
}

// rowScanner abstrae *sql.Row y *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier abstrae *sql.DB y *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
