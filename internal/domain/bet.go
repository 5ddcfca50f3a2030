package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bet es una posición inmutable comprada contra el AMM.
type Bet struct {
	ID        string
	MarketID  int64
	OptionID  int64
	UserID    string
	Amount    int64           // puntos apostados
	Shares    decimal.Decimal // shares recibidas del AMM
	Economy   string          // economía que financió la apuesta
	CreatedAt time.Time
}

// PayoutKind distingue un pago de resolución de un reembolso.
type PayoutKind string

const (
	PayoutWin    PayoutKind = "PAYOUT"
	PayoutRefund PayoutKind = "REFUND"
)

// PayoutStatus es el estado del crédito de un pago en su economía.
// PENDING → PAID en economías con ledger propio (una transacción).
// PENDING → CREDITING → PAID en economías remotas; un pago que queda en
// CREDITING no se reintenta solo, requiere reconciliación.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutCrediting PayoutStatus = "CREDITING"
	PayoutPaid      PayoutStatus = "PAID"
)

// Payout es el crédito que corresponde a una apuesta al liquidar el mercado.
// Hay a lo sumo uno por apuesta.
type Payout struct {
	ID        int64
	BetID     string
	MarketID  int64
	UserID    string
	Economy   string
	Kind      PayoutKind
	Amount    int64
	Status    PayoutStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	PaidAt    *time.Time
}

// Settlement resume una resolución o un reembolso.
type Settlement struct {
	Market         Market
	Payouts        []Payout
	TotalPool      int64 // Σ apuestas de todas las opciones
	Distributed    int64 // Σ payouts
	Dust           int64 // TotalPool - Distributed, no se redistribuye
	AlreadySettled bool  // true si la llamada fue un no-op idempotente
}
