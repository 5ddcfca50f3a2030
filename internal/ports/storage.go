package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

// MarketFilter restringe ListMarkets. Los campos vacíos no filtran.
type MarketFilter struct {
	Statuses  []domain.MarketStatus
	EndBefore time.Time // end_time <= EndBefore
	EndAfter  time.Time // end_time > EndAfter
	CreatorID string
	Offset    int
	Limit     int
}

// SettleRequest describe una transición a estado terminal con sus pagos.
type SettleRequest struct {
	MarketID        int64
	From            []domain.MarketStatus // estados desde los que se permite la transición
	To              domain.MarketStatus   // Resolved o Refunded
	WinningOptionID int64
	ResolverID      string
	At              time.Time
	Payouts         []domain.Payout
}

// MarketStore persiste mercados, apuestas y pagos.
type MarketStore interface {
	// CreateMarket inserta el mercado y sus opciones y devuelve los IDs asignados.
	CreateMarket(ctx context.Context, m domain.Market) (domain.Market, error)

	// GetMarket devuelve domain.ErrMarketNotFound si no existe.
	GetMarket(ctx context.Context, id int64) (domain.Market, error)

	// ListMarkets ordena por end_time ascendente.
	ListMarkets(ctx context.Context, f MarketFilter) ([]domain.Market, error)

	// RecordBet inserta la apuesta, pasa los pools de trade.Before a trade.After
	// y acredita el escrow del mercado en una sola transacción. Si funding no es
	// nil, el débito de bet.Amount a esa cuenta entra en la misma transacción.
	// Falla con domain.ErrMarketState si el mercado dejó de estar Open, con
	// domain.ErrInsufficientFunds si funding no alcanza y con
	// domain.ErrConflict si los pools ya no son trade.Before.
	RecordBet(ctx context.Context, bet domain.Bet, trade domain.Trade, funding *domain.Account) error

	Bets(ctx context.Context, marketID int64) ([]domain.Bet, error)
	UserBets(ctx context.Context, marketID int64, userID string) ([]domain.Bet, error)

	// LockMarket pasa Open → Locked si el mercado sigue Open. Devuelve false si
	// otra llamada ya hizo la transición.
	LockMarket(ctx context.Context, id int64, at time.Time) (bool, error)

	// SettleMarket aplica la transición terminal, inserta los pagos y debita el
	// escrow atómicamente. Devuelve false (sin cambios) si el estado actual no
	// está en req.From.
	SettleMarket(ctx context.Context, req SettleRequest) (bool, error)

	// PendingPayouts devuelve pagos no acreditados; marketID 0 = todos.
	PendingPayouts(ctx context.Context, marketID int64, limit int) ([]domain.Payout, error)
	CreditingPayouts(ctx context.Context, limit int) ([]domain.Payout, error)
	Payouts(ctx context.Context, marketID int64) ([]domain.Payout, error)

	// PayPayout pasa PENDING → PAID y acredita acct en una transacción.
	PayPayout(ctx context.Context, id int64, acct domain.Account, memo string, at time.Time) (bool, error)
	// ClaimPayout pasa PENDING → CREDITING; MarkPayoutPaid cierra CREDITING → PAID.
	ClaimPayout(ctx context.Context, id int64) (bool, error)
	MarkPayoutPaid(ctx context.Context, id int64, at time.Time) error
	MarkPayoutFailed(ctx context.Context, id int64, reason string, retry bool) error

	Close() error
}
