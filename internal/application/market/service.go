// Package market orquesta el ciclo de vida de los mercados: creación,
// apuestas contra el AMM, resolución, reembolsos y consultas.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/alejandrodnm/predictbot/internal/ports"
	"github.com/shopspring/decimal"
)

// SystemResolver es el resolver registrado en transiciones automáticas.
const SystemResolver = "system"

// Config contiene los parámetros del servicio.
type Config struct {
	InitialLiquidity decimal.Decimal
	MinBet           int64
	MaxBet           int64 // 0 = sin tope
	QuotePoints      int64 // apuesta de referencia para Prices
	RefundGrace      time.Duration
	Admins           []string
	DefaultEconomy   string
	LockTTL          time.Duration // TTL del lock distribuido
	NotifyWorkers    int
}

// DefaultConfig devuelve una configuración sensata para producción.
func DefaultConfig() Config {
	return Config{
		InitialLiquidity: decimal.NewFromInt(10000),
		MinBet:           1,
		QuotePoints:      100,
		RefundGrace:      48 * time.Hour,
		DefaultEconomy:   "local",
		LockTTL:          30 * time.Second,
		NotifyWorkers:    4,
	}
}

// Service es el punto de entrada de todas las operaciones sobre mercados.
type Service struct {
	cfg       Config
	store     ports.MarketStore
	economies ports.EconomyResolver
	notifier  ports.Notifier
	publisher ports.EventPublisher
	locker    ports.Locker
	locks     *keyedMutex
	subs      *subscriptions
	admins    map[string]bool
	now       func() time.Time
}

// New crea el servicio con todas las dependencias inyectadas. notifier y
// publisher pueden ser nil.
func New(
	cfg Config,
	store ports.MarketStore,
	economies ports.EconomyResolver,
	notifier ports.Notifier,
	publisher ports.EventPublisher,
) *Service {
	if !cfg.InitialLiquidity.IsPositive() {
		cfg.InitialLiquidity = DefaultConfig().InitialLiquidity
	}
	if cfg.MinBet <= 0 {
		cfg.MinBet = 1
	}
	if cfg.QuotePoints <= 0 {
		cfg.QuotePoints = DefaultConfig().QuotePoints
	}
	if cfg.RefundGrace <= 0 {
		cfg.RefundGrace = DefaultConfig().RefundGrace
	}
	if cfg.DefaultEconomy == "" {
		cfg.DefaultEconomy = DefaultConfig().DefaultEconomy
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}

	admins := make(map[string]bool, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[strings.TrimSpace(a)] = true
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		economies: economies,
		notifier:  notifier,
		publisher: publisher,
		locks:     newKeyedMutex(),
		subs:      newSubscriptions(),
		admins:    admins,
		now:       time.Now,
	}
}

// SetLocker agrega un lock distribuido por mercado, además del mutex en proceso.
func (s *Service) SetLocker(l ports.Locker) {
	s.locker = l
}

// SetClock reemplaza el reloj (tests).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Config devuelve la configuración efectiva.
func (s *Service) Config() Config {
	return s.cfg
}

// CreateMarketRequest describe un mercado nuevo.
type CreateMarketRequest struct {
	Question  string
	Options   []string
	Duration  time.Duration // las apuestas cierran en now + Duration
	Category  string
	CreatorID string
}

// CreateMarket valida y persiste un mercado sembrado con la liquidez inicial.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (domain.Market, error) {
	if strings.TrimSpace(req.CreatorID) == "" {
		return domain.Market{}, fmt.Errorf("market.CreateMarket: %w: missing creator", domain.ErrInvalidMarket)
	}
	if req.Duration <= 0 {
		return domain.Market{}, fmt.Errorf("market.CreateMarket: %w: duration must be positive", domain.ErrInvalidMarket)
	}

	now := s.now().UTC()
	m, err := domain.NewMarket(req.Question, req.Options, req.CreatorID, req.Category, now, now.Add(req.Duration), s.cfg.InitialLiquidity)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market.CreateMarket: %w", err)
	}
	m, err = s.store.CreateMarket(ctx, m)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market.CreateMarket: %w", err)
	}

	slog.Info("market created",
		"market_id", m.ID,
		"creator", m.CreatorID,
		"options", len(m.Options),
		"end_time", m.EndTime,
	)
	s.emit(ctx, domain.NewMarketEvent(domain.EventCreated, m, now))
	return m, nil
}

// Market devuelve el mercado tal como está persistido. El estado efectivo es m.StatusAt(now).
func (s *Service) Market(ctx context.Context, id int64) (domain.Market, error) {
	m, err := s.store.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market.Market: %w", err)
	}
	return m, nil
}

// UserBets devuelve las apuestas del usuario en el mercado.
func (s *Service) UserBets(ctx context.Context, marketID int64, userID string) ([]domain.Bet, error) {
	bets, err := s.store.UserBets(ctx, marketID, userID)
	if err != nil {
		return nil, fmt.Errorf("market.UserBets: %w", err)
	}
	return bets, nil
}

// ListActive devuelve los mercados que aceptan apuestas, por end time ascendente.
func (s *Service) ListActive(ctx context.Context, offset, limit int) ([]domain.Market, error) {
	markets, err := s.store.ListMarkets(ctx, ports.MarketFilter{
		Statuses: []domain.MarketStatus{domain.StatusOpen},
		EndAfter: s.now(),
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("market.ListActive: %w", err)
	}
	return markets, nil
}

// ListPendingResolution devuelve los mercados cerrados sin resolver, incluidos
// los Open cuyo end time ya pasó.
func (s *Service) ListPendingResolution(ctx context.Context) ([]domain.Market, error) {
	markets, err := s.store.ListMarkets(ctx, ports.MarketFilter{
		Statuses:  []domain.MarketStatus{domain.StatusOpen, domain.StatusLocked},
		EndBefore: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("market.ListPendingResolution: %w", err)
	}
	return markets, nil
}

// ListResolvable filtra los pendientes de resolución que resolverID puede resolver.
func (s *Service) ListResolvable(ctx context.Context, resolverID string) ([]domain.Market, error) {
	pending, err := s.ListPendingResolution(ctx)
	if err != nil {
		return nil, fmt.Errorf("market.ListResolvable: %w", err)
	}
	out := make([]domain.Market, 0, len(pending))
	for _, m := range pending {
		if s.canResolve(m, resolverID) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Prices devuelve la cotización de cada opción: precio marginal, shares para
// la apuesta de referencia, probabilidad y volumen apostado.
func (s *Service) Prices(ctx context.Context, marketID int64) ([]domain.OptionPrice, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("market.Prices: %w", err)
	}
	bets, err := s.store.Bets(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("market.Prices: %w", err)
	}

	pool := m.Pool()
	probs := pool.Probabilities()
	volume := domain.VolumeByOption(bets)

	prices := make([]domain.OptionPrice, len(m.Options))
	for i, o := range m.Options {
		price, err := pool.MarginalPrice(i)
		if err != nil {
			return nil, fmt.Errorf("market.Prices: option %q: %w", o.Text, err)
		}
		shares, _, err := pool.Quote(i, s.cfg.QuotePoints)
		if err != nil {
			slog.Debug("quote unavailable", "market_id", m.ID, "option", o.Text, "err", err)
			shares = decimal.Zero
		}
		prices[i] = domain.OptionPrice{
			Option:      o,
			Price:       price,
			QuoteShares: shares,
			QuotePoints: s.cfg.QuotePoints,
			Probability: probs[i],
			Volume:      volume[o.ID],
		}
	}
	return prices, nil
}

// IsAdmin indica si el usuario está en la lista de administradores.
func (s *Service) IsAdmin(userID string) bool {
	return s.admins[userID]
}

// canResolve: el creador o un admin.
func (s *Service) canResolve(m domain.Market, userID string) bool {
	return userID != "" && (userID == m.CreatorID || s.admins[userID])
}
