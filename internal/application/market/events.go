package market

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

// subscriptions guarda los callbacks registrados con OnMarketChanged y Subscribe.
type subscriptions struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	marketID int64 // 0 = todos los mercados
	fn       func(domain.MarketEvent)
}

func newSubscriptions() *subscriptions {
	return &subscriptions{subs: make(map[int]subscription)}
}

func (s *subscriptions) add(marketID int64, fn func(domain.MarketEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{marketID: marketID, fn: fn}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscriptions) matching(marketID int64) []func(domain.MarketEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []func(domain.MarketEvent)
	for _, sub := range s.subs {
		if sub.marketID == 0 || sub.marketID == marketID {
			out = append(out, sub.fn)
		}
	}
	return out
}

// OnMarketChanged registra fn para los cambios del mercado dado. Devuelve la
// función que cancela la suscripción.
func (s *Service) OnMarketChanged(marketID int64, fn func(domain.MarketEvent)) func() {
	return s.subs.add(marketID, fn)
}

// Subscribe registra fn para los cambios de todos los mercados.
func (s *Service) Subscribe(fn func(domain.MarketEvent)) func() {
	return s.subs.add(0, fn)
}

// emit entrega el evento a los suscriptores y al publisher externo. Se llama
// después del commit y sin el lock del mercado tomado.
func (s *Service) emit(ctx context.Context, ev domain.MarketEvent) {
	for _, fn := range s.subs.matching(ev.MarketID) {
		fn(ev)
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("publish market event failed",
			"market_id", ev.MarketID,
			"kind", ev.Kind,
			"err", err,
		)
	}
}
