package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

type notification struct {
	userID  string
	message string
}

// dispatch entrega las notificaciones con un worker pool. Los errores se
// loguean y no afectan a la operación que las originó.
func (s *Service) dispatch(ctx context.Context, batch []notification) {
	if s.notifier == nil || len(batch) == 0 {
		return
	}
	workers := s.cfg.NotifyWorkers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(batch) {
		workers = len(batch)
	}

	workCh := make(chan notification, len(batch))
	var failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range workCh {
				if err := s.notifier.Notify(ctx, n.userID, n.message); err != nil {
					failed.Add(1)
					slog.Warn("notification failed", "user_id", n.userID, "err", err)
				}
			}
		}()
	}
	for _, n := range batch {
		workCh <- n
	}
	close(workCh)
	wg.Wait()

	slog.Debug("notifications dispatched",
		"total", len(batch),
		"failed", failed.Load(),
		"workers", workers,
	)
}

// settlementMessages arma un mensaje por apostador con el resultado agregado.
func (s *Service) settlementMessages(ctx context.Context, st domain.Settlement) []notification {
	m := st.Market
	bets, err := s.store.Bets(ctx, m.ID)
	if err != nil {
		slog.Warn("load bets for notifications failed", "market_id", m.ID, "err", err)
		return nil
	}

	credited := make(map[string]int64)
	for _, p := range st.Payouts {
		credited[p.UserID] += p.Amount
	}
	wagered := make(map[string]int64)
	for _, b := range bets {
		wagered[b.UserID] += b.Amount
	}
	users := make([]string, 0, len(wagered))
	for u := range wagered {
		users = append(users, u)
	}
	sort.Strings(users)

	winner, _ := m.WinningOption()
	out := make([]notification, 0, len(users))
	for _, u := range users {
		var msg string
		switch {
		case m.Status == domain.StatusRefunded:
			msg = fmt.Sprintf("Market #%d %q was refunded. %d points returned.", m.ID, m.Question, credited[u])
		case credited[u] > 0:
			msg = fmt.Sprintf("Market #%d %q resolved: %s. You won %d points (wagered %d).",
				m.ID, m.Question, winner.Text, credited[u], wagered[u])
		default:
			msg = fmt.Sprintf("Market #%d %q resolved: %s. Your %d points did not win.",
				m.ID, m.Question, winner.Text, wagered[u])
		}
		out = append(out, notification{userID: u, message: msg})
	}
	return out
}
