package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

const (
	lockAttempts  = 20
	lockRetryWait = 50 * time.Millisecond
)

// keyedMutex serializa las transiciones de un mismo mercado dentro del proceso.
// Las entradas se liberan cuando nadie las usa.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*refMutex)}
}

// Lock bloquea el mercado id y devuelve la función que lo libera.
func (k *keyedMutex) Lock(id int64) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// lockMarket toma el mutex local y, si hay Locker configurado, el lock
// distribuido. Reintenta mientras otro proceso tenga el lock.
func (s *Service) lockMarket(ctx context.Context, id int64) (func(), error) {
	release := s.locks.Lock(id)
	if s.locker == nil {
		return release, nil
	}

	key := fmt.Sprintf("market:%d", id)
	for attempt := 1; ; attempt++ {
		unlock, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
		if err == nil {
			return func() {
				unlock()
				release()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || attempt == lockAttempts {
			release()
			return nil, fmt.Errorf("lock market %d: %w", id, err)
		}
		select {
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("lock market %d: %w", id, ctx.Err())
		case <-time.After(lockRetryWait):
		}
	}
}
