package market_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/predictbot/internal/adapters/economy"
	"github.com/alejandrodnm/predictbot/internal/adapters/storage"
	"github.com/alejandrodnm/predictbot/internal/application/market"
	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/alejandrodnm/predictbot/internal/ports"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	userID  string
	message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, userID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{userID: userID, message: message})
	return n.err
}

func (n *recordingNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.MarketEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.MarketEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) kinds() []domain.MarketEventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.MarketEventKind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

// flakyEconomy envuelve una economía del ledger sin exponer Account, así
// que el servicio la trata como remota. AddPoints falla según addErr.
type flakyEconomy struct {
	local *economy.Local

	mu          sync.Mutex
	addErr      error
	applyOnFail bool // aplica el crédito aunque devuelva addErr
	adds        int
}

func (f *flakyEconomy) setFailAdd(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErr = nil
	f.applyOnFail = false
	if v {
		f.addErr = errors.New("economy unavailable")
	}
}

// setLostResponse hace que AddPoints aplique el crédito y falle como si la
// respuesta se hubiera perdido.
func (f *flakyEconomy) setLostResponse() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErr = fmt.Errorf("%w: PATCH: server status 502", domain.ErrOutcomeUnknown)
	f.applyOnFail = true
}

func (f *flakyEconomy) addCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds
}

func (f *flakyEconomy) Name() string { return f.local.Name() }

func (f *flakyEconomy) GetBalance(ctx context.Context, userID string) (int64, error) {
	return f.local.GetBalance(ctx, userID)
}

func (f *flakyEconomy) AddPoints(ctx context.Context, userID string, amount int64, memo string) error {
	f.mu.Lock()
	f.adds++
	err, apply := f.addErr, f.applyOnFail
	f.mu.Unlock()
	if err != nil && !apply {
		return err
	}
	if addErr := f.local.AddPoints(ctx, userID, amount, memo); addErr != nil {
		return addErr
	}
	return err
}

func (f *flakyEconomy) RemovePoints(ctx context.Context, userID string, amount int64, memo string) error {
	return f.local.RemovePoints(ctx, userID, amount, memo)
}

// faultyStore intercepta RecordBet y el cierre de pagos.
type faultyStore struct {
	ports.MarketStore
	mu          sync.Mutex
	recordErr   []error // errores a devolver en orden antes de delegar
	onRecord    func()  // se llama al entrar a RecordBet
	payErr      []error // errores de PayPayout
	markPaidErr []error // errores de MarkPayoutPaid
}

func (s *faultyStore) RecordBet(ctx context.Context, bet domain.Bet, trade domain.Trade, funding *domain.Account) error {
	s.mu.Lock()
	hook := s.onRecord
	if len(s.recordErr) > 0 {
		err := s.recordErr[0]
		s.recordErr = s.recordErr[1:]
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.MarketStore.RecordBet(ctx, bet, trade, funding)
}

func (s *faultyStore) PayPayout(ctx context.Context, id int64, acct domain.Account, memo string, at time.Time) (bool, error) {
	if err := s.pop(&s.payErr); err != nil {
		return false, err
	}
	return s.MarketStore.PayPayout(ctx, id, acct, memo, at)
}

func (s *faultyStore) MarkPayoutPaid(ctx context.Context, id int64, at time.Time) error {
	if err := s.pop(&s.markPaidErr); err != nil {
		return err
	}
	return s.MarketStore.MarkPayoutPaid(ctx, id, at)
}

func (s *faultyStore) pop(errs *[]error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

type fixture struct {
	svc       *market.Service
	db        *storage.SQLiteStorage
	store     *faultyStore
	local     *economy.Local
	flaky     *flakyEconomy
	notifier  *recordingNotifier
	publisher *recordingPublisher
	clock     *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: start}
	db.SetClock(clock.Now)

	local := economy.NewLocal("local", db)
	flaky := &flakyEconomy{local: economy.NewLocal("flaky", db)}
	store := &faultyStore{MarketStore: db}
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}

	cfg := market.DefaultConfig()
	cfg.Admins = []string{"admin"}
	svc := market.New(cfg, store, economy.NewRegistry(local, flaky), notifier, publisher)
	svc.SetClock(clock.Now)

	f := &fixture{
		svc:       svc,
		db:        db,
		store:     store,
		local:     local,
		flaky:     flaky,
		notifier:  notifier,
		publisher: publisher,
		clock:     clock,
	}
	for _, u := range []string{"alice", "bob", "carol"} {
		f.fund(t, local, u, 5000)
	}
	return f
}

func (f *fixture) fund(t *testing.T, e ports.Economy, user string, amount int64) {
	t.Helper()
	require.NoError(t, e.AddPoints(context.Background(), user, amount, "grant"))
}

func (f *fixture) createMarket(t *testing.T, options ...string) domain.Market {
	t.Helper()
	if len(options) == 0 {
		options = []string{"Yes", "No"}
	}
	m, err := f.svc.CreateMarket(context.Background(), market.CreateMarketRequest{
		Question:  "Will the release ship on Friday?",
		Options:   options,
		Duration:  24 * time.Hour,
		CreatorID: "creator",
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) bet(t *testing.T, m domain.Market, user, option string, amount int64) market.BetReceipt {
	t.Helper()
	r, err := f.svc.PlaceBet(context.Background(), market.PlaceBetRequest{
		MarketID: m.ID, Option: option, Amount: amount, UserID: user,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) balance(t *testing.T, e ports.Economy, user string) int64 {
	t.Helper()
	bal, err := e.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return bal
}
