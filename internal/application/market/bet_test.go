package market_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/predictbot/internal/adapters/economy"
	"github.com/alejandrodnm/predictbot/internal/application/market"
	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

func TestPlaceBet_BinaryScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)

	r := f.bet(t, m, "alice", "yes", 1000)

	assert.True(t, r.PoolsAfter[1].Equal(decimal.NewFromInt(11000)))
	assert.InDelta(t, 9090.909090909, f64(r.PoolsAfter[0]), 1e-6)
	assert.InDelta(t, 909.090909091, f64(r.Shares), 1e-6)
	assert.Equal(t, int64(1000), r.Cost)
	assert.Equal(t, "Yes", r.Option.Text)
	assert.Greater(t, f64(r.Probabilities[0]), 0.5)

	assert.Equal(t, int64(4000), f.balance(t, f.local, "alice"))
	escrow, err := f.db.GetBalance(ctx, domain.EscrowAccount("local", m.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), escrow)

	stored, err := f.svc.Market(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.Options[1].Pool.Equal(decimal.NewFromInt(11000)))

	bets, err := f.svc.UserBets(ctx, m.ID, "alice")
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.True(t, bets[0].Shares.Equal(r.Shares))
}

func TestPlaceBet_ByOptionID(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, "Red", "Green", "Blue")

	r := f.bet(t, m, "alice", decimal.NewFromInt(m.Options[2].ID).String(), 100)
	assert.Equal(t, "Blue", r.Option.Text)
}

func TestPlaceBet_AfterEndTime(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	f.clock.Advance(24*time.Hour + time.Second)

	_, err := f.svc.PlaceBet(context.Background(), market.PlaceBetRequest{
		MarketID: m.ID, Option: "Yes", Amount: 100, UserID: "alice",
	})
	assert.ErrorIs(t, err, domain.ErrMarketState)
	assert.Equal(t, int64(5000), f.balance(t, f.local, "alice"))
}

func TestPlaceBet_Rejections(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)

	tests := []struct {
		name string
		req  market.PlaceBetRequest
		want error
	}{
		{"zero amount", market.PlaceBetRequest{MarketID: m.ID, Option: "Yes", Amount: 0, UserID: "alice"}, domain.ErrInvalidAmount},
		{"negative amount", market.PlaceBetRequest{MarketID: m.ID, Option: "Yes", Amount: -10, UserID: "alice"}, domain.ErrInvalidBet},
		{"unknown option", market.PlaceBetRequest{MarketID: m.ID, Option: "Maybe", Amount: 10, UserID: "alice"}, domain.ErrInvalidOption},
		{"unknown market", market.PlaceBetRequest{MarketID: 999, Option: "Yes", Amount: 10, UserID: "alice"}, domain.ErrMarketNotFound},
		{"unknown economy", market.PlaceBetRequest{MarketID: m.ID, Option: "Yes", Amount: 10, UserID: "alice", Economy: "gold"}, domain.ErrUnknownEconomy},
		{"missing user", market.PlaceBetRequest{MarketID: m.ID, Option: "Yes", Amount: 10}, domain.ErrInvalidBet},
		{"insufficient funds", market.PlaceBetRequest{MarketID: m.ID, Option: "Yes", Amount: 5001, UserID: "alice"}, domain.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceBet(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, int64(5000), f.balance(t, f.local, "alice"))
	got, err := f.svc.Market(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, got.Options[0].Pool.Equal(decimal.NewFromInt(10000)))
}

func TestPlaceBet_RecordFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	f.store.recordErr = []error{errors.New("disk full")}

	_, err := f.svc.PlaceBet(context.Background(), market.PlaceBetRequest{
		MarketID: m.ID, Option: "Yes", Amount: 700, UserID: "alice",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int64(5000), f.balance(t, f.local, "alice"))

	txs, err := f.db.Transactions(context.Background(), f.local.Account("alice"), 10)
	require.NoError(t, err)
	require.Len(t, txs, 1) // solo el grant
	assert.Equal(t, domain.TxCredit, txs[0].Kind)
}

func TestPlaceBet_DebitCommitsWithBet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)
	escrowAcct := domain.EscrowAccount("local", m.ID)

	var alice, escrow int64
	var bets int
	f.store.onRecord = func() {
		var err error
		alice, err = f.db.GetBalance(ctx, f.local.Account("alice"))
		require.NoError(t, err)
		escrow, err = f.db.GetBalance(ctx, escrowAcct)
		require.NoError(t, err)
		all, err := f.db.Bets(ctx, m.ID)
		require.NoError(t, err)
		bets = len(all)
	}

	f.bet(t, m, "alice", "Yes", 1000)

	// nada visible antes de RecordBet: el débito entra en su transacción
	assert.Equal(t, int64(5000), alice)
	assert.Zero(t, escrow)
	assert.Zero(t, bets)

	assert.Equal(t, int64(4000), f.balance(t, f.local, "alice"))
	got, err := f.db.GetBalance(ctx, escrowAcct)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got)
}

func TestPlaceBet_RemoteEconomyCompensatesWhenRecordFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, f.flaky, "alice", 1000)
	m := f.createMarket(t)
	f.store.recordErr = []error{errors.New("disk full")}

	_, err := f.svc.PlaceBet(ctx, market.PlaceBetRequest{
		MarketID: m.ID, Option: "Yes", Amount: 700, UserID: "alice", Economy: "flaky",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int64(1000), f.balance(t, f.flaky, "alice"))

	txs, err := f.db.Transactions(ctx, domain.Account{Economy: "flaky", Holder: "alice"}, 10)
	require.NoError(t, err)
	require.Len(t, txs, 3) // grant, débito, reversa
}

func TestPlaceBet_RetriesOnConflict(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	f.store.recordErr = []error{domain.ErrConflict}

	r := f.bet(t, m, "alice", "No", 500)
	assert.True(t, r.Shares.IsPositive())
	assert.Equal(t, int64(4500), f.balance(t, f.local, "alice"))
}

func TestPlaceBet_GivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	f.store.recordErr = []error{domain.ErrConflict, domain.ErrConflict, domain.ErrConflict}

	_, err := f.svc.PlaceBet(context.Background(), market.PlaceBetRequest{
		MarketID: m.ID, Option: "No", Amount: 500, UserID: "alice",
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, int64(5000), f.balance(t, f.local, "alice"))
}

func TestPlaceBet_ConcurrentMatchesSequential(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)

	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := f.svc.PlaceBet(context.Background(), market.PlaceBetRequest{
				MarketID: m.ID, Option: "Yes", Amount: 500, UserID: user,
			})
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	pool := domain.NewPool(2, decimal.NewFromInt(10000))
	for i := 0; i < 2; i++ {
		trade, err := pool.SharesForPoints(0, 500)
		require.NoError(t, err)
		pool = pool.Apply(trade)
	}

	got, err := f.svc.Market(context.Background(), m.ID)
	require.NoError(t, err)
	for i := range pool.Reserves {
		assert.True(t, pool.Reserves[i].Equal(got.Options[i].Pool),
			"pool %d: sequential %s, concurrent %s", i, pool.Reserves[i], got.Options[i].Pool)
	}
}

func TestPlaceBet_MinMax(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)

	cfg := market.DefaultConfig()
	cfg.MinBet = 10
	cfg.MaxBet = 100
	svc := market.New(cfg, f.store, economy.NewRegistry(f.local), nil, nil)
	svc.SetClock(f.clock.Now)

	for _, amount := range []int64{9, 101} {
		_, err := svc.PlaceBet(context.Background(), market.PlaceBetRequest{
			MarketID: m.ID, Option: "Yes", Amount: amount, UserID: "alice",
		})
		assert.ErrorIs(t, err, domain.ErrInvalidBet, "amount %d", amount)
	}
	_, err := svc.PlaceBet(context.Background(), market.PlaceBetRequest{
		MarketID: m.ID, Option: "Yes", Amount: 100, UserID: "alice",
	})
	assert.NoError(t, err)
}
