package market_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alejandrodnm/predictbot/internal/application/market"
	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_PaysWinnersPariMutuel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)
	f.bet(t, m, "alice", "Yes", 300)
	f.bet(t, m, "bob", "No", 100)
	f.clock.Advance(25 * time.Hour)

	st, err := f.svc.Resolve(ctx, m.ID, "Yes", "creator")
	require.NoError(t, err)
	assert.False(t, st.AlreadySettled)
	assert.Equal(t, domain.StatusResolved, st.Market.Status)
	assert.Equal(t, int64(400), st.TotalPool)
	assert.Equal(t, int64(400), st.Distributed)
	assert.Zero(t, st.Dust)
	require.Len(t, st.Payouts, 1)
	assert.Equal(t, domain.PayoutPaid, st.Payouts[0].Status)

	assert.Equal(t, int64(5100), f.balance(t, f.local, "alice"))
	assert.Equal(t, int64(4900), f.balance(t, f.local, "bob"))
	escrow, err := f.db.GetBalance(ctx, domain.EscrowAccount("local", m.ID))
	require.NoError(t, err)
	assert.Zero(t, escrow)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 2)
	byUser := map[string]string{}
	for _, msg := range msgs {
		byUser[msg.userID] = msg.message
	}
	assert.Contains(t, byUser["alice"], "You won 400 points")
	assert.Contains(t, byUser["bob"], "did not win")

	assert.Contains(t, f.publisher.kinds(), domain.EventResolved)
}

func TestResolve_TwiceIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)
	f.bet(t, m, "alice", "Yes", 300)
	f.bet(t, m, "bob", "No", 100)
	f.clock.Advance(25 * time.Hour)

	_, err := f.svc.Resolve(ctx, m.ID, "Yes", "creator")
	require.NoError(t, err)
	sent := len(f.notifier.messages())

	st, err := f.svc.Resolve(ctx, m.ID, "No", "admin")
	require.NoError(t, err)
	assert.True(t, st.AlreadySettled)
	assert.Equal(t, m.Options[0].ID, st.Market.WinningOptionID)

	assert.Equal(t, int64(5100), f.balance(t, f.local, "alice"))
	assert.Equal(t, int64(4900), f.balance(t, f.local, "bob"))
	assert.Len(t, f.notifier.messages(), sent)
}

func TestResolve_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)

	_, err := f.svc.Resolve(ctx, m.ID, "Yes", "creator")
	assert.ErrorIs(t, err, domain.ErrMarketState, "still open")

	f.clock.Advance(25 * time.Hour)

	_, err = f.svc.Resolve(ctx, m.ID, "Yes", "mallory")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.Resolve(ctx, m.ID, "Perhaps", "creator")
	assert.ErrorIs(t, err, domain.ErrInvalidOption)

	_, err = f.svc.Resolve(ctx, 404, "Yes", "creator")
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)

	st, err := f.svc.Resolve(ctx, m.ID, "no", "admin")
	require.NoError(t, err)
	assert.Equal(t, "No", mustWinner(t, st.Market).Text)
}

func TestResolve_NoWinningBets(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	f.bet(t, m, "alice", "Yes", 200)
	f.clock.Advance(25 * time.Hour)

	st, err := f.svc.Resolve(context.Background(), m.ID, "No", "creator")
	require.NoError(t, err)
	assert.Empty(t, st.Payouts)
	assert.Equal(t, int64(200), st.Dust)
	assert.Equal(t, int64(4800), f.balance(t, f.local, "alice"))
}

func TestResolve_DustNeverOverpays(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	f.bet(t, m, "alice", "Yes", 1)
	f.bet(t, m, "bob", "Yes", 1)
	f.bet(t, m, "carol", "No", 1)
	f.clock.Advance(25 * time.Hour)

	st, err := f.svc.Resolve(context.Background(), m.ID, "Yes", "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalPool)
	assert.Equal(t, int64(2), st.Distributed)
	assert.Equal(t, int64(1), st.Dust)
	assert.Equal(t, int64(5000), f.balance(t, f.local, "alice"))
	assert.Equal(t, int64(5000), f.balance(t, f.local, "bob"))
}

func TestRefund_CancelOpenMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)
	f.bet(t, m, "alice", "Yes", 300)
	f.bet(t, m, "alice", "No", 200)

	_, err := f.svc.Refund(ctx, m.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	st, err := f.svc.Refund(ctx, m.ID, "creator")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, st.Market.Status)
	assert.Equal(t, int64(500), st.Distributed)
	assert.Equal(t, int64(5000), f.balance(t, f.local, "alice"))

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].message, "500 points returned")

	_, err = f.svc.PlaceBet(ctx, market.PlaceBetRequest{MarketID: m.ID, Option: "Yes", Amount: 10, UserID: "bob"})
	assert.ErrorIs(t, err, domain.ErrMarketState)

	again, err := f.svc.Refund(ctx, m.ID, "admin")
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	assert.Equal(t, int64(5000), f.balance(t, f.local, "alice"))

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.Resolve(ctx, m.ID, "Yes", "creator")
	assert.ErrorIs(t, err, domain.ErrMarketState)
}

func TestRefund_ResolvedMarketFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)
	f.clock.Advance(25 * time.Hour)
	_, err := f.svc.Resolve(ctx, m.ID, "Yes", "creator")
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, m.ID, "creator")
	assert.ErrorIs(t, err, domain.ErrMarketState)
}

func TestLockExpired_NotifiesCreatorOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)

	locked, err := f.svc.LockExpired(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, locked, "end time not reached")

	f.clock.Advance(24 * time.Hour)
	locked, err = f.svc.LockExpired(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = f.svc.LockExpired(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, locked)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "creator", msgs[0].userID)
	assert.Contains(t, msgs[0].message, "2026-03-04 12:00")
	assert.Contains(t, f.publisher.kinds(), domain.EventLocked)

	got, err := f.svc.Market(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLocked, got.Status)
}

func TestRefundExpired_AfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)
	f.bet(t, m, "alice", "Yes", 1000)
	f.bet(t, m, "bob", "No", 250)

	f.clock.Advance(24*time.Hour + 47*time.Hour)
	_, refunded, err := f.svc.RefundExpired(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, refunded, "grace not elapsed")

	f.clock.Advance(time.Hour + time.Minute)
	st, refunded, err := f.svc.RefundExpired(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, refunded)
	assert.Equal(t, domain.StatusRefunded, st.Market.Status)
	assert.Equal(t, market.SystemResolver, st.Market.ResolverID)
	assert.Equal(t, int64(5000), f.balance(t, f.local, "alice"))
	assert.Equal(t, int64(5000), f.balance(t, f.local, "bob"))

	_, refunded, err = f.svc.RefundExpired(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, refunded)
}

func TestProcessPendingPayouts_RetriesFailedCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, f.flaky, "alice", 1000)
	m := f.createMarket(t)

	_, err := f.svc.PlaceBet(ctx, market.PlaceBetRequest{
		MarketID: m.ID, Option: "Yes", Amount: 600, UserID: "alice", Economy: "flaky",
	})
	require.NoError(t, err)
	f.bet(t, m, "bob", "No", 400)
	f.clock.Advance(25 * time.Hour)

	f.flaky.setFailAdd(true)
	st, err := f.svc.Resolve(ctx, m.ID, "Yes", "creator")
	require.NoError(t, err)
	require.Len(t, st.Payouts, 1)
	assert.Equal(t, domain.PayoutPending, st.Payouts[0].Status)
	assert.Equal(t, 1, st.Payouts[0].Attempts)
	assert.Equal(t, int64(400), f.balance(t, f.flaky, "alice"))

	paid, failed, err := f.svc.ProcessPendingPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, paid)
	assert.Equal(t, 1, failed)

	f.flaky.setFailAdd(false)
	paid, failed, err = f.svc.ProcessPendingPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 0, failed)
	assert.Equal(t, int64(1400), f.balance(t, f.flaky, "alice"))

	paid, _, err = f.svc.ProcessPendingPayouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, paid)
}

func TestProcessPendingPayouts_LedgerPayoutCreditedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t)
	f.bet(t, m, "alice", "Yes", 500)
	f.bet(t, m, "bob", "No", 500)
	f.clock.Advance(25 * time.Hour)

	// el cierre de pagos remotos no interviene en una economía del ledger
	f.store.markPaidErr = []error{errors.New("database is locked")}
	f.store.payErr = []error{errors.New("database is locked")}

	st, err := f.svc.Resolve(ctx, m.ID, "Yes", "creator")
	require.NoError(t, err)
	require.Len(t, st.Payouts, 1)
	assert.Equal(t, domain.PayoutPending, st.Payouts[0].Status)
	assert.Equal(t, int64(4500), f.balance(t, f.local, "alice"))

	for i := 0; i < 3; i++ {
		_, _, err := f.svc.ProcessPendingPayouts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5500), f.balance(t, f.local, "alice"), "sweep %d", i)
	}
	payouts, err := f.db.Payouts(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutPaid, payouts[0].Status)
}

func TestProcessPendingPayouts_RemoteUnmarkedPayoutNotRecredited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, f.flaky.local, "alice", 1000)
	m := f.createMarket(t)
	_, err := f.svc.PlaceBet(ctx, market.PlaceBetRequest{
		MarketID: m.ID, Option: "Yes", Amount: 500, UserID: "alice", Economy: "flaky",
	})
	require.NoError(t, err)
	f.bet(t, m, "bob", "No", 500)
	f.clock.Advance(25 * time.Hour)

	f.store.markPaidErr = []error{errors.New("database is locked")}
	st, err := f.svc.Resolve(ctx, m.ID, "Yes", "creator")
	require.NoError(t, err)
	require.Len(t, st.Payouts, 1)
	assert.Equal(t, domain.PayoutCrediting, st.Payouts[0].Status)
	assert.Equal(t, int64(1500), f.balance(t, f.flaky, "alice"))

	paid, failed, err := f.svc.ProcessPendingPayouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, paid)
	assert.Zero(t, failed)
	assert.Equal(t, int64(1500), f.balance(t, f.flaky, "alice"))
	assert.Equal(t, 1, f.flaky.addCalls())

	stuck, err := f.svc.StuckPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	assert.ErrorIs(t, f.svc.ReconcilePayout(ctx, "alice", stuck[0].ID, true), domain.ErrUnauthorized)
	require.NoError(t, f.svc.ReconcilePayout(ctx, "admin", stuck[0].ID, true))
	assert.ErrorIs(t, f.svc.ReconcilePayout(ctx, "admin", stuck[0].ID, true), domain.ErrConflict)

	payouts, err := f.db.Payouts(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutPaid, payouts[0].Status)
	assert.Equal(t, int64(1500), f.balance(t, f.flaky, "alice"))
}

func TestProcessPendingPayouts_LostResponseAwaitsReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, f.flaky.local, "alice", 1000)
	m := f.createMarket(t)
	_, err := f.svc.PlaceBet(ctx, market.PlaceBetRequest{
		MarketID: m.ID, Option: "Yes", Amount: 500, UserID: "alice", Economy: "flaky",
	})
	require.NoError(t, err)
	f.bet(t, m, "bob", "No", 500)
	f.clock.Advance(25 * time.Hour)

	f.flaky.setLostResponse()
	st, err := f.svc.Resolve(ctx, m.ID, "Yes", "creator")
	require.NoError(t, err)
	require.Len(t, st.Payouts, 1)
	assert.Equal(t, domain.PayoutCrediting, st.Payouts[0].Status)
	assert.Contains(t, st.Payouts[0].LastError, "502")

	f.flaky.setFailAdd(false)
	_, _, err = f.svc.ProcessPendingPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), f.balance(t, f.flaky, "alice"))
	assert.Equal(t, 1, f.flaky.addCalls())

	// el operador verificó que el crédito no llegó: vuelve a PENDING
	require.NoError(t, f.svc.ReconcilePayout(ctx, "admin", st.Payouts[0].ID, false))
	paid, _, err := f.svc.ProcessPendingPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 2, f.flaky.addCalls())
}

func TestSettlement_NotifierFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = assert.AnError
	m := f.createMarket(t)
	f.bet(t, m, "alice", "Yes", 100)
	f.clock.Advance(25 * time.Hour)

	_, err := f.svc.Resolve(context.Background(), m.ID, "Yes", "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), f.balance(t, f.local, "alice"))
}

func mustWinner(t *testing.T, m domain.Market) domain.Option {
	t.Helper()
	o, ok := m.WinningOption()
	require.True(t, ok, "market %d has no winner", m.ID)
	require.False(t, strings.TrimSpace(o.Text) == "")
	return o
}
