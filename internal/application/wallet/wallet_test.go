package wallet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alejandrodnm/predictbot/internal/adapters/economy"
	"github.com/alejandrodnm/predictbot/internal/adapters/storage"
	"github.com/alejandrodnm/predictbot/internal/application/wallet"
	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/alejandrodnm/predictbot/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingLedger falla los créditos cuando failCredit está activo.
type failingLedger struct {
	ports.Ledger
	failCredit bool
}

func (l *failingLedger) Credit(ctx context.Context, acct domain.Account, amount int64, memo string) (domain.Transaction, error) {
	if l.failCredit {
		return domain.Transaction{}, errors.New("disk full")
	}
	return l.Ledger.Credit(ctx, acct, amount, memo)
}

// remoteOnly es una economía sin cuenta en el ledger.
type remoteOnly struct{ ports.Economy }

func (remoteOnly) Name() string { return "remote" }

type env struct {
	svc    *wallet.Service
	ledger *failingLedger
	local  *economy.Local
	guild  *economy.Local
}

func setup(t *testing.T) env {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	local := economy.NewLocal("local", db)
	guild := economy.NewLocal("guild", db)
	ledger := &failingLedger{Ledger: db}
	reg := economy.NewRegistry(local, guild, remoteOnly{})

	ctx := context.Background()
	require.NoError(t, local.AddPoints(ctx, "alice", 1000, "grant"))
	require.NoError(t, guild.AddPoints(ctx, "alice", 300, "grant"))

	return env{svc: wallet.New(ledger, reg, "local"), ledger: ledger, local: local, guild: guild}
}

func balance(t *testing.T, e ports.Economy, user string) int64 {
	t.Helper()
	bal, err := e.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return bal
}

func TestBalance(t *testing.T) {
	e := setup(t)
	bal, err := e.svc.Balance(context.Background(), "guild", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(300), bal)

	_, err = e.svc.Balance(context.Background(), "nope", "alice")
	assert.ErrorIs(t, err, domain.ErrUnknownEconomy)
}

func TestTip(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	require.NoError(t, e.svc.Tip(ctx, "local", "alice", "bob", 250))
	assert.Equal(t, int64(750), balance(t, e.local, "alice"))
	assert.Equal(t, int64(250), balance(t, e.local, "bob"))

	acct, txs, err := e.svc.History(ctx, "local", "bob", 10)
	require.NoError(t, err)
	assert.Equal(t, "local:bob", acct.String())
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxCredit, txs[0].Kind)
	assert.Equal(t, "tip alice -> bob", txs[0].Memo)
}

func TestTip_InsufficientFundsLeavesBalances(t *testing.T) {
	e := setup(t)
	err := e.svc.Tip(context.Background(), "local", "alice", "bob", 5000)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(1000), balance(t, e.local, "alice"))
	assert.Zero(t, balance(t, e.local, "bob"))
}

func TestTip_Rejections(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	assert.ErrorIs(t, e.svc.Tip(ctx, "local", "alice", "bob", 0), domain.ErrInvalidAmount)
	assert.ErrorIs(t, e.svc.Tip(ctx, "local", "alice", "alice", 10), domain.ErrInvalidBet)
	assert.ErrorIs(t, e.svc.Tip(ctx, "remote", "alice", "bob", 10), domain.ErrInvalidBet)
	assert.ErrorIs(t, e.svc.Tip(ctx, "nope", "alice", "bob", 10), domain.ErrUnknownEconomy)
}

func TestDeposit(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.svc.Deposit(context.Background(), "guild", "alice", 200))
	assert.Equal(t, int64(100), balance(t, e.guild, "alice"))
	assert.Equal(t, int64(1200), balance(t, e.local, "alice"))
}

func TestDeposit_InsufficientExternalFunds(t *testing.T) {
	e := setup(t)
	err := e.svc.Deposit(context.Background(), "guild", "alice", 301)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(300), balance(t, e.guild, "alice"))
	assert.Equal(t, int64(1000), balance(t, e.local, "alice"))
}

func TestDeposit_CompensatesFailedCredit(t *testing.T) {
	e := setup(t)
	e.ledger.failCredit = true

	err := e.svc.Deposit(context.Background(), "guild", "alice", 200)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, int64(300), balance(t, e.guild, "alice"), "external debit reverted")
	assert.Equal(t, int64(1000), balance(t, e.local, "alice"))
}

func TestDeposit_Rejections(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	assert.ErrorIs(t, e.svc.Deposit(ctx, "local", "alice", 10), domain.ErrInvalidBet)
	assert.ErrorIs(t, e.svc.Deposit(ctx, "guild", "alice", -1), domain.ErrInvalidAmount)
	assert.ErrorIs(t, e.svc.Deposit(ctx, "nope", "alice", 10), domain.ErrUnknownEconomy)
}
