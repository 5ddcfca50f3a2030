package domain_test

import (
	"testing"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMarket(t *testing.T, now time.Time) domain.Market {
	t.Helper()
	m, err := domain.NewMarket("Will it rain?", []string{"Yes", "No"}, "creator", "weather",
		now, now.Add(time.Hour), dec("10000"))
	require.NoError(t, err)
	for i := range m.Options {
		m.Options[i].ID = int64(i + 1)
	}
	m.ID = 7
	return m
}

func TestNewMarket_SeedsPools(t *testing.T) {
	now := time.Now()
	m := newTestMarket(t, now)

	assert.Equal(t, domain.StatusOpen, m.Status)
	assert.Len(t, m.Options, 2)
	assert.True(t, m.Options[0].Pool.Equal(dec("10000")))
	assert.True(t, m.K.Equal(dec("100000000")))
	assert.Equal(t, "weather", m.Category)
}

func TestNewMarket_Validation(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		q    string
		opts []string
		end  time.Time
		liq  string
	}{
		{"empty question", "  ", []string{"a", "b"}, now.Add(time.Hour), "100"},
		{"one option", "q", []string{"a"}, now.Add(time.Hour), "100"},
		{"duplicate option", "q", []string{"Yes", "yes"}, now.Add(time.Hour), "100"},
		{"blank option", "q", []string{"Yes", " "}, now.Add(time.Hour), "100"},
		{"end before now", "q", []string{"a", "b"}, now.Add(-time.Second), "100"},
		{"zero liquidity", "q", []string{"a", "b"}, now.Add(time.Hour), "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := domain.NewMarket(tc.q, tc.opts, "c", "", now, tc.end, dec(tc.liq))
			assert.ErrorIs(t, err, domain.ErrInvalidMarket)
		})
	}
}

func TestMarket_StatusAtLocksLazily(t *testing.T) {
	now := time.Now()
	m := newTestMarket(t, now)

	assert.Equal(t, domain.StatusOpen, m.StatusAt(now))
	assert.NoError(t, m.CanBet(now))

	late := m.EndTime.Add(time.Second)
	assert.Equal(t, domain.StatusLocked, m.StatusAt(late))
	assert.ErrorIs(t, m.CanBet(late), domain.ErrMarketState)
	assert.ErrorIs(t, m.CanBet(m.EndTime), domain.ErrMarketState)
}

func TestMarket_TerminalStatesRejectBets(t *testing.T) {
	now := time.Now()
	for _, st := range []domain.MarketStatus{domain.StatusResolved, domain.StatusRefunded} {
		m := newTestMarket(t, now)
		m.Status = st
		assert.True(t, st.IsTerminal())
		assert.ErrorIs(t, m.CanBet(now), domain.ErrMarketState)
	}
}

func TestMarket_FindOption(t *testing.T) {
	m := newTestMarket(t, time.Now())

	i, err := m.FindOption("yes")
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	i, err = m.FindOption("2")
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	_, err = m.FindOption("Maybe")
	assert.ErrorIs(t, err, domain.ErrInvalidOption)
	assert.ErrorIs(t, err, domain.ErrInvalidBet)
}

func TestMarket_RefundDeadline(t *testing.T) {
	m := newTestMarket(t, time.Now())
	assert.Equal(t, m.EndTime.Add(48*time.Hour), m.RefundDeadline(48*time.Hour))
}
