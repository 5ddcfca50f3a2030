package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus es el estado del ciclo de vida de un mercado.
type MarketStatus string

const (
	StatusOpen     MarketStatus = "OPEN"
	StatusLocked   MarketStatus = "LOCKED"
	StatusResolved MarketStatus = "RESOLVED"
	StatusRefunded MarketStatus = "REFUNDED"
)

// IsTerminal devuelve true para Resolved y Refunded: no hay transiciones de salida.
func (s MarketStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusRefunded
}

// Option es uno de los resultados mutuamente excluyentes de un mercado.
type Option struct {
	ID       int64
	MarketID int64
	Text     string
	Position int             // orden de creación, 0-based
	Pool     decimal.Decimal // reserva del market maker, siempre > 0
}

// Market es una pregunta de predicción con sus opciones y el estado del AMM.
type Market struct {
	ID               int64
	Question         string
	Category         string // opcional
	CreatorID        string
	Options          []Option
	CreatedAt        time.Time
	EndTime          time.Time // fin de apuestas
	Status           MarketStatus
	ResolverID       string
	WinningOptionID  int64 // 0 hasta que se resuelve
	SettledAt        *time.Time
	InitialLiquidity decimal.Decimal
	K                decimal.Decimal // invariante Π pools
}

// NewMarket valida la definición y siembra cada opción con la liquidez inicial.
// Los IDs quedan en 0 hasta que el store los asigna.
func NewMarket(question string, options []string, creatorID, category string, now, endTime time.Time, liquidity decimal.Decimal) (Market, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Market{}, fmt.Errorf("%w: empty question", ErrInvalidMarket)
	}
	if len(options) < 2 {
		return Market{}, fmt.Errorf("%w: need at least 2 options, got %d", ErrInvalidMarket, len(options))
	}
	if !endTime.After(now) {
		return Market{}, fmt.Errorf("%w: end time must be after creation time", ErrInvalidMarket)
	}
	if !liquidity.IsPositive() {
		return Market{}, fmt.Errorf("%w: initial liquidity must be positive", ErrInvalidMarket)
	}

	seen := make(map[string]bool, len(options))
	opts := make([]Option, 0, len(options))
	for i, text := range options {
		text = strings.TrimSpace(text)
		if text == "" {
			return Market{}, fmt.Errorf("%w: empty option at position %d", ErrInvalidMarket, i)
		}
		key := strings.ToLower(text)
		if seen[key] {
			return Market{}, fmt.Errorf("%w: duplicate option %q", ErrInvalidMarket, text)
		}
		seen[key] = true
		opts = append(opts, Option{Text: text, Position: i, Pool: liquidity})
	}

	pool := NewPool(len(opts), liquidity)
	return Market{
		Question:         question,
		Category:         strings.TrimSpace(category),
		CreatorID:        creatorID,
		Options:          opts,
		CreatedAt:        now,
		EndTime:          endTime,
		Status:           StatusOpen,
		InitialLiquidity: liquidity,
		K:                pool.K,
	}, nil
}

// StatusAt devuelve el estado efectivo en now: un mercado Open cuyo end time
// ya pasó se reporta como Locked aunque el scheduler aún no lo haya persistido.
func (m Market) StatusAt(now time.Time) MarketStatus {
	if m.Status == StatusOpen && !now.Before(m.EndTime) {
		return StatusLocked
	}
	return m.Status
}

// CanBet devuelve ErrMarketState si el mercado no acepta apuestas en now.
func (m Market) CanBet(now time.Time) error {
	if st := m.StatusAt(now); st != StatusOpen {
		return fmt.Errorf("%w: market %d is %s", ErrMarketState, m.ID, st)
	}
	return nil
}

// RefundDeadline es el momento a partir del cual un mercado sin resolver se reembolsa.
func (m Market) RefundDeadline(grace time.Duration) time.Time {
	return m.EndTime.Add(grace)
}

// Pool devuelve el estado del AMM del mercado.
func (m Market) Pool() Pool {
	reserves := make([]decimal.Decimal, len(m.Options))
	for i, o := range m.Options {
		reserves[i] = o.Pool
	}
	return Pool{Reserves: reserves, K: m.K}
}

// FindOption resuelve una opción por texto (sin distinguir mayúsculas) o por ID numérico.
// Devuelve el índice dentro de m.Options.
func (m Market) FindOption(ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	for i, o := range m.Options {
		if strings.EqualFold(o.Text, ref) {
			return i, nil
		}
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if i := m.OptionIndex(id); i >= 0 {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q in market %d", ErrInvalidOption, ref, m.ID)
}

// OptionIndex devuelve el índice de la opción con el ID dado, o -1.
func (m Market) OptionIndex(optionID int64) int {
	for i, o := range m.Options {
		if o.ID == optionID {
			return i
		}
	}
	return -1
}

// WinningOption devuelve la opción ganadora si el mercado está resuelto.
func (m Market) WinningOption() (Option, bool) {
	if m.Status != StatusResolved {
		return Option{}, false
	}
	if i := m.OptionIndex(m.WinningOptionID); i >= 0 {
		return m.Options[i], true
	}
	return Option{}, false
}

// WithReserves devuelve una copia del mercado con los pools actualizados.
func (m Market) WithReserves(reserves []decimal.Decimal) Market {
	opts := make([]Option, len(m.Options))
	copy(opts, m.Options)
	for i := range opts {
		opts[i].Pool = reserves[i]
	}
	m.Options = opts
	return m
}
