package domain

// amm.go — market maker de producto constante para N opciones.
//
// Invariante: k = Π reserves[i]. Comprar la opción i con p puntos reparte p
// entre las demás reservas en proporción a su tamaño (cada una crece por el
// factor (S+p)/S, con S = Σ otras) y la reserva i baja hasta restablecer k.
// Con dos opciones esto es exactamente x·y = k:
//
//	newOpp = opp + p;  newOpt = k / newOpp;  shares = opt − newOpt
//
// La probabilidad se deriva solo de las reservas: p_i ∝ 1/reserve_i.

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// poolPrecision son los decimales con que se redondean reservas y shares.
	poolPrecision int32 = 18
	// rootIterations acota el Newton de nthRoot; converge en < 10 en la práctica.
	rootIterations = 64
)

var one = decimal.NewFromInt(1)

// Pool es el estado del AMM de un mercado.
type Pool struct {
	Reserves []decimal.Decimal
	K        decimal.Decimal
}

// Trade es el resultado de una compra calculada contra un Pool.
type Trade struct {
	Option int
	Points int64
	Shares decimal.Decimal
	Before []decimal.Decimal
	After  []decimal.Decimal
}

// AvgPrice devuelve puntos pagados por share.
func (t Trade) AvgPrice() decimal.Decimal {
	if !t.Shares.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromInt(t.Points).DivRound(t.Shares, poolPrecision)
}

// NewPool siembra n reservas con la misma liquidez; k = liquidity^n.
func NewPool(n int, liquidity decimal.Decimal) Pool {
	reserves := make([]decimal.Decimal, n)
	for i := range reserves {
		reserves[i] = liquidity
	}
	return Pool{Reserves: reserves, K: Product(reserves)}
}

// Product devuelve Π reserves.
func Product(reserves []decimal.Decimal) decimal.Decimal {
	k := one
	for _, r := range reserves {
		k = k.Mul(r)
	}
	return k
}

// SharesForPoints calcula cuántas shares de option se reciben por points.
// No muta el pool: el Trade devuelto trae las reservas resultantes.
func (p Pool) SharesForPoints(option int, points int64) (Trade, error) {
	if points <= 0 {
		return Trade{}, fmt.Errorf("%w: %d", ErrInvalidAmount, points)
	}
	if err := p.validate(option); err != nil {
		return Trade{}, err
	}

	spend := decimal.NewFromInt(points)
	others := p.othersSum(option)

	after := make([]decimal.Decimal, len(p.Reserves))
	othersProduct := one
	for i, r := range p.Reserves {
		if i == option {
			continue
		}
		// cada reserva absorbe la fracción r/S de los puntos
		after[i] = r.Add(spend.Mul(r).DivRound(others, poolPrecision))
		othersProduct = othersProduct.Mul(after[i])
	}
	after[option] = p.K.DivRound(othersProduct, poolPrecision)

	shares := p.Reserves[option].Sub(after[option])
	if !shares.IsPositive() || !after[option].IsPositive() {
		return Trade{}, fmt.Errorf("%w: %d points on option %d yields %s shares",
			ErrInsufficientLiquidity, points, option, shares.String())
	}

	return Trade{
		Option: option,
		Points: points,
		Shares: shares,
		Before: cloneReserves(p.Reserves),
		After:  after,
	}, nil
}

// Quote calcula shares y precio promedio de una compra hipotética de points.
func (p Pool) Quote(option int, points int64) (shares, avgPrice decimal.Decimal, err error) {
	t, err := p.SharesForPoints(option, points)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return t.Shares, t.AvgPrice(), nil
}

// Price devuelve el costo en puntos de comprar shares de option.
// Rechaza con ErrInsufficientLiquidity si shares >= reserva: el costo sería infinito.
func (p Pool) Price(option int, shares decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: shares must be positive", ErrInvalidBet)
	}
	if err := p.validate(option); err != nil {
		return decimal.Zero, err
	}
	reserve := p.Reserves[option]
	if shares.GreaterThanOrEqual(reserve) {
		return decimal.Zero, fmt.Errorf("%w: %s shares exhaust reserve %s",
			ErrInsufficientLiquidity, shares.String(), reserve.String())
	}

	newReserve := reserve.Sub(shares)
	others := p.othersSum(option)
	othersProduct := one
	for i, r := range p.Reserves {
		if i != option {
			othersProduct = othersProduct.Mul(r)
		}
	}

	// Π otras·g^(N-1) = k/newReserve  →  g = (k / (newReserve·Π otras))^(1/(N-1))
	ratio := p.K.DivRound(newReserve.Mul(othersProduct), poolPrecision)
	growth := nthRoot(ratio, len(p.Reserves)-1)
	cost := others.Mul(growth).Sub(others)
	if cost.IsNegative() {
		cost = decimal.Zero
	}
	return cost.Round(poolPrecision), nil
}

// MarginalPrice es la derivada del costo en shares = 0: S / ((N-1)·reserve).
// Para mercados binarios equivale a opp/opt.
func (p Pool) MarginalPrice(option int) (decimal.Decimal, error) {
	if err := p.validate(option); err != nil {
		return decimal.Zero, err
	}
	n := decimal.NewFromInt(int64(len(p.Reserves) - 1))
	return p.othersSum(option).DivRound(n.Mul(p.Reserves[option]), poolPrecision), nil
}

// Probabilities devuelve la probabilidad implícita de cada opción, basada
// solo en las reservas. Suma 1.
func (p Pool) Probabilities() []decimal.Decimal {
	out := make([]decimal.Decimal, len(p.Reserves))
	if len(p.Reserves) == 0 {
		return out
	}
	inv := make([]decimal.Decimal, len(p.Reserves))
	total := decimal.Zero
	for i, r := range p.Reserves {
		if !r.IsPositive() {
			continue
		}
		inv[i] = one.DivRound(r, poolPrecision)
		total = total.Add(inv[i])
	}
	if total.IsZero() {
		return out
	}
	for i := range inv {
		out[i] = inv[i].DivRound(total, poolPrecision)
	}
	return out
}

// Apply devuelve el pool después del trade. El invariante k no cambia.
func (p Pool) Apply(t Trade) Pool {
	return Pool{Reserves: cloneReserves(t.After), K: p.K}
}

func (p Pool) validate(option int) error {
	if len(p.Reserves) < 2 {
		return fmt.Errorf("%w: pool needs at least 2 reserves", ErrInvalidMarket)
	}
	if option < 0 || option >= len(p.Reserves) {
		return fmt.Errorf("%w: index %d", ErrInvalidOption, option)
	}
	for _, r := range p.Reserves {
		if !r.IsPositive() {
			return fmt.Errorf("%w: non-positive reserve", ErrInsufficientLiquidity)
		}
	}
	return nil
}

func (p Pool) othersSum(option int) decimal.Decimal {
	sum := decimal.Zero
	for i, r := range p.Reserves {
		if i != option {
			sum = sum.Add(r)
		}
	}
	return sum
}

func cloneReserves(in []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(in))
	copy(out, in)
	return out
}

// nthRoot calcula x^(1/n) con Newton sobre decimales, sembrado con float64.
func nthRoot(x decimal.Decimal, n int) decimal.Decimal {
	if n <= 1 || x.IsZero() {
		return x
	}
	xf, _ := x.Float64()
	y := decimal.NewFromFloat(math.Pow(xf, 1/float64(n)))
	if !y.IsPositive() {
		y = one
	}

	dn := decimal.NewFromInt(int64(n))
	dn1 := decimal.NewFromInt(int64(n - 1))
	eps := decimal.New(1, -(poolPrecision - 2))
	for i := 0; i < rootIterations; i++ {
		// y' = ((n-1)·y + x / y^(n-1)) / n
		pow := one
		for j := 0; j < n-1; j++ {
			pow = pow.Mul(y)
		}
		next := dn1.Mul(y).Add(x.DivRound(pow, poolPrecision)).DivRound(dn, poolPrecision)
		if next.Sub(y).Abs().LessThan(eps) {
			return next
		}
		y = next
	}
	return y
}
