package domain

import "github.com/shopspring/decimal"

// OptionPrice es la cotización actual de una opción.
type OptionPrice struct {
	Option      Option
	Price       decimal.Decimal // precio marginal, puntos por share
	QuoteShares decimal.Decimal // shares que compraría la apuesta de referencia
	QuotePoints int64
	Probability decimal.Decimal
	Volume      int64 // puntos apostados a la opción
}
