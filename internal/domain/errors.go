package domain

import (
	"errors"
	"fmt"
)

// Taxonomía de errores del mercado. Los callers comparan con errors.Is;
// los errores más específicos envuelven a su categoría.
var (
	ErrInvalidBet            = errors.New("invalid bet")
	ErrMarketState           = errors.New("market state does not allow this action")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrLockHeld              = errors.New("lock already held")
	ErrConflict              = errors.New("market changed concurrently")
	// ErrOutcomeUnknown: la economía pudo haber aplicado el movimiento aunque
	// la llamada falló. No se reintenta sin reconciliar.
	ErrOutcomeUnknown = errors.New("economy outcome unknown")

	ErrMarketNotFound = fmt.Errorf("%w: market not found", ErrInvalidBet)
	ErrInvalidOption  = fmt.Errorf("%w: option does not belong to market", ErrInvalidBet)
	ErrInvalidAmount  = fmt.Errorf("%w: amount must be positive", ErrInvalidBet)
	ErrUnknownEconomy = fmt.Errorf("%w: unknown economy", ErrInvalidBet)
	ErrInvalidMarket  = errors.New("invalid market definition")
)
