package main

import (
	"errors"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

// errUsage marca argumentos mal formados; el mensaje ya es para el usuario.
var errUsage = errors.New("usage")

// userMessage traduce los errores tipados a un mensaje para el usuario. Los
// más específicos van primero porque envuelven a su categoría.
func userMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, errUsage):
		return err.Error(), true
	case errors.Is(err, domain.ErrMarketNotFound):
		return "Market not found.", true
	case errors.Is(err, domain.ErrInvalidOption):
		return "That option does not exist in this market.", true
	case errors.Is(err, domain.ErrInvalidAmount):
		return "Amount must be a positive number of points.", true
	case errors.Is(err, domain.ErrUnknownEconomy):
		return "Unknown economy.", true
	case errors.Is(err, domain.ErrInvalidBet):
		return "Invalid bet: " + err.Error(), true
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "You don't have enough points.", true
	case errors.Is(err, domain.ErrMarketState):
		return "The market does not allow that right now (it may be closed or already settled).", true
	case errors.Is(err, domain.ErrUnauthorized):
		return "Only the market creator or an admin can do that.", true
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		return "Not enough liquidity for that bet, try a smaller amount.", true
	case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrConflict):
		return "The market is busy, try again in a moment.", true
	case errors.Is(err, domain.ErrOutcomeUnknown):
		return "The points service did not confirm the operation. Check your balance before trying again.", true
	case errors.Is(err, domain.ErrInvalidMarket):
		return "Invalid market: " + err.Error(), true
	}
	return "", false
}
