package domain

import "github.com/shopspring/decimal"

// ComputePayouts reparte el total apostado entre las apuestas a la opción
// ganadora, en proporción al monto apostado (pari-mutuel). Cada pago se trunca
// a puntos enteros; el resto es dust y no se redistribuye.
//
// El precio AMM solo determina las shares al comprar: el pago depende de los
// puntos apostados.
func ComputePayouts(bets []Bet, winningOptionID int64) ([]Payout, int64) {
	var total, winning int64
	for _, b := range bets {
		total += b.Amount
		if b.OptionID == winningOptionID {
			winning += b.Amount
		}
	}
	if winning == 0 {
		return nil, total
	}

	dTotal := decimal.NewFromInt(total)
	dWinning := decimal.NewFromInt(winning)

	var paid int64
	payouts := make([]Payout, 0, len(bets))
	for _, b := range bets {
		if b.OptionID != winningOptionID {
			continue
		}
		// amount × total / winning, truncado
		q, _ := decimal.NewFromInt(b.Amount).Mul(dTotal).QuoRem(dWinning, 0)
		amount := q.IntPart()
		paid += amount
		payouts = append(payouts, Payout{
			BetID:    b.ID,
			MarketID: b.MarketID,
			UserID:   b.UserID,
			Economy:  b.Economy,
			Kind:     PayoutWin,
			Amount:   amount,
			Status:   PayoutPending,
		})
	}
	return payouts, total - paid
}

// ComputeRefunds devuelve a cada apuesta su monto original, sin ajuste AMM.
func ComputeRefunds(bets []Bet) []Payout {
	payouts := make([]Payout, 0, len(bets))
	for _, b := range bets {
		payouts = append(payouts, Payout{
			BetID:    b.ID,
			MarketID: b.MarketID,
			UserID:   b.UserID,
			Economy:  b.Economy,
			Kind:     PayoutRefund,
			Amount:   b.Amount,
			Status:   PayoutPending,
		})
	}
	return payouts
}

// TotalWagered suma los puntos apostados.
func TotalWagered(bets []Bet) int64 {
	var total int64
	for _, b := range bets {
		total += b.Amount
	}
	return total
}

// VolumeByOption suma los puntos apostados por opción.
func VolumeByOption(bets []Bet) map[int64]int64 {
	vol := make(map[int64]int64)
	for _, b := range bets {
		vol[b.OptionID] += b.Amount
	}
	return vol
}
