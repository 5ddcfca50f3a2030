package domain

import "time"

// MarketEventKind es el tipo de cambio publicado a los suscriptores.
type MarketEventKind string

const (
	EventCreated  MarketEventKind = "created"
	EventBet      MarketEventKind = "bet"
	EventLocked   MarketEventKind = "locked"
	EventResolved MarketEventKind = "resolved"
	EventRefunded MarketEventKind = "refunded"
)

// MarketEvent se publica después de que el cambio quedó persistido.
type MarketEvent struct {
	Kind          MarketEventKind    `json:"kind"`
	MarketID      int64              `json:"market_id"`
	Question      string             `json:"question"`
	Status        MarketStatus       `json:"status"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	UserID        string             `json:"user_id,omitempty"`
	Option        string             `json:"option,omitempty"`
	Amount        int64              `json:"amount,omitempty"`
	At            time.Time          `json:"at"`
}

// NewMarketEvent arma el evento con las probabilidades actuales del mercado.
func NewMarketEvent(kind MarketEventKind, m Market, at time.Time) MarketEvent {
	probs := m.Pool().Probabilities()
	byText := make(map[string]float64, len(probs))
	for i, p := range probs {
		f, _ := p.Float64()
		byText[m.Options[i].Text] = f
	}
	return MarketEvent{
		Kind:          kind,
		MarketID:      m.ID,
		Question:      m.Question,
		Status:        m.Status,
		Probabilities: byText,
		At:            at,
	}
}
