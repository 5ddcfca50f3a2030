package ports

import (
	"context"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

// Notifier entrega mensajes a usuarios. Es fire-and-forget: los errores se
// loguean, nunca revierten la operación que los originó.
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

// EventPublisher distribuye cambios de mercado fuera del proceso.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.MarketEvent) error
}
