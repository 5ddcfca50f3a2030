package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/predictbot/internal/ports"
)

// Multi reparte cada notificación a todos los senders. Un sender que falla no
// impide la entrega al resto.
type Multi struct {
	senders []ports.Notifier
}

// NewMulti crea el fan-out. Los senders nil se ignoran.
func NewMulti(senders ...ports.Notifier) *Multi {
	m := &Multi{}
	for _, s := range senders {
		if s != nil {
			m.senders = append(m.senders, s)
		}
	}
	return m
}

// Notify devuelve los errores de todos los senders que fallaron, combinados.
func (m *Multi) Notify(ctx context.Context, userID, message string) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.Notify(ctx, userID, message); err != nil {
			slog.Warn("notification sender failed",
				"sender", fmt.Sprintf("%T", s),
				"user_id", userID,
				"err", err,
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify.Multi: %d of %d senders failed: %w", len(errs), len(m.senders), errors.Join(errs...))
	}
	return nil
}
