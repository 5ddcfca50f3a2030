package economy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/alejandrodnm/predictbot/internal/ports"
)

// Registry resuelve economías por nombre. El nombre es opaco para el core.
type Registry struct {
	mu        sync.RWMutex
	economies map[string]ports.Economy
}

// NewRegistry crea un registry con las economías dadas.
func NewRegistry(economies ...ports.Economy) *Registry {
	r := &Registry{economies: make(map[string]ports.Economy, len(economies))}
	for _, e := range economies {
		r.Register(e)
	}
	return r
}

// Register agrega o reemplaza una economía.
func (r *Registry) Register(e ports.Economy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.economies[e.Name()] = e
}

// Economy devuelve domain.ErrUnknownEconomy si el nombre no está registrado.
func (r *Registry) Economy(name string) (ports.Economy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.economies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEconomy, name)
	}
	return e, nil
}

// Names devuelve los nombres registrados, ordenados.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.economies))
	for name := range r.economies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
