package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua borra la key solo si todavía guarda el token de quien la tomó.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Locker implementa ports.Locker con SET NX + TTL y unlock condicional en Lua.
type Locker struct {
	client *Client
	unlock *redis.Script
}

// NewLocker crea el lock distribuido.
func NewLocker(c *Client) *Locker {
	return &Locker{client: c, unlock: redis.NewScript(unlockLua)}
}

// Acquire devuelve domain.ErrLockHeld si otro proceso tiene la key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := l.client.key("lock", key)

	ok, err := l.client.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.Locker.Acquire: %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockHeld, key)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// contexto propio: el del caller puede estar cancelado
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlock.Run(ctx, l.client.rdb, []string{lk}, token).Err()
		})
	}
	return release, nil
}
