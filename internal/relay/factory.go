package relay

import (
	"github.com/benbjohnson/clock"
	"github.com/matst80/burrow/internal/obs"
)

// NewStore creates either an in-memory or Redis-mirrored store based on
// configuration.
func NewStore(redisAddr, redisPassword string, redisDB, maxPending int) (Store, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newMemoryStore(maxPending, clock.New()), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisStore(redisAddr, redisPassword, redisDB, maxPending, clock.New())
}
