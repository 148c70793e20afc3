package providers

import (
	"time"

	"github.com/go-redis/redis/v8"
)

// NewRedisProvider builds the ledger/event client. Timeouts stay short: a
// batch invocation would rather fail and let the scheduler retry than hang.
func NewRedisProvider(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
}
