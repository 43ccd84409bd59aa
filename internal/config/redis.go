package config

import (
	"github.com/mohammadhprp/admission/internal/storage"
)

// NewStore builds the counter store selected by cfg.Store.Backend. The Redis
// store is only returned once the server answers a ping.
func NewStore(cfg Config) (storage.Store, error) {
	if cfg.Store.Backend == StoreBackendMemory {
		return storage.NewMemoryStore(), nil
	}

	return storage.NewRedisStore(storage.RedisOptions{
		Addr:      cfg.RedisAddr(),
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		OpTimeout: cfg.Redis.OpTimeout,
	})
}
