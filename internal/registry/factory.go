package registry

import (
	"context"
	"fmt"

	"github.com/symphainy/gateway/internal/config"
)

// New creates a Store based on the configured registry driver.
func New(ctx context.Context, cfg config.RegistryConfig) (Store, error) {
	switch cfg.Driver {
	case "redis", "":
		return NewRedis(ctx, cfg.URL, cfg.TTL.Duration)
	case "postgres":
		return NewPostgres(ctx, cfg.URL, cfg.TTL.Duration)
	case "memory":
		return NewMemory(cfg.TTL.Duration), nil
	default:
		return nil, fmt.Errorf("unsupported registry driver: %q", cfg.Driver)
	}
}
