// Package cache stores validated justifications between runs.
//
// Backends:
//   - "none": caching disabled
//   - "memory": bounded in-process LRU
//   - "redis": shared Redis, optionally fronted by the in-process LRU
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the cache selected by cfg.Type.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "none", "":
		return Noop{}, nil
	case "memory":
		return NewMemory(cfg.LocalMaxSize, cfg.LocalTTL), nil
	case "redis":
		remote, err := NewRedis(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTiered(NewMemory(cfg.LocalMaxSize, cfg.LocalTTL), remote, cfg.LocalTTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// Noop is a cache that stores nothing.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, error)              { return nil, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Delete(context.Context, string) error                     { return nil }
func (Noop) Ping(context.Context) error                               { return nil }
func (Noop) Close() error                                             { return nil }
