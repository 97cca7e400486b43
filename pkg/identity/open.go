package identity

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type StoreSettings struct {
	Kind      string `glazed:"identity-store"`
	Path      string `glazed:"identity-file"`
	DSN       string `glazed:"identity-dsn"`
	RedisAddr string `glazed:"identity-redis-addr"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenStore builds the configured store. The returned closer releases any underlying handle.
func OpenStore(s StoreSettings) (Store, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case "", StoreFile:
		path := strings.TrimSpace(s.Path)
		if path == "" {
			p, err := DefaultFilePath()
			if err != nil {
				return nil, nil, err
			}
			path = p
		}
		st, err := NewFileStore(path)
		if err != nil {
			return nil, nil, err
		}
		return st, nopCloser{}, nil
	case StoreMemory:
		return NewMemoryStore(), nopCloser{}, nil
	case StoreSQLite:
		st, err := NewSQLiteStore(strings.TrimSpace(s.DSN))
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case StoreRedis:
		addr := strings.TrimSpace(s.RedisAddr)
		if addr == "" {
			return nil, nil, errors.New("redis identity store: empty address")
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		st, err := NewRedisStore(client, "")
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return st, client, nil
	default:
		return nil, nil, errors.Errorf("unknown identity store %q", s.Kind)
	}
}
