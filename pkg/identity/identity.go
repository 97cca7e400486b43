// Package identity resolves the stable client identifier shared by every channel a client opens.
//
// The identifier is read from an injected Store. When absent a new UUID is generated and
// written with put-if-absent semantics, so two racing first runs converge on the value that
// was persisted first.
package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultKey is the storage key the identifier lives under.
const DefaultKey = "clientId"

// ErrBlankIdentity means the store holds a whitespace-only identifier. Stores never overwrite
// an existing key, so it has to be repaired (or the key removed) by hand.
var ErrBlankIdentity = errors.New("persisted client identity is blank")

// Store is the persistence capability the resolver needs: read a string, write it once.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// PutIfAbsent stores value unless key already holds one, and returns the value now stored.
	PutIfAbsent(ctx context.Context, key, value string) (string, error)
}

type Resolver struct {
	store    Store
	key      string
	generate func() string

	once sync.Once
	id   string
	err  error
}

type ResolverOption func(*Resolver)

func WithKey(key string) ResolverOption {
	return func(r *Resolver) {
		if strings.TrimSpace(key) != "" {
			r.key = key
		}
	}
}

func WithGenerator(fn func() string) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.generate = fn
		}
	}
}

func NewResolver(store Store, opts ...ResolverOption) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("identity resolver: store is nil")
	}
	r := &Resolver{
		store:    store,
		key:      DefaultKey,
		generate: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Get returns the client identity. Storage is consulted once per resolver; later calls
// return the cached result, including a cached error.
func (r *Resolver) Get(ctx context.Context) (string, error) {
	if r == nil {
		return "", errors.New("identity resolver is nil")
	}
	r.once.Do(func() {
		r.id, r.err = r.resolve(ctx)
	})
	return r.id, r.err
}

func (r *Resolver) resolve(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	existing, ok, err := r.store.Get(ctx, r.key)
	if err != nil {
		return "", errors.Wrap(err, "read client identity")
	}
	if ok {
		if strings.TrimSpace(existing) == "" {
			return "", errors.Wrapf(ErrBlankIdentity, "key %q", r.key)
		}
		log.Debug().Str("component", "identity").Str("client_id", existing).Msg("reusing persisted client identity")
		return existing, nil
	}

	candidate := r.generate()
	if strings.TrimSpace(candidate) == "" {
		return "", errors.New("identity generator returned an empty id")
	}
	stored, err := r.store.PutIfAbsent(ctx, r.key, candidate)
	if err != nil {
		return "", errors.Wrap(err, "persist client identity")
	}
	if strings.TrimSpace(stored) == "" {
		return "", errors.Wrapf(ErrBlankIdentity, "key %q", r.key)
	}
	if stored != candidate {
		log.Debug().Str("component", "identity").Str("client_id", stored).Msg("another writer persisted the client identity first")
	} else {
		log.Info().Str("component", "identity").Str("client_id", stored).Msg("generated client identity")
	}
	return stored, nil
}
