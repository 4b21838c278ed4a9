// Package friendgraph provides the friend-graph stores the presence layer
// resolves friend lists from.
package friendgraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-presence/pkg/cache"
	"github.com/rs/zerolog"
)

// ErrUserNotFound is returned when the store has no record of a user.
var ErrUserNotFound = errors.New("user not found")

// Store resolves a user id to the ordered ids of the user's friends.
type Store interface {
	cache.Fetcher[string, []string]
}

// MutableStore is a Store whose graph can be edited. Friendships are
// symmetric: both users gain or lose each other.
type MutableStore interface {
	Store
	AddUser(ctx context.Context, userID string) error
	AddFriendship(ctx context.Context, a, b string) error
	RemoveFriendship(ctx context.Context, a, b string) error
}

// Backend names a store implementation.
type Backend string

const (
	MemoryBackend    Backend = "memory"
	SQLiteBackend    Backend = "sqlite"
	MySQLBackend     Backend = "mysql"
	PostgresBackend  Backend = "postgres"
	FirestoreBackend Backend = "firestore"
)

// Config selects and configures a store.
type Config struct {
	Backend         Backend
	DSN             string
	ProjectID       string
	Collection      string
	CredentialsFile string
}

// Open creates the store named by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (MutableStore, error) {
	switch cfg.Backend {
	case MemoryBackend, "":
		return NewMemoryStore(logger), nil
	case SQLiteBackend, MySQLBackend, PostgresBackend:
		s, err := NewSQLStore(ctx, cfg.Backend, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case FirestoreBackend:
		s, err := OpenFirestoreStore(ctx, &FirestoreConfig{
			ProjectID:       cfg.ProjectID,
			CollectionName:  cfg.Collection,
			CredentialsFile: cfg.CredentialsFile,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported friend store backend: %s", cfg.Backend)
	}
}

func validPair(a, b string) error {
	if a == "" || b == "" {
		return errors.New("user ids cannot be empty")
	}
	if a == b {
		return fmt.Errorf("user %s cannot befriend themselves", a)
	}
	return nil
}
