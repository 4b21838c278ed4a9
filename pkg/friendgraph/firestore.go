package friendgraph

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection holds one document per user.
const DefaultCollection = "users"

// FirestoreConfig holds configuration for the Firestore friend store.
type FirestoreConfig struct {
	ProjectID       string
	CollectionName  string
	CredentialsFile string
}

// userDoc is the stored shape of a user; friends is kept in friendship order.
type userDoc struct {
	Friends []string `firestore:"friends"`
}

// FirestoreStore reads friend lists from a users collection where each
// document carries a friends array.
type FirestoreStore struct {
	client         *firestore.Client
	ownsClient     bool
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStore wraps an existing client. The client's lifecycle is
// managed by the caller.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	collection := cfg.CollectionName
	if collection == "" {
		collection = DefaultCollection
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", collection).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:         client,
		collectionName: collection,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// OpenFirestoreStore creates its own client. Close releases it.
func OpenFirestoreStore(ctx context.Context, cfg *FirestoreConfig, logger zerolog.Logger) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	s, err := NewFirestoreStore(cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// Fetch retrieves the user's document and returns its friends array.
func (s *FirestoreStore) Fetch(ctx context.Context, userID string) ([]string, error) {
	docSnap, err := s.client.Collection(s.collectionName).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Debug().Str("user_id", userID).Msg("User document not found in Firestore.")
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("firestore get for %s: %w", userID, err)
	}

	var doc userDoc
	if err := docSnap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore DataTo for %s: %w", userID, err)
	}
	if doc.Friends == nil {
		doc.Friends = []string{}
	}
	return doc.Friends, nil
}

// AddUser creates the user's document if it does not exist.
func (s *FirestoreStore) AddUser(ctx context.Context, userID string) error {
	_, err := s.client.Collection(s.collectionName).Doc(userID).Create(ctx, userDoc{Friends: []string{}})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("firestore set for %s: %w", userID, err)
	}
	return nil
}

// AddFriendship appends each user to the other's friends array in one
// transaction.
func (s *FirestoreStore) AddFriendship(ctx context.Context, a, b string) error {
	if err := validPair(a, b); err != nil {
		return err
	}
	return s.updatePair(ctx, a, b, func(id string) interface{} { return firestore.ArrayUnion(id) })
}

// RemoveFriendship removes each user from the other's friends array.
func (s *FirestoreStore) RemoveFriendship(ctx context.Context, a, b string) error {
	if err := validPair(a, b); err != nil {
		return err
	}
	return s.updatePair(ctx, a, b, func(id string) interface{} { return firestore.ArrayRemove(id) })
}

func (s *FirestoreStore) updatePair(ctx context.Context, a, b string, op func(id string) interface{}) error {
	users := s.client.Collection(s.collectionName)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Set(users.Doc(a), map[string]interface{}{"friends": op(b)}, firestore.MergeAll); err != nil {
			return err
		}
		return tx.Set(users.Doc(b), map[string]interface{}{"friends": op(a)}, firestore.MergeAll)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", a).Str("friend_id", b).Msg("Failed to update friendship in Firestore.")
		return fmt.Errorf("firestore friendship update for %s/%s: %w", a, b, err)
	}
	return nil
}

// Close releases the client if this store created it.
func (s *FirestoreStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
