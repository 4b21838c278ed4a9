package friendgraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver
)

const (
	usersTable       = "presence_users"
	friendshipsTable = "presence_friendships"
)

// SQLStore keeps the friend graph in a relational database. Each friendship
// is stored as two directed rows so a lookup is a single indexed scan.
type SQLStore struct {
	db      *sql.DB
	backend Backend
	now     func() time.Time
	logger  zerolog.Logger
}

// NewSQLStore opens the database, verifies the connection and creates the
// tables if they do not exist.
func NewSQLStore(ctx context.Context, backend Backend, dsn string, logger zerolog.Logger) (*SQLStore, error) {
	var driverName string

	switch backend {
	case SQLiteBackend:
		driverName = "sqlite"
		if dsn == "" {
			dsn = "file:presence.db"
		}
	case MySQLBackend:
		driverName = "mysql"
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("invalid MySQL DSN: %w. Expected user:password@tcp(host:port)/dbname", err)
		}
	case PostgresBackend:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql backend: %s", backend)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", backend, err)
	}
	if backend == SQLiteBackend {
		// A single connection avoids "database is locked" and keeps an
		// in-memory database alive for the store's lifetime.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", backend, err)
	}

	s := &SQLStore{
		db:      db,
		backend: backend,
		now:     time.Now,
		logger:  logger.With().Str("component", "SQLStore").Str("backend", string(backend)).Logger(),
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create friend graph tables: %w", err)
	}

	s.logger.Info().Msg("SQL friend store initialized.")
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_id VARCHAR(191) NOT NULL PRIMARY KEY
		)`, usersTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_id VARCHAR(191) NOT NULL,
			friend_id VARCHAR(191) NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		)`, friendshipsTable),
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Fetch returns the user's friends ordered by when each friendship was made.
func (s *SQLStore) Fetch(ctx context.Context, userID string) ([]string, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		s.rebind(fmt.Sprintf("SELECT 1 FROM %s WHERE user_id = ?", usersTable)), userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", userID, err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(fmt.Sprintf(
		"SELECT friend_id FROM %s WHERE user_id = ? ORDER BY created_at, friend_id", friendshipsTable)), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query friends of %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	friends := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan friend row: %w", err)
		}
		friends = append(friends, id)
	}
	return friends, rows.Err()
}

// AddUser registers a user with no friends.
func (s *SQLStore) AddUser(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, s.insertIgnore(usersTable, "user_id"), userID)
	if err != nil {
		return fmt.Errorf("failed to add user %s: %w", userID, err)
	}
	return nil
}

// AddFriendship links a and b in one transaction, creating either user if
// needed. Adding an existing friendship is a no-op.
func (s *SQLStore) AddFriendship(ctx context.Context, a, b string) error {
	if err := validPair(a, b); err != nil {
		return err
	}
	createdAt := s.now().UnixNano()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{a, b} {
			if _, err := tx.ExecContext(ctx, s.insertIgnore(usersTable, "user_id"), id); err != nil {
				return err
			}
		}
		insert := s.insertIgnore(friendshipsTable, "user_id", "friend_id", "created_at")
		if _, err := tx.ExecContext(ctx, insert, a, b, createdAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, insert, b, a, createdAt)
		return err
	})
}

// RemoveFriendship unlinks a and b.
func (s *SQLStore) RemoveFriendship(ctx context.Context, a, b string) error {
	if err := validPair(a, b); err != nil {
		return err
	}
	del := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE user_id = ? AND friend_id = ?", friendshipsTable))
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, del, a, b); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, del, b, a)
		return err
	})
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("friend graph update failed: %w", err)
	}
	return tx.Commit()
}

// insertIgnore builds a backend-specific insert that skips duplicate keys.
func (s *SQLStore) insertIgnore(table string, columns ...string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	cols := strings.Join(columns, ", ")
	vals := strings.Join(placeholders, ", ")

	switch s.backend {
	case MySQLBackend:
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, cols, vals)
	case PostgresBackend:
		return s.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, cols, vals))
	default:
		return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, cols, vals)
	}
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.backend != PostgresBackend {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
