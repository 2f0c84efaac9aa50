package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/shadow-agent/internal/infrastructure/config"
	"github.com/nerrad567/shadow-agent/internal/infrastructure/database"
	"github.com/nerrad567/shadow-agent/internal/session"
	"github.com/nerrad567/shadow-agent/migrations"
)

// DefaultMaxEntries bounds the journal when no limit is given.
const DefaultMaxEntries = 10000

// Store is a session.Outbox persisted in SQLite.
//
// Thread Safety:
//   - All methods are safe for concurrent use; SQLite serialises writers.
type Store struct {
	db         *database.DB
	origin     string
	maxEntries int
	ownsDB     bool
}

var _ session.Outbox = (*Store)(nil)

// Stats summarises the journal.
type Stats struct {
	Entries int       `json:"entries"`
	Carried int       `json:"carried"`
	Oldest  time.Time `json:"oldest,omitempty"`
}

// Open opens (or creates) the journal described by cfg and applies the
// schema migrations.
//
// Returns:
//   - *Store: Ready journal; Close releases the database
//   - error: If the database cannot be opened or migrated
func Open(ctx context.Context, cfg config.OutboxConfig) (*Store, error) {
	db, err := database.Open(database.ConfigFromOutbox(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}
	s, err := New(ctx, db, DefaultMaxEntries)
	if err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New wraps an open database, migrating it first. maxEntries <= 0 means
// DefaultMaxEntries.
func New(ctx context.Context, db *database.DB, maxEntries int) (*Store, error) {
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrating outbox: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		db:         db,
		origin:     uuid.NewString(),
		maxEntries: maxEntries,
	}, nil
}

// Origin returns the ID stamped on entries appended by this Store.
func (s *Store) Origin() string { return s.origin }

// Append journals a report and returns its sequence number. The limit
// check and the insert run in one transaction.
func (s *Store) Append(ctx context.Context, service string, payload []byte) (int64, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}

	var seq int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&n); err != nil {
			return fmt.Errorf("counting outbox: %w", err)
		}
		if n >= s.maxEntries {
			return fmt.Errorf("%w: %d entries", ErrFull, n)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO outbox (service, payload, origin, created_at) VALUES (?, ?, ?, ?)",
			service, payload, s.origin, time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("appending to outbox: %w", err)
		}
		seq, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading outbox sequence: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Remove deletes an acknowledged entry. Removing a missing entry is not
// an error.
func (s *Store) Remove(ctx context.Context, seq int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM outbox WHERE seq = ?", seq); err != nil {
		return fmt.Errorf("removing outbox entry %d: %w", seq, err)
	}
	return nil
}

// List returns every journaled entry in append order.
func (s *Store) List(ctx context.Context) ([]session.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, service, payload, created_at FROM outbox ORDER BY seq",
	)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	defer rows.Close()

	var entries []session.OutboxEntry
	for rows.Next() {
		var e session.OutboxEntry
		var created int64
		if err := rows.Scan(&e.Seq, &e.Service, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox: %w", err)
	}
	return entries, nil
}

// Stats reports how many entries are waiting and how many of those were
// journaled by an earlier run.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest *int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN origin <> ? THEN 1 ELSE 0 END), 0),
		       MIN(created_at)
		FROM outbox`, s.origin,
	).Scan(&st.Entries, &st.Carried, &oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest != nil {
		st.Oldest = time.UnixMilli(*oldest)
	}
	return st, nil
}

// Close releases the database if Open created it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
