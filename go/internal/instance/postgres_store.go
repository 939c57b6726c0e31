package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/hanoiboard/go/internal/sqlutil"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv_entries (
    key     TEXT PRIMARY KEY,
    value   JSONB,
    version BIGINT NOT NULL DEFAULT 1
)`

// PostgresStore implements Store on a single kv_entries table. Rows with a NULL value are
// treated as missing.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the kv_entries table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create kv_entries table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	var (
		value   pqtype.NullRawMessage
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv_entries WHERE key = $1`,
		key.String(),
	).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if !value.Valid {
		return Entry{}, false, nil
	}
	return Entry{Key: key, Value: sqlutil.FromNullRawMessage(value), Version: version}, true, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix Key) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version FROM kv_entries
		 WHERE starts_with(key, $1) AND value IS NOT NULL
		 ORDER BY key`,
		prefix.Prefix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			encoded string
			value   pqtype.NullRawMessage
			version int64
		)
		if err := rows.Scan(&encoded, &value, &version); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		key, err := ParseKey(encoded)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: key, Value: sqlutil.FromNullRawMessage(value), Version: version})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Commit(ctx context.Context, mutations ...Mutation) error {
	return sqlutil.Run(ctx, s.db, nil, func(tx *sql.Tx) error {
		for _, m := range mutations {
			if m.ExpectVersion == nil {
				continue
			}
			current, err := lockVersion(ctx, tx, m.Key)
			if err != nil {
				return err
			}
			if current != *m.ExpectVersion {
				return ErrVersionMismatch
			}
		}

		for _, m := range mutations {
			switch m.Op {
			case OpSet:
				if err := upsert(ctx, tx, m); err != nil {
					return err
				}
			case OpDelete:
				if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, m.Key.String()); err != nil {
					return fmt.Errorf("failed to delete %s: %w", m.Key, err)
				}
			case OpCheck:
			}
		}
		return nil
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// lockVersion returns the current version of key, 0 when it is missing, and locks the row
// for the rest of the transaction.
func lockVersion(ctx context.Context, tx *sql.Tx, key Key) (int64, error) {
	var (
		value   pqtype.NullRawMessage
		version int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT value, version FROM kv_entries WHERE key = $1 FOR UPDATE`,
		key.String(),
	).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	if !value.Valid {
		return 0, nil
	}
	return version, nil
}

func upsert(ctx context.Context, tx *sql.Tx, m Mutation) error {
	value := sqlutil.ToNullRawMessage(m.Value)

	// An absent row cannot be locked, so inserts that require absence rely on the primary key.
	if m.ExpectVersion != nil && *m.ExpectVersion == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO kv_entries (key, value, version) VALUES ($1, $2::jsonb, 1)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = kv_entries.version + 1
			 WHERE kv_entries.value IS NULL`,
			m.Key.String(), value,
		)
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", m.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", m.Key, err)
		}
		if n != 1 {
			return ErrVersionMismatch
		}
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, version) VALUES ($1, $2::jsonb, 1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = kv_entries.version + 1`,
		m.Key.String(), value,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", m.Key, err)
	}
	return nil
}
