package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const migration = `
CREATE TABLE IF NOT EXISTS kv_documents (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	revision   BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type postgresStore struct {
	db *sql.DB
}

// NewPostgres opens a pgx-backed *sql.DB and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore runs the kv_documents migration and returns a Store over db.
func NewPostgresStore(ctx context.Context, db *sql.DB) (Store, error) {
	if _, err := db.ExecContext(ctx, migration); err != nil {
		return nil, fmt.Errorf("migrate kv_documents: %w", err)
	}
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx,
		"SELECT key, value, revision, updated_at FROM kv_documents WHERE key = $1", key,
	).Scan(&rec.Key, &rec.Value, &rec.Revision, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *postgresStore) Set(ctx context.Context, key string, value []byte) (int64, error) {
	query := `
		INSERT INTO kv_documents (key, value, revision, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    revision = kv_documents.revision + 1,
		    updated_at = now()
		RETURNING revision
	`
	var rev int64
	if err := s.db.QueryRowContext(ctx, query, key, value).Scan(&rev); err != nil {
		return 0, err
	}
	return rev, nil
}

func (s *postgresStore) CompareAndSwap(ctx context.Context, key string, revision int64, value []byte) (int64, error) {
	var (
		rev int64
		err error
	)
	if revision == 0 {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO kv_documents (key, value, revision, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (key) DO NOTHING
			RETURNING revision
		`, key, value).Scan(&rev)
	} else {
		err = s.db.QueryRowContext(ctx, `
			UPDATE kv_documents
			SET value = $3, revision = revision + 1, updated_at = now()
			WHERE key = $1 AND revision = $2
			RETURNING revision
		`, key, revision, value).Scan(&rev)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return rev, nil
}

func (s *postgresStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv_documents WHERE key = $1", key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *postgresStore) ListByPrefix(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, revision, updated_at FROM kv_documents
		WHERE starts_with(key, $1)
		ORDER BY key
	`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Revision, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Health pings the database and reports connection pool statistics.
func (s *postgresStore) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()

	if dbStats.OpenConnections > 20 {
		stats["message"] = "The database is experiencing heavy load."
	}
	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}
