// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kadirpekel/tempo/pkg/config"
)

const tableName = "tempo_runs"

// SQLStore keeps entries in a SQL table. Supports postgres, mysql and
// sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and its table. The handle is owned by the
// caller (usually a config.DBPool).
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case config.DialectPostgres, config.DialectMySQL, config.DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) schema() []string {
	switch s.dialect {
	case config.DialectMySQL:
		return []string{`
CREATE TABLE IF NOT EXISTS ` + tableName + ` (
    run_id VARCHAR(64) PRIMARY KEY,
    scope VARCHAR(128) NOT NULL,
    run_key VARCHAR(512) NOT NULL,
    outcome VARCHAR(32) NOT NULL,
    reason TEXT,
    error TEXT,
    attrs TEXT,
    started_at DATETIME(6) NOT NULL,
    finished_at DATETIME(6) NULL,
    INDEX idx_tempo_runs_scope_started (scope, started_at)
)`}
	case config.DialectPostgres:
		return []string{`
CREATE TABLE IF NOT EXISTS ` + tableName + ` (
    run_id VARCHAR(64) PRIMARY KEY,
    scope VARCHAR(128) NOT NULL,
    run_key VARCHAR(512) NOT NULL,
    outcome VARCHAR(32) NOT NULL,
    reason TEXT,
    error TEXT,
    attrs TEXT,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_tempo_runs_scope_started ON ` + tableName + `(scope, started_at)`,
		}
	default:
		return []string{`
CREATE TABLE IF NOT EXISTS ` + tableName + ` (
    run_id TEXT PRIMARY KEY,
    scope TEXT NOT NULL,
    run_key TEXT NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT,
    error TEXT,
    attrs TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_tempo_runs_scope_started ON ` + tableName + `(scope, started_at)`,
		}
	}
}

// rebind converts ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != config.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) upsertQuery() string {
	const insert = `INSERT INTO ` + tableName + ` (run_id, scope, run_key, outcome, reason, error, attrs, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == config.DialectMySQL {
		return insert + `
ON DUPLICATE KEY UPDATE outcome = VALUES(outcome), reason = VALUES(reason), error = VALUES(error),
    attrs = VALUES(attrs), finished_at = VALUES(finished_at)`
	}
	return s.rebind(insert + `
ON CONFLICT (run_id) DO UPDATE SET outcome = excluded.outcome, reason = excluded.reason,
    error = excluded.error, attrs = excluded.attrs, finished_at = excluded.finished_at`)
}

func (s *SQLStore) Put(ctx context.Context, e Entry) error {
	attrs, err := json.Marshal(e.Attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attrs: %w", err)
	}

	var finished sql.NullTime
	if !e.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: e.FinishedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.upsertQuery(),
		e.RunID, e.Scope, e.Key, e.Outcome, e.Reason, e.Error, string(attrs),
		e.StartedAt.UTC(), finished)
	if err != nil {
		return fmt.Errorf("failed to store run %s: %w", e.RunID, err)
	}
	return nil
}

const selectColumns = `SELECT run_id, scope, run_key, outcome, reason, error, attrs, started_at, finished_at FROM ` + tableName

func (s *SQLStore) Get(ctx context.Context, runID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE run_id = ?`), runID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return e, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := selectColumns
	var args []any
	if f.Scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, f.Scope)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close is a no-op; the handle belongs to the pool.
func (s *SQLStore) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                     Entry
		reason, errMsg, attrs sql.NullString
		finished              sql.NullTime
		started               time.Time
	)
	if err := sc.Scan(&e.RunID, &e.Scope, &e.Key, &e.Outcome, &reason, &errMsg, &attrs, &started, &finished); err != nil {
		return Entry{}, err
	}
	e.Reason = reason.String
	e.Error = errMsg.String
	e.StartedAt = started
	if finished.Valid {
		e.FinishedAt = finished.Time
	}
	if attrs.Valid && attrs.String != "" && attrs.String != "null" {
		if err := json.Unmarshal([]byte(attrs.String), &e.Attrs); err != nil {
			return Entry{}, fmt.Errorf("failed to decode attrs: %w", err)
		}
	}
	return e, nil
}
