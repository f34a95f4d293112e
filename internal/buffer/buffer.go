// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package buffer implements the on-disk FIFO queue that holds payloads
// the Sender could not deliver live. It is the only component backed
// by modernc.org/sqlite; every other piece of the agent talks to the
// Firebird source database or the cloud endpoint.
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"github.com/tblake333/apis-agent/internal/metrics"
	"github.com/tblake333/apis-agent/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	last_retry_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_changes_created_at ON pending_changes(created_at);
`

// Local is a SQLite-backed FIFO buffer for payloads that failed live
// delivery. It is safe for concurrent use; a file-backed Local pools
// connections normally, while a ":memory:" Local pins a single
// connection so the in-memory database is not discarded between
// calls.
type Local struct {
	db *sql.DB
}

// Open creates or opens the local buffer at path. Passing ":memory:"
// yields a private, process-lifetime buffer useful for tests.
func Open(path string) (*Local, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening local buffer")
	}
	if path == ":memory:" {
		// A fresh connection from the pool would see an empty,
		// unrelated in-memory database, so the pool is pinned to
		// exactly one connection for the lifetime of the buffer.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating pending_changes schema")
	}
	l := &Local{db: db}
	// Seed the depth gauge with envelopes left over from previous runs.
	if n, err := l.CountPending(context.Background()); err == nil {
		metrics.BufferDepth.Set(float64(n))
	}
	return l, nil
}

// Add stores a payload that failed delivery, optionally recording the
// error that caused the failure, and returns the new row's ID.
func (l *Local) Add(ctx context.Context, payload json.RawMessage, sendErr string) (int64, error) {
	var lastErr sql.NullString
	if sendErr != "" {
		lastErr = sql.NullString{String: sendErr, Valid: true}
	}
	// created_at is written with a fixed-width fraction so that the
	// text ordering GetPending sorts on matches time ordering.
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO pending_changes (payload, created_at, last_error) VALUES (?, ?, ?)`,
		string(payload), time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), lastErr)
	if err != nil {
		return 0, errors.Wrap(err, "inserting pending change")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading inserted id")
	}
	metrics.BufferDepth.Inc()
	return id, nil
}

// GetPending returns up to limit buffered envelopes in FIFO (oldest
// first) order.
func (l *Local) GetPending(ctx context.Context, limit int) ([]types.BufferedEnvelope, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, payload, created_at, retry_count, last_error, last_retry_at
		 FROM pending_changes ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying pending changes")
	}
	defer rows.Close()

	var out []types.BufferedEnvelope
	for rows.Next() {
		var (
			e         types.BufferedEnvelope
			payload   string
			createdAt string
			lastErr   sql.NullString
			lastRetry sql.NullString
		)
		if err := rows.Scan(&e.ID, &payload, &createdAt, &e.RetryCount, &lastErr, &lastRetry); err != nil {
			return nil, errors.Wrap(err, "scanning pending change")
		}
		e.Payload = json.RawMessage(payload)
		e.LastError = lastErr.String
		if lastRetry.Valid {
			retriedAt, err := time.Parse(time.RFC3339Nano, lastRetry.String)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing last_retry_at for row %d", e.ID)
			}
			e.LastRetryAt = sql.NullTime{Time: retriedAt, Valid: true}
		}
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing created_at for row %d", e.ID)
		}
		e.CreatedAt = parsed
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating pending changes")
	}
	return out, nil
}

// MarkSent deletes a successfully delivered envelope from the buffer.
func (l *Local) MarkSent(ctx context.Context, id int64) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "deleting sent envelope %d", id)
	}
	metrics.BufferDepth.Dec()
	return nil
}

// MarkFailed records another failed retry attempt against an envelope
// without removing it.
func (l *Local) MarkFailed(ctx context.Context, id int64, sendErr string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE pending_changes SET retry_count = retry_count + 1, last_error = ?, last_retry_at = ? WHERE id = ?`,
		sendErr, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errors.Wrapf(err, "recording failed retry for envelope %d", id)
	}
	return nil
}

// CountPending returns the number of envelopes currently buffered.
func (l *Local) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "counting pending changes")
	}
	return n, nil
}

// Clear deletes every buffered envelope and returns the number
// removed. It exists for tests and operator-triggered resets; normal
// operation drains the buffer one envelope at a time via MarkSent.
func (l *Local) Clear(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM pending_changes`)
	if err != nil {
		return 0, errors.Wrap(err, "clearing pending changes")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "reading rows affected")
	}
	metrics.BufferDepth.Set(0)
	return n, nil
}

// Close releases the underlying database handle.
func (l *Local) Close() error {
	if err := l.db.Close(); err != nil {
		log.WithError(err).Warn("error closing local buffer")
		return errors.Wrap(err, "closing local buffer")
	}
	return nil
}
