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

// Package recover replays any CHANGES_LOG rows left over from a prior
// run before the pipeline starts accepting new events. It runs once,
// synchronously, between Instrumenter.Setup and Intake.Run.
package recover

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tblake333/apis-agent/internal/instrument"
	"github.com/tblake333/apis-agent/internal/metrics"
	"github.com/tblake333/apis-agent/internal/types"
)

// Recoverer drains unprocessed CHANGES_LOG rows left by a previous,
// possibly crashed, run and then asserts the log is empty.
type Recoverer struct {
	db     *sql.DB
	source types.ChangeSource
}

// New constructs a Recoverer. source typically wraps a
// worker.Hydrator bound to db, but any ChangeSource works.
func New(db *sql.DB, source types.ChangeSource) *Recoverer {
	return &Recoverer{db: db, source: source}
}

// Run drains every row with PROCESSED = 0 through the ChangeSource in
// LOG_ID order, marking each row processed only once it is delivered,
// deletes every row with PROCESSED = 1, and returns ErrLogNotEmpty if
// CHANGES_LOG still has rows afterward - a fatal startup condition the
// caller should treat as unrecoverable. A row whose delivery fails
// stays PROCESSED = 0 and therefore produces ErrLogNotEmpty.
func (r *Recoverer) Run(ctx context.Context) error {
	leftover, err := r.leftoverChanges(ctx)
	if err != nil {
		return errors.Wrap(err, "listing leftover changes")
	}
	if len(leftover) > 0 {
		log.WithField("count", len(leftover)).Info("processing leftover mutations")
	}

	for _, change := range leftover {
		if err := r.source.Deliver(ctx, change); err != nil {
			log.WithError(err).WithField("log_id", change.LogID).Error("failed to deliver leftover change")
			continue
		}
		if err := r.markProcessed(ctx, change.LogID); err != nil {
			return errors.Wrapf(err, "marking leftover change %d processed", change.LogID)
		}
		metrics.RecoveredChanges.Inc()
	}

	if err := r.deleteProcessed(ctx); err != nil {
		return errors.Wrap(err, "deleting processed mutations")
	}

	return r.ensureCleanSlate(ctx)
}

func (r *Recoverer) leftoverChanges(ctx context.Context) ([]types.Change, error) {
	query := "SELECT LOG_ID, PK_VAL, TABLE_ID, MUTATION, OCCURRED_AT FROM " +
		instrument.ChangesLogTable + " WHERE PROCESSED = 0 ORDER BY LOG_ID ASC"
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Change
	for rows.Next() {
		var (
			c        types.Change
			mutation string
		)
		if err := rows.Scan(&c.LogID, &c.PKVal, &c.TableID, &mutation, &c.OccurredAt); err != nil {
			return nil, err
		}
		kind, err := types.ParseMutationKind(mutation)
		if err != nil {
			return nil, errors.Wrapf(err, "log id %d", c.LogID)
		}
		c.Mutation = kind
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Recoverer) markProcessed(ctx context.Context, logID uint64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE "+instrument.ChangesLogTable+" SET PROCESSED = 1 WHERE LOG_ID = ?", logID)
	return err
}

// deleteProcessed removes every row already marked PROCESSED = 1,
// mirroring the cleanup a normal worker leaves behind between runs.
func (r *Recoverer) deleteProcessed(ctx context.Context) error {
	log.Info("deleting processed mutations")
	_, err := r.db.ExecContext(ctx, "DELETE FROM "+instrument.ChangesLogTable+" WHERE PROCESSED = 1")
	return err
}

// ensureCleanSlate asserts CHANGES_LOG is empty after recovery. A
// non-empty log at this point means a leftover row could not be
// delivered, a row holds a PROCESSED value other than 0 or 1, or a
// row was logged while recovery ran - a state this agent cannot
// repair automatically, so it is surfaced as a fatal error rather
// than silently dropped or retried.
func (r *Recoverer) ensureCleanSlate(ctx context.Context) error {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+instrument.ChangesLogTable).Scan(&count); err != nil {
		return errors.Wrap(err, "counting CHANGES_LOG rows")
	}
	if count != 0 {
		return types.ErrLogNotEmpty
	}
	return nil
}
