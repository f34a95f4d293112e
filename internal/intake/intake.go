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

// Package intake waits for Firebird POST_EVENT notifications on
// CHANGES_LOG and pushes newly-observed rows onto the worker queue in
// LOG_ID order.
package intake

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tblake333/apis-agent/internal/instrument"
	"github.com/tblake333/apis-agent/internal/types"
	"github.com/tblake333/apis-agent/internal/util/stopper"
	"github.com/tblake333/apis-agent/internal/worker"
)

// Conduit abstracts the Firebird event-wait mechanism so Intake can
// be driven by a fake in tests. A production Conduit is built over
// firebirdsql's event-subscription extension (see package fbevents);
// Wait blocks until POST_EVENT fires or ctx is done.
type Conduit interface {
	Wait(ctx context.Context) error
	Close() error
}

// ConduitOpener opens a fresh Conduit, analogous to the Python
// driver's conn.event_conduit context manager. A production opener
// subscribes against the same DSN Intake uses for its catch-up
// queries; it takes no arguments because the subscription is
// independent of any particular *sql.DB connection.
type ConduitOpener func() (Conduit, error)

// Intake is a single-goroutine loop that waits for CHANGES_LOG
// INSERT notifications and enqueues the newly visible rows.
type Intake struct {
	open        func() (*sql.DB, error)
	openConduit ConduitOpener
	pos         uint64
	out         chan<- worker.Item

	db *sql.DB
}

// New constructs an Intake starting from LOG_ID cursor pos. open
// creates a fresh connection (used both initially and after a
// database error forces a reconnect); openConduit opens a fresh event
// subscription, independent of that connection.
func New(open func() (*sql.DB, error), openConduit ConduitOpener, pos uint64, out chan<- worker.Item) *Intake {
	return &Intake{open: open, openConduit: openConduit, pos: pos, out: out}
}

// Run drives the intake loop until ctx is stopped. On any database
// error it discards the current connection and retries; the loop only
// exits cleanly when ctx.Stopping() fires.
func (in *Intake) Run(ctx *stopper.Context) error {
	log.WithField("table", instrument.ChangesLogTable).Info("starting intake")
	defer in.closeConn()

	for {
		select {
		case <-ctx.Stopping():
			log.Info("stopping changes intake")
			return nil
		default:
		}

		if err := in.runOnce(ctx); err != nil {
			log.WithError(err).Error("error in intake loop")
			in.closeConn()
			select {
			case <-ctx.Stopping():
				return nil
			default:
				log.Info("retrying after database error")
				continue
			}
		}
	}
}

// runOnce opens a connection and conduit if needed, waits for one
// event, and processes whatever rows are now visible.
func (in *Intake) runOnce(ctx *stopper.Context) error {
	if in.db == nil {
		db, err := in.open()
		if err != nil {
			return errors.Wrap(err, "opening intake connection")
		}
		in.db = db
	}

	conduit, err := in.openConduit()
	if err != nil {
		return errors.Wrap(err, "opening event conduit")
	}
	defer conduit.Close()

	if err := conduit.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for event")
	}
	log.Debug("received change event")

	select {
	case <-ctx.Stopping():
		return nil
	default:
	}

	return in.processChanges(ctx)
}

// processChanges queries CHANGES_LOG for rows at or beyond the
// current cursor and enqueues them, advancing the cursor by the
// number of rows seen.
func (in *Intake) processChanges(ctx context.Context) error {
	query := "SELECT LOG_ID, PK_VAL, TABLE_ID, MUTATION, OCCURRED_AT FROM " +
		instrument.ChangesLogTable + " WHERE LOG_ID >= ? AND PROCESSED = 0 ORDER BY LOG_ID ASC"

	log.WithField("pos", in.pos).Debug("current position")
	rows, err := in.db.QueryContext(ctx, query, in.pos)
	if err != nil {
		return errors.Wrap(err, "processing changes")
	}
	defer rows.Close()

	var n uint64
	for rows.Next() {
		var (
			c        types.Change
			mutation string
		)
		if err := rows.Scan(&c.LogID, &c.PKVal, &c.TableID, &mutation, &c.OccurredAt); err != nil {
			return err
		}
		kind, err := types.ParseMutationKind(mutation)
		if err != nil {
			return errors.Wrapf(err, "log id %d", c.LogID)
		}
		c.Mutation = kind

		select {
		case in.out <- worker.ChangeItem(c):
		case <-ctx.Done():
			return nil
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	in.pos += n
	return nil
}

func (in *Intake) closeConn() {
	if in.db == nil {
		return
	}
	if err := in.db.Close(); err != nil {
		log.WithError(err).Error("error closing intake connection")
	}
	in.db = nil
}
