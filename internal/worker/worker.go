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

// Package worker implements the fixed-size pool of goroutines that
// hydrates and delivers Changes pulled off Intake's queue. Each
// worker owns its own database connection; there is no per-table
// handler hierarchy, only a table/primary-key lookup via TableMap.
package worker

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tblake333/apis-agent/internal/instrument"
	"github.com/tblake333/apis-agent/internal/metrics"
	"github.com/tblake333/apis-agent/internal/sender"
	"github.com/tblake333/apis-agent/internal/types"
	"github.com/tblake333/apis-agent/internal/util/stopper"
)

// Hydrator re-reads the current row named by a Change from the source
// database and delivers it through a sender.Client. It implements
// types.ChangeSource and is shared by the worker pool and the
// Recoverer so both drive changes through identical delivery logic.
type Hydrator struct {
	db     *sql.DB
	tables *types.TableMap
	send   *sender.Client
}

// NewHydrator constructs a Hydrator bound to a single database
// connection. Workers each own their own Hydrator/connection pair;
// the Recoverer uses one Hydrator against its own connection.
func NewHydrator(db *sql.DB, tables *types.TableMap, send *sender.Client) *Hydrator {
	return &Hydrator{db: db, tables: tables, send: send}
}

// Deliver hydrates the row referenced by change (for INSERT/UPDATE) or
// just its primary-key value (for DELETE), then hands the result to
// the Sender. It never retries in-process; a delivery failure is
// returned to the caller, who leaves the change unmarked so the
// Recoverer can rediscover and redeliver it later.
func (h *Hydrator) Deliver(ctx context.Context, change types.Change) error {
	table, ok := h.tables.TableName(change.TableID)
	if !ok {
		return errors.Errorf("no table registered for table id %d", change.TableID)
	}
	pkColumn, ok := h.tables.PrimaryKey(table)
	if !ok {
		return errors.Errorf("no primary key registered for table %s", table)
	}

	switch change.Mutation {
	case types.MutationDelete:
		pkValue, err := types.RowValueFromAny(change.PKVal)
		if err != nil {
			return errors.Wrap(err, "converting primary key value")
		}
		if _, err := h.send.SendDelete(ctx, table, pkColumn, pkValue, change.OccurredAt); err != nil {
			return errors.Wrapf(err, "sending delete for %s", table)
		}
	case types.MutationInsert, types.MutationUpdate:
		row, err := h.hydrateRow(ctx, table, pkColumn, change.PKVal)
		if err != nil {
			return errors.Wrapf(err, "hydrating row for %s", table)
		}
		var sendErr error
		if change.Mutation == types.MutationInsert {
			_, sendErr = h.send.SendInsert(ctx, table, row, change.OccurredAt)
		} else {
			_, sendErr = h.send.SendUpdate(ctx, table, row, change.OccurredAt)
		}
		if sendErr != nil {
			return errors.Wrapf(sendErr, "sending %s for %s", change.Mutation, table)
		}
	default:
		return errors.Errorf("unrecognized mutation kind %v", change.Mutation)
	}
	return nil
}

// hydrateRow re-reads the current row identified by pkValue from
// table and converts every column into a RowValue, preserving column
// order. If the row is no longer present (a hydration race with a
// later delete), it returns a nil slice rather than an error: the
// caller still delivers the change, with row_data rendered as JSON
// null.
func (h *Hydrator) hydrateRow(ctx context.Context, table, pkColumn string, pkValue int64) ([]types.RowValue, error) {
	query := "SELECT * FROM " + table + " WHERE " + pkColumn + " = ?"
	rows, err := h.db.QueryContext(ctx, query, pkValue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	out := make([]types.RowValue, len(cols))
	for i, v := range raw {
		rv, err := types.RowValueFromAny(v)
		if err != nil {
			return nil, errors.Wrapf(err, "column %s", cols[i])
		}
		out[i] = rv
	}
	return out, nil
}

// markProcessed flips PROCESSED on a single CHANGES_LOG row.
func markProcessed(ctx context.Context, db *sql.DB, logID uint64) error {
	_, err := db.ExecContext(ctx, "UPDATE "+instrument.ChangesLogTable+" SET PROCESSED = 1 WHERE LOG_ID = ?", logID)
	return err
}

// ShutdownSignal is the typed value workers recognize as a request to
// drain and exit, replacing an untyped nil-in-the-channel sentinel.
type ShutdownSignal struct{}

// Item is what travels on the worker queue: either a Change to
// process, enqueued by Intake, or a ShutdownSignal requesting the
// worker exit, enqueued by the Supervisor.
type Item struct {
	Change   *types.Change
	Shutdown *ShutdownSignal
}

// ChangeItem wraps a Change for enqueueing.
func ChangeItem(c types.Change) Item { return Item{Change: &c} }

// ShutdownItem is the typed shutdown value enqueued once per worker
// at drain time.
func ShutdownItem() Item { return Item{Shutdown: &ShutdownSignal{}} }

// Pool is a fixed-size set of worker goroutines draining a shared
// queue of Items.
type Pool struct {
	count  int
	open   func() (*sql.DB, error)
	tables *types.TableMap
	send   *sender.Client
	queue  <-chan Item
}

// NewPool constructs a Pool. open is called once per worker to obtain
// that worker's private database connection.
func NewPool(count int, open func() (*sql.DB, error), tables *types.TableMap, send *sender.Client, queue <-chan Item) *Pool {
	return &Pool{count: count, open: open, tables: tables, send: send, queue: queue}
}

// Run launches every worker goroutine under ctx and returns without
// waiting for them. Each worker exits when it receives a
// ShutdownSignal, the queue is closed, or ctx is stopped; ctx.Wait
// blocks until all of them have exited.
func (p *Pool) Run(ctx *stopper.Context) {
	for i := 0; i < p.count; i++ {
		id := i
		ctx.Go(func() error {
			return p.runWorker(ctx, id)
		})
	}
}

func (p *Pool) runWorker(ctx *stopper.Context, id int) error {
	workerID := uuid.NewString()
	logger := log.WithFields(log.Fields{"worker": id, "session": workerID})

	db, err := p.open()
	if err != nil {
		return errors.Wrapf(err, "worker %d opening connection", id)
	}
	defer db.Close()

	hydrator := NewHydrator(db, p.tables, p.send)

	for {
		select {
		case <-ctx.Stopping():
			return nil
		case item, ok := <-p.queue:
			if !ok {
				return nil
			}
			if item.Shutdown != nil {
				logger.Info("worker received shutdown signal, exiting")
				return nil
			}
			p.process(ctx, logger, db, hydrator, *item.Change)
		}
	}
}

func (p *Pool) process(ctx context.Context, logger *log.Entry, db *sql.DB, hydrator *Hydrator, change types.Change) {
	table, _ := p.tables.TableName(change.TableID)

	if err := hydrator.Deliver(ctx, change); err != nil {
		// Left PROCESSED = 0: a genuine delivery failure (lost source
		// connection mid-hydrate, unregistered table, etc.) must be
		// rediscovered and redelivered by the Recoverer on the next
		// process restart, not dropped. The Sender's own offline
		// buffering path returns nil here, so a poisoned row still
		// cannot wedge the queue - only a real failure defers to
		// Recoverer.
		logger.WithError(err).WithField("table", table).Error("failed to deliver change")
		metrics.ChangesFailed.WithLabelValues(table, "deliver").Inc()
		return
	}
	metrics.ChangesDelivered.WithLabelValues(table, change.Mutation.String()).Inc()

	if err := markProcessed(ctx, db, change.LogID); err != nil {
		logger.WithError(err).WithField("log_id", change.LogID).Error("failed to mark change processed")
	}
}
