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

// Package fbevents adapts firebirdsql's callback-based POST_EVENT
// subscription to the blocking Wait() shape Intake is written
// against.
package fbevents

import (
	"context"
	"database/sql"

	"github.com/nakagami/firebirdsql"
	"github.com/pkg/errors"

	"github.com/tblake333/apis-agent/internal/intake"
)

// conduit buffers event callbacks onto a channel so Wait can select
// on it alongside ctx.Done().
type conduit struct {
	handler *firebirdsql.EventHandler
	fired   chan struct{}
}

// Opener returns an intake.ConduitOpener bound to dsn and eventNames,
// suitable for passing straight to intake.New.
func Opener(dsn string, eventNames []string) intake.ConduitOpener {
	return func() (intake.Conduit, error) {
		return open(dsn, eventNames)
	}
}

// open subscribes to eventNames on the database identified by dsn.
func open(dsn string, eventNames []string) (*conduit, error) {
	c := &conduit{fired: make(chan struct{}, 1)}

	handler, err := firebirdsql.NewEventHandler(func(names []string, counter int32) {
		select {
		case c.fired <- struct{}{}:
		default:
		}
	}, dsn, eventNames...)
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to firebird events")
	}
	c.handler = handler
	return c, nil
}

// Wait blocks until an event fires or ctx is done.
func (c *conduit) Wait(ctx context.Context) error {
	select {
	case <-c.fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unsubscribes from the event set.
func (c *conduit) Close() error {
	if c.handler == nil {
		return nil
	}
	c.handler.Close()
	return nil
}

// PostEvent fires a named event on db, used by callers (tests,
// shutdown) that need to wake a waiting conduit without a real
// trigger.
func PostEvent(ctx context.Context, db *sql.DB, name string) error {
	stmt := "EXECUTE BLOCK AS BEGIN POST_EVENT '" + name + "'; END"
	_, err := db.ExecContext(ctx, stmt)
	return errors.Wrap(err, "posting event")
}
