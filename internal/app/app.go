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

// Package app wires the Instrumenter, Recoverer, Intake, worker pool,
// and Sender into a single Supervisor that owns the process lifetime.
package app

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/nakagami/firebirdsql"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tblake333/apis-agent/internal/config"
	"github.com/tblake333/apis-agent/internal/fbevents"
	"github.com/tblake333/apis-agent/internal/instrument"
	"github.com/tblake333/apis-agent/internal/intake"
	"github.com/tblake333/apis-agent/internal/recover"
	"github.com/tblake333/apis-agent/internal/sender"
	"github.com/tblake333/apis-agent/internal/types"
	"github.com/tblake333/apis-agent/internal/util/stdpool"
	"github.com/tblake333/apis-agent/internal/util/stopper"
	"github.com/tblake333/apis-agent/internal/worker"
)

// State enumerates the Supervisor's lifecycle.
type State int

// The Supervisor always moves forward through these states, except
// that any state may transition directly to Error.
const (
	StateInitializing State = iota
	StateConnecting
	StateSchemaReady
	StateRecovering
	StateRunning
	StateDraining
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateConnecting:
		return "Connecting"
	case StateSchemaReady:
		return "SchemaReady"
	case StateRecovering:
		return "Recovering"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Supervisor owns the lifecycle of every pipeline component: it
// connects to the source database, instruments it, replays any
// leftover changes, then runs Intake and the worker pool until
// stopped.
type Supervisor struct {
	cfg config.Config

	state State

	conn   *sql.DB
	sender *sender.Client
	tables *types.TableMap

	queue chan worker.Item
}

// New constructs a Supervisor in the Initializing state.
func New(cfg config.Config) *Supervisor {
	return &Supervisor{cfg: cfg, state: StateInitializing}
}

// State reports the Supervisor's current lifecycle state.
func (s *Supervisor) State() State { return s.state }

func (s *Supervisor) dsn() string {
	return stdpool.FirebirdDSN(s.cfg.Database.Path, s.cfg.Database.User, s.cfg.Database.Password)
}

// openConn opens a short-lived connection suitable for a single
// worker or Intake's reconnect loop: it does not wait for the
// database to come up, since by the time workers are started the
// Supervisor has already established and pinged its own connection.
func (s *Supervisor) openConn() (*sql.DB, error) {
	db, err := sql.Open("firebirdsql", s.dsn())
	if err != nil {
		return nil, errors.Wrap(err, "opening firebird connection")
	}
	return db, nil
}

// RunResetAndExit tears down instrumentation and returns, without
// starting any other component. It is the implementation of
// --reset-and-exit.
func (s *Supervisor) RunResetAndExit(ctx context.Context) error {
	log.Info("resetting database state and exiting")
	conn, err := s.openConn()
	if err != nil {
		return err
	}
	defer conn.Close()
	return instrument.New(conn).Reset(ctx)
}

// Run executes the full Supervisor lifecycle: connect, optionally
// reset, instrument, recover, then run Intake and the worker pool
// until ctx is canceled, at which point it drains in-flight work and
// returns.
func (s *Supervisor) Run(parent context.Context) error {
	ctx := stopper.WithContext(parent)

	s.state = StateConnecting
	log.WithField("path", s.cfg.Database.Path).Info("connecting to database")
	conn, err := stdpool.OpenFirebird(ctx, s.dsn())
	if err != nil {
		s.state = StateError
		return err
	}
	s.conn = conn
	defer conn.Close()
	log.Info("database connection established")

	sendClient, err := sender.New(s.cfg.Sender)
	if err != nil {
		s.state = StateError
		return errors.Wrap(err, "setting up cloud sync")
	}
	s.sender = sendClient
	defer sendClient.Close()

	if stats, err := sendClient.GetBufferStats(ctx); err == nil && stats.PendingCount > 0 {
		log.WithField("count", stats.PendingCount).Info("found buffered events from previous runs")
	}

	if s.cfg.Reset {
		log.Info("resetting database state")
		if err := instrument.New(conn).Reset(ctx); err != nil {
			s.state = StateError
			return errors.Wrap(err, "resetting state")
		}
	}

	s.state = StateSchemaReady
	log.Info("setting up database schema")
	tables, err := instrument.New(conn).Setup(ctx)
	if err != nil {
		s.state = StateError
		return errors.Wrap(err, "setting up schema")
	}
	s.tables = tables
	log.Info("database schema setup completed")

	s.state = StateRecovering
	hydrator := worker.NewHydrator(conn, tables, sendClient)
	if err := recover.New(conn, hydrator).Run(ctx); err != nil {
		s.state = StateError
		return errors.Wrap(err, "recovering leftover changes")
	}

	s.state = StateRunning
	log.Info("setting up change monitoring")
	s.queue = make(chan worker.Item, 1000)

	in := intake.New(s.openConn, fbevents.Opener(s.dsn(), []string{instrument.EventName}), s.cfg.Workers.InitialCursor, s.queue)

	pool := worker.NewPool(s.cfg.Workers.Count, s.openConn, tables, sendClient, s.queue)
	pool.Run(ctx)

	if s.cfg.Sender.EnableBackgroundRetry {
		ctx.Go(func() error {
			return sendClient.Run(ctx)
		})
	}

	ctx.Go(func() error {
		return in.Run(ctx)
	})

	log.Info("apis-agent is running")

	<-ctx.Stopping()
	return s.drain(ctx)
}

// drain moves the Supervisor through StateDraining to StateStopped:
// it posts one ShutdownSignal per worker, wakes the intake loop with
// a real POST_EVENT (matching the python original's wake-then-join),
// waits for every goroutine launched under ctx, and flushes any
// payloads still sitting in the local buffer.
func (s *Supervisor) drain(ctx *stopper.Context) error {
	s.state = StateDraining
	log.Info("shutting down application")

	for i := 0; i < s.cfg.Workers.Count; i++ {
		select {
		case s.queue <- worker.ShutdownItem():
		default:
		}
	}

	if err := fbevents.PostEvent(context.Background(), s.conn, instrument.EventName); err != nil {
		log.WithError(err).Warn("error waking intake during shutdown")
	}

	if err := ctx.Wait(); err != nil {
		log.WithError(err).Error("error while draining")
	}

	if stats, err := s.sender.GetBufferStats(context.Background()); err == nil && stats.PendingCount > 0 {
		log.WithField("count", stats.PendingCount).Info("attempting to flush buffered events")
		sent, err := s.sender.FlushBuffer(context.Background())
		if err != nil {
			log.WithError(err).Error("error flushing buffer during shutdown")
		} else {
			log.WithField("sent", sent).Info("flushed buffered events")
		}
	}

	s.state = StateStopped
	log.Info("application shutdown completed")
	return nil
}
