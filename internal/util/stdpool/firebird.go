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

// Package stdpool creates standardized database connections against
// the Firebird source database.
package stdpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/nakagami/firebirdsql" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// FirebirdDSN builds the driver-specific connection string from its
// constituent parts.
func FirebirdDSN(path, user, password string) string {
	return fmt.Sprintf("%s:%s@%s", user, password, path)
}

// OpenFirebird opens a *sql.DB against the source database, waiting
// for it to come up if it is not yet reachable. Unlike the worker
// pool's short-lived per-worker connections, callers that hold this
// connection for the process lifetime (the Instrumenter, the
// Recoverer) should Close it themselves once done.
func OpenFirebird(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("firebirdsql", dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	const maxAttempts = 5
	var pingErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			return db, nil
		}
		log.WithError(pingErr).Info("waiting for source database to become ready")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	db.Close()
	return nil, errors.Wrap(pingErr, "could not ping source database")
}
