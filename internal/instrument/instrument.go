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

// Package instrument installs and tears down the CDC triggers,
// sequence, and log table on the Firebird source database. Setup is
// idempotent and best-effort per table; Reset stops at the first
// failure, without undoing earlier drops, and any failure there is
// treated as fatal by the caller.
package instrument

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tblake333/apis-agent/internal/metrics"
	"github.com/tblake333/apis-agent/internal/types"
)

// ChangesLogTable, EventName, and the sequence/trigger names are fixed
// by the trigger SQL below; Intake and Recoverer depend on the exact
// spelling.
const (
	ChangesLogTable = "CHANGES_LOG"
	EventName       = "INTAKE_SIGNAL"
	sequenceName    = "SEQ_CHANGES_LOG"
	intakeTrigger   = "INTAKE_TRIGGER"
)

const createBooleanDomainSQL = `
CREATE DOMAIN BOOLEAN
AS SMALLINT
CHECK (value is null or value in (0, 1))`

const createChangesLogTableSQL = `
CREATE TABLE CHANGES_LOG(
	LOG_ID INT NOT NULL PRIMARY KEY,
	PK_VAL INT NOT NULL,
	TABLE_ID INT NOT NULL,
	MUTATION VARCHAR(31),
	OCCURRED_AT TIMESTAMP,
	PROCESSED BOOLEAN DEFAULT 0
)`

const createSequenceSQL = `CREATE SEQUENCE ` + sequenceName

const createIntakeTriggerSQL = `
CREATE OR ALTER TRIGGER INTAKE_TRIGGER
	FOR CHANGES_LOG
	ACTIVE AFTER INSERT POSITION 10
AS
BEGIN
	POST_EVENT 'INTAKE_SIGNAL';
END`

const tableTriggerSQLTemplate = `
CREATE OR ALTER TRIGGER TABLE_%d_CHANGES
	FOR %s
	ACTIVE AFTER INSERT OR UPDATE OR DELETE POSITION 10
AS
DECLARE VARIABLE primary_key_value INTEGER;
DECLARE VARIABLE mutation VARCHAR(6);
BEGIN
	primary_key_value = CASE
			WHEN INSERTING THEN NEW.%s
			WHEN UPDATING THEN NEW.%s
			WHEN DELETING THEN OLD.%s
			END;
	mutation = CASE
			WHEN INSERTING THEN 'INSERT'
			WHEN UPDATING THEN 'UPDATE'
			WHEN DELETING THEN 'DELETE'
			END;

	INSERT INTO CHANGES_LOG (LOG_ID, PK_VAL, TABLE_ID, MUTATION, OCCURRED_AT)
		VALUES (NEXT VALUE FOR SEQ_CHANGES_LOG, :primary_key_value, %d, :mutation, current_timestamp);
END`

// RDB$FIELD_TYPE codes this agent recognizes as a usable INTEGER
// primary key. Firebird's system catalog stores types numerically;
// see get_column_datatype for the full mapping this is drawn from.
const fieldTypeInteger = 8

// Instrumenter installs and removes the CDC trigger set on the source
// database.
type Instrumenter struct {
	db *sql.DB
}

// New wraps an already-opened Firebird connection.
func New(db *sql.DB) *Instrumenter {
	return &Instrumenter{db: db}
}

// Setup enumerates user tables, creates CHANGES_LOG (and its
// supporting domain, sequence, and intake trigger) if absent, then
// attempts one per-table trigger for every table with a single
// INTEGER primary-key column. A single table's trigger failing to
// install is logged and skipped, never fatal; it simply means that
// table is not instrumented this run.
func (i *Instrumenter) Setup(ctx context.Context) (*types.TableMap, error) {
	tables, err := i.tableNames(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing tables")
	}

	if !contains(tables, ChangesLogTable) {
		log.Info("no CHANGES_LOG table detected, creating one")
		if err := i.createChangesLogTable(ctx); err != nil {
			return nil, errors.Wrap(err, "creating CHANGES_LOG table")
		}
	} else {
		log.Info("CHANGES_LOG table found, skipping creation")
	}

	tableToPK, err := i.tableToPrimaryKey(ctx, tables)
	if err != nil {
		return nil, errors.Wrap(err, "computing table primary keys")
	}

	idToName := make(map[int]string, len(tableToPK))
	nameToPK := make(map[string]string, len(tableToPK))
	// Table ids follow sorted table names so that repeated runs over
	// the same schema assign the same ids.
	names := make([]string, 0, len(tableToPK))
	for table := range tableToPK {
		names = append(names, table)
	}
	sort.Strings(names)
	id := 0
	for _, table := range names {
		pk := tableToPK[table]
		if table == ChangesLogTable {
			continue
		}
		if err := i.createTableTrigger(ctx, table, id, pk); err != nil {
			log.WithError(err).WithField("table", table).Warn("unable to create trigger for table")
			continue
		}
		idToName[id] = table
		nameToPK[table] = pk
		id++
	}

	metrics.InstrumentedTables.Set(float64(len(idToName)))
	return types.NewTableMap(idToName, nameToPK), nil
}

// Reset drops every trigger, the CHANGES_LOG table, its sequence, and
// the BOOLEAN domain. Any failure here leaves the database in an
// inconsistent instrumentation state, so callers should treat a
// non-nil error as fatal.
func (i *Instrumenter) Reset(ctx context.Context) error {
	tables, err := i.tableNames(ctx)
	if err != nil {
		return errors.Wrap(err, "listing tables")
	}
	tableToPK, err := i.tableToPrimaryKey(ctx, tables)
	if err != nil {
		return errors.Wrap(err, "computing table primary keys")
	}

	log.Info("attempting to reset state")
	id := 0
	for table := range tableToPK {
		if table == ChangesLogTable {
			continue
		}
		stmt := fmt.Sprintf("DROP TRIGGER TABLE_%d_CHANGES", id)
		if _, err := i.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "dropping trigger for table %s", table)
		}
		id++
	}
	log.Info("successfully dropped all table triggers")

	log.Info("dropping CHANGES_LOG table and sequence")
	for _, stmt := range []string{
		"DROP TRIGGER " + intakeTrigger,
		"DROP TABLE " + ChangesLogTable,
		"DROP SEQUENCE " + sequenceName,
		"DROP DOMAIN BOOLEAN",
	} {
		if _, err := i.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "executing %q", stmt)
		}
	}
	log.Info("state reset successfully")
	metrics.InstrumentedTables.Set(0)
	return nil
}

func (i *Instrumenter) createChangesLogTable(ctx context.Context) error {
	for _, stmt := range []string{createBooleanDomainSQL, createChangesLogTableSQL, createSequenceSQL, createIntakeTriggerSQL} {
		if _, err := i.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "executing %q", stmt)
		}
	}
	return nil
}

func (i *Instrumenter) createTableTrigger(ctx context.Context, table string, tableID int, pkColumn string) error {
	stmt := fmt.Sprintf(tableTriggerSQLTemplate, tableID, table, pkColumn, pkColumn, pkColumn, tableID)
	_, err := i.db.ExecContext(ctx, stmt)
	return err
}

func (i *Instrumenter) tableNames(ctx context.Context) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT RDB$RELATION_NAME FROM RDB$RELATIONS WHERE RDB$SYSTEM_FLAG = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, strings.TrimSpace(name))
	}
	return names, rows.Err()
}

// tableToPrimaryKey computes, in two passes, the set of tables that
// have exactly one primary-key column and that column is INTEGER: the
// primary-key index segments are read first, then each candidate
// column's RDB$FIELD_TYPE is checked.
func (i *Instrumenter) tableToPrimaryKey(ctx context.Context, tables []string) (map[string]string, error) {
	primaryKeys, err := i.tablePrimaryKeyColumns(ctx)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t] = true
	}

	result := make(map[string]string)
	for table, columns := range primaryKeys {
		if !present[table] {
			continue
		}
		if len(columns) != 1 {
			continue
		}
		column := columns[0]
		fieldType, err := i.columnFieldType(ctx, table, column)
		if err != nil {
			return nil, errors.Wrapf(err, "reading field type for %s.%s", table, column)
		}
		if fieldType != fieldTypeInteger {
			continue
		}
		result[table] = column
	}
	return result, nil
}

// tablePrimaryKeyColumns returns, for every table with a PRIMARY KEY
// constraint, the ordered list of column names that constraint
// covers.
func (i *Instrumenter) tablePrimaryKeyColumns(ctx context.Context) (map[string][]string, error) {
	const query = `
		SELECT ix.rdb$index_name, sg.rdb$field_name, rc.rdb$relation_name
		FROM rdb$indices ix
		LEFT JOIN rdb$index_segments sg ON ix.rdb$index_name = sg.rdb$index_name
		LEFT JOIN rdb$relation_constraints rc ON rc.rdb$index_name = ix.rdb$index_name
		WHERE rc.rdb$constraint_type = 'PRIMARY KEY'`

	rows, err := i.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]string)
	for rows.Next() {
		var indexName, fieldName, tableName string
		if err := rows.Scan(&indexName, &fieldName, &tableName); err != nil {
			return nil, err
		}
		tableName = strings.TrimSpace(tableName)
		result[tableName] = append(result[tableName], strings.TrimSpace(fieldName))
	}
	return result, rows.Err()
}

// columnFieldType returns the RDB$FIELD_TYPE numeric code for the
// named column of table.
func (i *Instrumenter) columnFieldType(ctx context.Context, table, column string) (int, error) {
	const query = `
		SELECT f.RDB$FIELD_TYPE
		FROM RDB$RELATION_FIELDS r
		LEFT JOIN RDB$FIELDS f ON r.RDB$FIELD_SOURCE = f.RDB$FIELD_NAME
		WHERE r.RDB$RELATION_NAME = ?
		AND r.RDB$FIELD_NAME = ?
		ORDER BY r.RDB$FIELD_POSITION`

	var fieldType int
	err := i.db.QueryRowContext(ctx, query, table, column).Scan(&fieldType)
	return fieldType, err
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
