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

// Package types contains data types and interfaces that define the
// major functional blocks of code within apis-agent. The goal of
// placing the types into this package is to make it easy to compose
// functionality across the Instrumenter, Intake, Processor, and
// Delivery components.
package types

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MutationKind enumerates the row-level operations that the
// instrumentation triggers recognize.
type MutationKind int

// The three mutation kinds a recording trigger may observe.
const (
	MutationUnknown MutationKind = iota
	MutationInsert
	MutationUpdate
	MutationDelete
)

// String implements fmt.Stringer.
func (m MutationKind) String() string {
	switch m {
	case MutationInsert:
		return "INSERT"
	case MutationUpdate:
		return "UPDATE"
	case MutationDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ParseMutationKind converts the VARCHAR value stored in CHANGES_LOG
// back into a MutationKind.
func ParseMutationKind(s string) (MutationKind, error) {
	switch s {
	case "INSERT":
		return MutationInsert, nil
	case "UPDATE":
		return MutationUpdate, nil
	case "DELETE":
		return MutationDelete, nil
	default:
		return MutationUnknown, errors.Errorf("unknown mutation kind %q", s)
	}
}

// A RowValue is a tagged scalar pulled from a database/sql row. It
// replaces the dynamically-typed tuple that the original instrumented
// table's hydration path returns; the wire format produced by
// MarshalJSON is unaffected - it is still a bare JSON scalar.
type RowValue struct {
	Int   int64
	Float float64
	Text  string
	Bytes []byte
	Time  time.Time
	Kind  RowValueKind
}

// RowValueKind discriminates the active field of a RowValue.
type RowValueKind int

// The RowValue variants.
const (
	RowNull RowValueKind = iota
	RowInt
	RowFloat
	RowText
	RowBytes
	RowTimestamp
)

// MarshalJSON implements json.Marshaler. The wire format is a bare
// scalar: fixed-point values become JSON numbers, dates/timestamps
// become ISO-8601 strings, and an absent value becomes null.
func (v RowValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case RowNull:
		return []byte("null"), nil
	case RowInt:
		return json.Marshal(v.Int)
	case RowFloat:
		return json.Marshal(v.Float)
	case RowText:
		return json.Marshal(v.Text)
	case RowBytes:
		return json.Marshal(v.Bytes)
	case RowTimestamp:
		return json.Marshal(v.Time.Format(time.RFC3339Nano))
	default:
		return nil, errors.Errorf("unhandled RowValue kind %d", v.Kind)
	}
}

// RowValueFromAny converts a value produced by database/sql scanning
// into a RowValue, dispatching on its Go type.
func RowValueFromAny(x any) (RowValue, error) {
	switch t := x.(type) {
	case nil:
		return RowValue{Kind: RowNull}, nil
	case int64:
		return RowValue{Kind: RowInt, Int: t}, nil
	case float64:
		return RowValue{Kind: RowFloat, Float: t}, nil
	case string:
		return RowValue{Kind: RowText, Text: t}, nil
	case []byte:
		return RowValue{Kind: RowBytes, Bytes: t}, nil
	case time.Time:
		return RowValue{Kind: RowTimestamp, Time: t}, nil
	default:
		return RowValue{}, errors.Errorf("unsupported column value type %T", x)
	}
}

// Change is the in-memory representation of a single row mutation, as
// decoded from a CHANGES_LOG row by Intake and consumed by exactly one
// worker.
type Change struct {
	LogID      uint64
	PKVal      int64
	TableID    int
	Mutation   MutationKind
	OccurredAt time.Time
	Processed  bool
}

// BufferedEnvelope is a payload that failed live delivery and is
// waiting in the LocalBuffer for retry.
type BufferedEnvelope struct {
	ID          int64
	Payload     json.RawMessage
	CreatedAt   time.Time
	RetryCount  int
	LastError   string
	LastRetryAt sql.NullTime
}

// TableMap is the read-only pair of lookup tables the Instrumenter
// builds once at setup: table_id -> table_name, and
// table_name -> primary_key_column. Only tables with a single INTEGER
// primary-key column are present.
type TableMap struct {
	idToName map[int]string
	nameToPK map[string]string
}

// NewTableMap constructs a TableMap from the id->name assignment and
// the name->pk_column assignment computed during setup.
func NewTableMap(idToName map[int]string, nameToPK map[string]string) *TableMap {
	m := &TableMap{
		idToName: make(map[int]string, len(idToName)),
		nameToPK: make(map[string]string, len(nameToPK)),
	}
	for k, v := range idToName {
		m.idToName[k] = v
	}
	for k, v := range nameToPK {
		m.nameToPK[k] = v
	}
	return m
}

// TableName returns the table name for a table id.
func (m *TableMap) TableName(id int) (string, bool) {
	name, ok := m.idToName[id]
	return name, ok
}

// PrimaryKey returns the primary-key column name for a table.
func (m *TableMap) PrimaryKey(table string) (string, bool) {
	pk, ok := m.nameToPK[table]
	return pk, ok
}

// Len returns the number of instrumented tables.
func (m *TableMap) Len() int { return len(m.idToName) }

// ErrLogNotEmpty is returned by Recoverer when, after draining every
// row with Processed=false and deleting every row with Processed=true,
// CHANGES_LOG is still non-empty. This is a fatal startup condition.
var ErrLogNotEmpty = errors.New("CHANGES_LOG is not empty after recovery")

// A ChangeSource hydrates and delivers a Change. Marking the
// corresponding CHANGES_LOG row processed is left to the caller. Both
// the worker pool and the Recoverer drive Changes through the same
// ChangeSource implementation.
type ChangeSource interface {
	Deliver(ctx context.Context, change Change) error
}
