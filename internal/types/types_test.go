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

package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMutationKind(t *testing.T) {
	tcs := []struct {
		in   string
		want MutationKind
		ok   bool
	}{
		{"INSERT", MutationInsert, true},
		{"UPDATE", MutationUpdate, true},
		{"DELETE", MutationDelete, true},
		{"GARBAGE", MutationUnknown, false},
	}
	for _, tc := range tcs {
		got, err := ParseMutationKind(tc.in)
		if tc.ok {
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.in, got.String())
		} else {
			assert.Error(t, err)
		}
	}
}

func TestRowValueMarshalJSON(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tcs := []struct {
		name string
		v    RowValue
		want string
	}{
		{"null", RowValue{Kind: RowNull}, "null"},
		{"int", RowValue{Kind: RowInt, Int: 42}, "42"},
		{"float", RowValue{Kind: RowFloat, Float: 3.5}, "3.5"},
		{"text", RowValue{Kind: RowText, Text: "hi"}, `"hi"`},
		{"timestamp", RowValue{Kind: RowTimestamp, Time: ts}, `"` + ts.Format(time.RFC3339Nano) + `"`},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := json.Marshal(tc.v)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestRowValueFromAny(t *testing.T) {
	v, err := RowValueFromAny(int64(7))
	require.NoError(t, err)
	assert.Equal(t, RowInt, v.Kind)
	assert.Equal(t, int64(7), v.Int)

	v, err = RowValueFromAny(nil)
	require.NoError(t, err)
	assert.Equal(t, RowNull, v.Kind)

	_, err = RowValueFromAny(struct{}{})
	assert.Error(t, err)
}

func TestTableMap(t *testing.T) {
	m := NewTableMap(map[int]string{0: "ITEMS"}, map[string]string{"ITEMS": "ITEM_ID"})
	name, ok := m.TableName(0)
	require.True(t, ok)
	assert.Equal(t, "ITEMS", name)

	pk, ok := m.PrimaryKey("ITEMS")
	require.True(t, ok)
	assert.Equal(t, "ITEM_ID", pk)

	_, ok = m.TableName(99)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}
