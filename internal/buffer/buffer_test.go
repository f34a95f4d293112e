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

package buffer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Local {
	t.Helper()
	l, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAddAndGetPendingIsFIFO(t *testing.T) {
	ctx := context.Background()
	l := open(t)

	id1, err := l.Add(ctx, json.RawMessage(`{"n":1}`), "")
	require.NoError(t, err)
	id2, err := l.Add(ctx, json.RawMessage(`{"n":2}`), "boom")
	require.NoError(t, err)

	pending, err := l.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, id1, pending[0].ID)
	require.Equal(t, id2, pending[1].ID)
	require.Equal(t, "boom", pending[1].LastError)
}

func TestMarkSentRemovesEnvelope(t *testing.T) {
	ctx := context.Background()
	l := open(t)

	id, err := l.Add(ctx, json.RawMessage(`{}`), "")
	require.NoError(t, err)
	require.NoError(t, l.MarkSent(ctx, id))

	n, err := l.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMarkFailedIncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	l := open(t)

	id, err := l.Add(ctx, json.RawMessage(`{}`), "")
	require.NoError(t, err)
	require.NoError(t, l.MarkFailed(ctx, id, "retry failed"))

	pending, err := l.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
	require.Equal(t, "retry failed", pending[0].LastError)
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	l := open(t)

	_, err := l.Add(ctx, json.RawMessage(`{}`), "")
	require.NoError(t, err)
	_, err = l.Add(ctx, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	n, err := l.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	count, err := l.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestMemoryBufferSurvivesAcrossCalls(t *testing.T) {
	// Regression for the in-memory special case: every call must see
	// the same database instead of a fresh, empty one.
	ctx := context.Background()
	l := open(t)

	for i := 0; i < 5; i++ {
		_, err := l.Add(ctx, json.RawMessage(`{}`), "")
		require.NoError(t, err)
	}
	n, err := l.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}
