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

package sender

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tblake333/apis-agent/internal/config"
	"github.com/tblake333/apis-agent/internal/types"
)

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	cfg := config.SenderConfig{
		Endpoint:           endpoint,
		BufferPath:         ":memory:",
		MaxRetries:         3,
		BaseRetryDelay:     time.Millisecond,
		MaxRetryDelay:      5 * time.Millisecond,
		BackgroundInterval: time.Hour,
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSendDeliversOnFirstSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	delivered, err := c.SendInsert(context.Background(), "ITEMS", []types.RowValue{{Kind: types.RowInt, Int: 1}}, time.Now())
	require.NoError(t, err)
	require.True(t, delivered)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSendBuffersAfterExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	delivered, err := c.SendInsert(context.Background(), "ITEMS", []types.RowValue{{Kind: types.RowInt, Int: 1}}, time.Now())
	require.NoError(t, err)
	require.False(t, delivered)

	stats, err := c.GetBufferStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingCount)
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	delivered, err := c.SendInsert(context.Background(), "ITEMS", nil, time.Now())
	require.NoError(t, err)
	require.True(t, delivered)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestFlushBufferSendsEverything(t *testing.T) {
	up := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if up.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.SendInsert(context.Background(), "ITEMS", nil, time.Now())
	require.NoError(t, err)

	up.Store(true)
	sent, err := c.FlushBuffer(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	stats, err := c.GetBufferStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.PendingCount)
}

func TestHealthProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.True(t, c.Health(context.Background()))
}
