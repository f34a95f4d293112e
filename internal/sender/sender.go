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

// Package sender implements the delivery subsystem: an HTTPS client
// that posts change payloads to the cloud ingest endpoint, retrying
// with exponential backoff before falling back to the local buffer,
// plus a background sweeper that retries buffered envelopes.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tblake333/apis-agent/internal/buffer"
	"github.com/tblake333/apis-agent/internal/config"
	"github.com/tblake333/apis-agent/internal/metrics"
	"github.com/tblake333/apis-agent/internal/types"
	"github.com/tblake333/apis-agent/internal/util/stopper"
)

const userAgent = "apis-agent/0.1"

// Envelope is the wire shape posted to the cloud endpoint. RowData
// carries positional column values for INSERT/UPDATE, encoded as JSON
// null when it points at a nil slice (the row was not found); DELETE
// leaves it nil, so it carries only the primary-key column and value.
type Envelope struct {
	Type      string            `json:"type"`
	Table     string            `json:"table"`
	RowData   *[]types.RowValue `json:"row_data,omitempty"`
	PK        string            `json:"primary_key,omitempty"`
	Value     *types.RowValue   `json:"value,omitempty"`
	Timestamp float64           `json:"timestamp"`
}

// Client delivers Envelopes to the cloud endpoint, buffering locally
// on exhausted retries and sweeping the buffer in the background.
type Client struct {
	cfg        config.SenderConfig
	httpClient *http.Client
	buf        *buffer.Local
}

// New constructs a Client and opens its local buffer. If
// cfg.EnableBackgroundRetry is set, Run must be called (typically via
// ctx.Go) to drive the sweeper.
func New(cfg config.SenderConfig) (*Client, error) {
	buf, err := buffer.Open(cfg.BufferPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening sender's local buffer")
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		buf:        buf,
	}, nil
}

// Close releases the local buffer.
func (c *Client) Close() error {
	return c.buf.Close()
}

// SendInsert delivers an INSERT envelope.
func (c *Client) SendInsert(ctx context.Context, table string, row []types.RowValue, occurredAt time.Time) (bool, error) {
	return c.Send(ctx, Envelope{Type: "INSERT", Table: table, RowData: &row, Timestamp: unixSeconds(occurredAt)})
}

// SendUpdate delivers an UPDATE envelope.
func (c *Client) SendUpdate(ctx context.Context, table string, row []types.RowValue, occurredAt time.Time) (bool, error) {
	return c.Send(ctx, Envelope{Type: "UPDATE", Table: table, RowData: &row, Timestamp: unixSeconds(occurredAt)})
}

// SendDelete delivers a DELETE envelope, which carries only the
// primary-key column and its value.
func (c *Client) SendDelete(ctx context.Context, table, pk string, value types.RowValue, occurredAt time.Time) (bool, error) {
	return c.Send(ctx, Envelope{Type: "DELETE", Table: table, PK: pk, Value: &value, Timestamp: unixSeconds(occurredAt)})
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Send marshals env and attempts delivery with inline retries. If
// every attempt fails, the payload is durably buffered and Send
// returns (false, nil): buffering, not an error result, is how a
// failed live send is reported to callers. Send only returns a
// non-nil error if marshaling fails or if the payload cannot be
// written to the local buffer.
func (c *Client) Send(ctx context.Context, env Envelope) (bool, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return false, errors.Wrap(err, "marshaling envelope")
	}

	if c.sendWithRetry(ctx, payload) {
		return true, nil
	}

	if _, err := c.buf.Add(ctx, payload, "max retries exceeded"); err != nil {
		return false, errors.Wrap(err, "buffering envelope after exhausted retries")
	}
	metrics.SendFailures.Inc()
	pending, _ := c.buf.CountPending(ctx)
	log.WithField("pending", pending).Warn("buffered change event for later retry")
	return false, nil
}

// sendWithRetry posts payload up to cfg.MaxRetries times, backing off
// exponentially between attempts per cenkalti/backoff/v4.
func (c *Client) sendWithRetry(ctx context.Context, payload []byte) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BaseRetryDelay
	policy.MaxInterval = c.cfg.MaxRetryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.1
	// Reset so the first delay starts from BaseRetryDelay rather than
	// the library default captured at construction.
	policy.Reset()

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if c.postOnce(ctx, payload) {
			if attempt > 0 {
				log.WithField("attempts", attempt+1).Info("sent after retry")
			}
			return true
		}

		if attempt < c.cfg.MaxRetries-1 {
			delay := policy.NextBackOff()
			metrics.SendRetries.Inc()
			log.WithFields(log.Fields{"attempt": attempt + 1, "delay": delay}).Debug("retrying send")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
		}
	}
	return false
}

// postOnce performs a single HTTPS POST. It never returns an error:
// any failure - network, status code, context cancellation - is
// logged and treated as a retryable miss by the caller.
func (c *Client) postOnce(ctx context.Context, payload []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		log.WithError(err).Error("building request")
		return false
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Error("sending change")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return true
	default:
		log.WithField("status", resp.StatusCode).Warn("unexpected response status")
		return false
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.APIKey))
	}
}

// Health reports whether the cloud endpoint's /health probe responds
// with 200. It never gates Send.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL(), nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) healthURL() string {
	endpoint := c.cfg.Endpoint
	for len(endpoint) > 0 && endpoint[len(endpoint)-1] == '/' {
		endpoint = endpoint[:len(endpoint)-1]
	}
	return endpoint + "/health"
}

// Run drives the background sweeper until ctx is stopped. Callers
// that disable background retry need not call Run.
func (c *Client) Run(ctx *stopper.Context) error {
	ticker := time.NewTicker(c.cfg.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Stopping():
			return nil
		case <-ticker.C:
			if err := c.retryBuffered(ctx); err != nil {
				log.WithError(err).Error("background retry sweep failed")
			}
		}
	}
}

func (c *Client) retryBuffered(ctx context.Context) error {
	pending, err := c.buf.GetPending(ctx, 50)
	if err != nil {
		return errors.Wrap(err, "listing pending changes")
	}
	if len(pending) == 0 {
		return nil
	}
	log.WithField("count", len(pending)).Info("retrying buffered events")

	for _, envelope := range pending {
		select {
		case <-ctx.Stopping():
			return nil
		default:
		}

		if c.postOnce(ctx, envelope.Payload) {
			if err := c.buf.MarkSent(ctx, envelope.ID); err != nil {
				return errors.Wrapf(err, "marking envelope %d sent", envelope.ID)
			}
			continue
		}
		if err := c.buf.MarkFailed(ctx, envelope.ID, "retry failed"); err != nil {
			return errors.Wrapf(err, "marking envelope %d failed", envelope.ID)
		}
	}
	return nil
}

// FlushBuffer attempts to deliver up to 1000 of the oldest buffered
// envelopes immediately and returns the number successfully sent.
func (c *Client) FlushBuffer(ctx context.Context) (int, error) {
	pending, err := c.buf.GetPending(ctx, 1000)
	if err != nil {
		return 0, errors.Wrap(err, "listing pending changes")
	}

	sent := 0
	for _, envelope := range pending {
		if c.postOnce(ctx, envelope.Payload) {
			if err := c.buf.MarkSent(ctx, envelope.ID); err != nil {
				return sent, errors.Wrapf(err, "marking envelope %d sent", envelope.ID)
			}
			sent++
			continue
		}
		if err := c.buf.MarkFailed(ctx, envelope.ID, "flush retry failed"); err != nil {
			return sent, errors.Wrapf(err, "marking envelope %d failed", envelope.ID)
		}
	}
	return sent, nil
}

// BufferStats summarizes the local buffer and connectivity for
// operator visibility.
type BufferStats struct {
	PendingCount int
	Endpoint     string
	Connected    bool
}

// GetBufferStats reports the current buffer depth and endpoint
// reachability.
func (c *Client) GetBufferStats(ctx context.Context) (BufferStats, error) {
	pending, err := c.buf.CountPending(ctx)
	if err != nil {
		return BufferStats{}, errors.Wrap(err, "counting pending changes")
	}
	return BufferStats{
		PendingCount: pending,
		Endpoint:     c.cfg.Endpoint,
		Connected:    c.Health(ctx),
	}, nil
}
