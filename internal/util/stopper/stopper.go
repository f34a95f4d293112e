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

// Package stopper provides a goroutine-tracking context that can be
// drained on shutdown.
package stopper

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// A Context tracks goroutines launched with Go so that, after Stop,
// Wait can block until they have all finished.
type Context struct {
	context.Context

	cancel context.CancelFunc
	mu     struct {
		sync.Mutex
		err error
	}
	wg sync.WaitGroup
}

// WithContext returns a new Context derived from parent.
func WithContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{Context: ctx, cancel: cancel}
}

// Go launches fn in its own goroutine. If fn returns a non-nil error,
// the Context is stopped and the error is recorded.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.mu.Lock()
			if c.mu.err == nil {
				c.mu.err = err
			}
			c.mu.Unlock()
			c.cancel()
		}
	}()
}

// Stopping returns a channel that is closed once Stop has been called
// or the parent context has been canceled.
func (c *Context) Stopping() <-chan struct{} {
	return c.Done()
}

// Stop requests cancellation of the Context without waiting for
// goroutines to finish. Use Wait to block until they have.
func (c *Context) Stop() {
	c.cancel()
}

// Wait blocks until every goroutine launched with Go has returned.
func (c *Context) Wait() error {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.err
}

// ErrStopped may be returned by long-running loops once Stopping has
// been observed closed.
var ErrStopped = errors.New("stopper: context stopped")
