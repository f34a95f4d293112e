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

package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bind(t *testing.T, args ...string) *Config {
	t.Helper()
	var cfg Config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.Bind(flags)
	require.NoError(t, flags.Parse(args))
	return &cfg
}

func TestPreflightRequiresDatabasePath(t *testing.T) {
	cfg := bind(t, "--cloudEndpoint=https://example.com")
	assert.Error(t, cfg.Preflight())
}

func TestPreflightRequiresCloudEndpointUnlessResetAndExit(t *testing.T) {
	cfg := bind(t, "--dbPath=/var/db/pos.fdb")
	assert.Error(t, cfg.Preflight())

	cfg = bind(t, "--dbPath=/var/db/pos.fdb", "--reset-and-exit")
	assert.NoError(t, cfg.Preflight())
}

func TestPreflightRejectsNonPositiveWorkers(t *testing.T) {
	cfg := bind(t, "--dbPath=/var/db/pos.fdb", "--cloudEndpoint=https://example.com", "--workers=0")
	assert.Error(t, cfg.Preflight())
}

func TestPreflightHappyPath(t *testing.T) {
	cfg := bind(t, "--dbPath=/var/db/pos.fdb", "--cloudEndpoint=https://example.com")
	assert.NoError(t, cfg.Preflight())
	assert.Equal(t, 10, cfg.Workers.Count)
	assert.Equal(t, "sysdba", cfg.Database.User)
}
