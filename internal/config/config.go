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

// Package config contains the user-visible configuration for running
// the CDC agent. Every field is bound to a command-line flag; the
// Preflight method validates the combination before the Supervisor
// begins connecting.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// DatabaseConfig describes how to reach the Firebird source database.
type DatabaseConfig struct {
	Path     string
	User     string
	Password string
	Charset  string
}

// Bind registers the database flags.
func (c *DatabaseConfig) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.Path, "dbPath", "", "path or DSN of the Firebird database to instrument")
	flags.StringVar(&c.User, "dbUser", "sysdba", "Firebird user name")
	flags.StringVar(&c.Password, "dbPassword", "masterkey", "Firebird password")
	flags.StringVar(&c.Charset, "dbCharset", "UTF8", "Firebird connection charset")
}

// Preflight validates the database configuration.
func (c *DatabaseConfig) Preflight() error {
	if c.Path == "" {
		return errors.New("dbPath unset")
	}
	return nil
}

// WorkerConfig controls the worker pool and the Intake cursor.
type WorkerConfig struct {
	Count         int
	InitialCursor uint64
}

// Bind registers the worker flags.
func (c *WorkerConfig) Bind(flags *pflag.FlagSet) {
	flags.IntVar(&c.Count, "workers", 10, "number of worker goroutines hydrating and sending changes")
	flags.Uint64Var(&c.InitialCursor, "intakeCursor", 0, "initial log_id cursor for Intake; 0 drains from the beginning")
}

// Preflight validates the worker configuration.
func (c *WorkerConfig) Preflight() error {
	if c.Count <= 0 {
		return errors.New("workers must be positive")
	}
	return nil
}

// SenderConfig controls the HTTPS delivery subsystem.
type SenderConfig struct {
	Endpoint              string
	APIKey                string
	BufferPath            string
	EnableBackgroundRetry bool
	MaxRetries            int
	BaseRetryDelay        time.Duration
	MaxRetryDelay         time.Duration
	BackgroundInterval    time.Duration
}

// Bind registers the sender flags.
func (c *SenderConfig) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.Endpoint, "cloudEndpoint", "", "HTTPS ingest endpoint to deliver change events to")
	flags.StringVar(&c.APIKey, "apiKey", "", "bearer token sent with every request")
	flags.StringVar(&c.BufferPath, "bufferPath", "apis_agent_buffer.db", "path to the local SQLite buffer file, or ':memory:'")
	flags.BoolVar(&c.EnableBackgroundRetry, "backgroundRetry", true, "enable the background buffer-retry sweeper")
	flags.IntVar(&c.MaxRetries, "maxRetries", 5, "maximum inline send attempts before buffering")
	flags.DurationVar(&c.BaseRetryDelay, "baseRetryDelay", time.Second, "base exponential backoff delay")
	flags.DurationVar(&c.MaxRetryDelay, "maxRetryDelay", 60*time.Second, "maximum exponential backoff delay")
	flags.DurationVar(&c.BackgroundInterval, "backgroundRetryInterval", 30*time.Second, "interval between background sweeps of the local buffer")
}

// Preflight validates the sender configuration.
func (c *SenderConfig) Preflight() error {
	if c.Endpoint == "" {
		return errors.New("cloudEndpoint unset")
	}
	if c.MaxRetries <= 0 {
		return errors.New("maxRetries must be positive")
	}
	return nil
}

// Config is the complete, user-visible configuration for the agent.
type Config struct {
	Database DatabaseConfig
	Workers  WorkerConfig
	Sender   SenderConfig

	Reset        bool
	ResetAndExit bool
}

// Bind registers every flag in the configuration tree.
func (c *Config) Bind(flags *pflag.FlagSet) {
	c.Database.Bind(flags)
	c.Workers.Bind(flags)
	c.Sender.Bind(flags)

	flags.BoolVar(&c.Reset, "reset", false, "tear down existing instrumentation before starting normally")
	flags.BoolVar(&c.ResetAndExit, "reset-and-exit", false, "tear down existing instrumentation and exit")
}

// Preflight validates the whole configuration tree.
func (c *Config) Preflight() error {
	if err := c.Database.Preflight(); err != nil {
		return errors.Wrap(err, "database")
	}
	if err := c.Workers.Preflight(); err != nil {
		return errors.Wrap(err, "workers")
	}
	// reset-and-exit never talks to the cloud endpoint, so the sender
	// configuration need not be valid in that mode.
	if !c.ResetAndExit {
		if err := c.Sender.Preflight(); err != nil {
			return errors.Wrap(err, "sender")
		}
	}
	return nil
}
