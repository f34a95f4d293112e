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

// Command apis-agent runs the CDC pipeline against a Firebird
// point-of-sale database, delivering row mutations to a cloud
// endpoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/tblake333/apis-agent/internal/app"
	"github.com/tblake333/apis-agent/internal/config"
	"github.com/tblake333/apis-agent/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg config.Config
	flags := pflag.NewFlagSet("apis-agent", pflag.ContinueOnError)
	cfg.Bind(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.WithError(err).Error("parsing flags")
		return 1
	}

	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return 1
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	sup := app.New(cfg)

	if cfg.ResetAndExit {
		if err := sup.RunResetAndExit(context.Background()); err != nil {
			log.WithError(err).Error("reset failed")
			return 1
		}
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Error("application error")
		return 1
	}
	return 0
}
