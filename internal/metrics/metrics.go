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

// Package metrics defines the Prometheus collectors exposed by the
// agent. Pipeline stages update these at their boundaries; nothing
// else in the tree registers its own collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ChangesObserved is a per-table counter for CHANGES_LOG rows. It
	// is registered with the other collectors, but no component in
	// this tree increments it, so it stays at zero.
	ChangesObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apis_agent",
		Subsystem: "intake",
		Name:      "changes_observed_total",
		Help:      "Number of CHANGES_LOG rows consumed from the source database, by table.",
	}, []string{"table"})

	// ChangesDelivered counts changes a worker handed to the Sender
	// without error, by table and mutation kind. That includes changes
	// the Sender buffered locally after exhausting its retries.
	ChangesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apis_agent",
		Subsystem: "worker",
		Name:      "changes_delivered_total",
		Help:      "Number of changes handed to the Sender without error (sent or buffered locally), by table and mutation kind.",
	}, []string{"table", "mutation"})

	// ChangesFailed counts changes a worker could not hydrate or
	// deliver, by table and failure reason.
	ChangesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apis_agent",
		Subsystem: "worker",
		Name:      "changes_failed_total",
		Help:      "Number of changes abandoned by a worker without delivery, by table and reason.",
	}, []string{"table", "reason"})

	// BufferDepth is the number of rows currently waiting in the local
	// buffer for redelivery.
	BufferDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "apis_agent",
		Subsystem: "buffer",
		Name:      "pending_depth",
		Help:      "Number of envelopes currently held in the local buffer.",
	})

	// SendRetries counts inline retry attempts made by the Sender
	// before either delivering or buffering a payload.
	SendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "apis_agent",
		Subsystem: "sender",
		Name:      "retries_total",
		Help:      "Number of inline retry attempts made before delivery or buffering.",
	})

	// SendFailures counts payloads that exhausted inline retries and
	// were buffered instead of delivered.
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "apis_agent",
		Subsystem: "sender",
		Name:      "buffered_total",
		Help:      "Number of payloads buffered locally after exhausting inline retries.",
	})

	// RecoveredChanges counts rows the Recoverer drained from
	// CHANGES_LOG at startup.
	RecoveredChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "apis_agent",
		Subsystem: "recover",
		Name:      "drained_total",
		Help:      "Number of leftover CHANGES_LOG rows replayed by the Recoverer at startup.",
	})

	// InstrumentedTables is the number of tables the Instrumenter
	// successfully wired a trigger for.
	InstrumentedTables = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "apis_agent",
		Subsystem: "instrument",
		Name:      "tables_instrumented",
		Help:      "Number of user tables with an active CDC trigger.",
	})
)

// Registerer is implemented by *prometheus.Registry and the default
// registry returned by prometheus.DefaultRegisterer.
type Registerer interface {
	MustRegister(...prometheus.Collector)
}

// MustRegister registers every collector declared in this package. It
// is called once from main; tests that construct components directly
// may skip it since the collectors are safe to use unregistered.
func MustRegister(r Registerer) {
	r.MustRegister(
		ChangesObserved,
		ChangesDelivered,
		ChangesFailed,
		BufferDepth,
		SendRetries,
		SendFailures,
		RecoveredChanges,
		InstrumentedTables,
	)
}
