/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package metrics holds the Prometheus collectors shared by the channel
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pvchan"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Ring metrics
	RecordsPushed *prometheus.CounterVec
	RecordsPopped *prometheus.CounterVec
	RingFull      *prometheus.CounterVec

	// Notification metrics
	NotifySent   *prometheus.CounterVec
	NotifyElided *prometheus.CounterVec
	Handled      *prometheus.CounterVec

	// Connection metrics
	Transitions *prometheus.CounterVec
	Faults      *prometheus.CounterVec

	// Grant metrics
	GrantOps     *prometheus.CounterVec
	GrantsActive *prometheus.GaugeVec

	// Keyed protocol metrics
	KVRoundTrip *prometheus.HistogramVec
	KVErrors    *prometheus.CounterVec
}

// New registers all collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler; tests pass a private
// registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsPushed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_records_pushed_total",
				Help:      "Records or stream chunks published by a ring producer",
			},
			[]string{"lane"},
		),
		RecordsPopped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_records_popped_total",
				Help:      "Records or stream chunks consumed from a ring",
			},
			[]string{"lane"},
		),
		RingFull: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_full_total",
				Help:      "Push attempts that found the ring full",
			},
			[]string{"lane"},
		),
		NotifySent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_sent_total",
				Help:      "Doorbell signals sent after a push",
			},
			[]string{"lane"},
		),
		NotifyElided: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_elided_total",
				Help:      "Pushes that did not need to ring the doorbell",
			},
			[]string{"lane"},
		),
		Handled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_handled_total",
				Help:      "Handler invocations after coalescing",
			},
			[]string{"domain"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_transitions_total",
				Help:      "Connection state transitions",
			},
			[]string{"role", "from", "to"},
		),
		Faults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_faults_total",
				Help:      "Rejected peer observations",
			},
			[]string{"role"},
		),
		GrantOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grant_operations_total",
				Help:      "Grant ledger operations by outcome",
			},
			[]string{"op", "result"},
		),
		GrantsActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "grants_outstanding",
				Help:      "Grants not yet revoked plus foreign mappings held",
			},
			[]string{"domain", "kind"},
		),
		KVRoundTrip: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "kv_round_trip_seconds",
				Help:      "Keyed request round trip latency",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
			[]string{"op"},
		),
		KVErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kv_errors_total",
				Help:      "Keyed requests that failed",
			},
			[]string{"op", "kind"},
		),
	}
}

// Pushed records one publish on lane and whether it rang the doorbell.
func (m *Metrics) Pushed(lane string, notified bool) {
	if m == nil {
		return
	}
	m.RecordsPushed.WithLabelValues(lane).Inc()
	if notified {
		m.NotifySent.WithLabelValues(lane).Inc()
	} else {
		m.NotifyElided.WithLabelValues(lane).Inc()
	}
}

// Popped records one consume on lane.
func (m *Metrics) Popped(lane string) {
	if m == nil {
		return
	}
	m.RecordsPopped.WithLabelValues(lane).Inc()
}

// Full records a push that hit a full ring.
func (m *Metrics) Full(lane string) {
	if m == nil {
		return
	}
	m.RingFull.WithLabelValues(lane).Inc()
}

// HandlerRan records a coalesced handler invocation.
func (m *Metrics) HandlerRan(domain string) {
	if m == nil {
		return
	}
	m.Handled.WithLabelValues(domain).Inc()
}

// Transition records a state change.
func (m *Metrics) Transition(role, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(role, from, to).Inc()
}

// Fault records a rejected observation.
func (m *Metrics) Fault(role string) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(role).Inc()
}

// GrantOp records a ledger operation. err == nil counts as "ok".
func (m *Metrics) GrantOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GrantOps.WithLabelValues(op, result).Inc()
}

// SetOutstanding sets the outstanding grant and mapping gauges for domain.
func (m *Metrics) SetOutstanding(domain string, grants, mappings int) {
	if m == nil {
		return
	}
	m.GrantsActive.WithLabelValues(domain, "grant").Set(float64(grants))
	m.GrantsActive.WithLabelValues(domain, "mapping").Set(float64(mappings))
}

// ObserveKV records a keyed request that started at start.
func (m *Metrics) ObserveKV(op string, start time.Time, errKind string) {
	if m == nil {
		return
	}
	m.KVRoundTrip.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errKind != "" {
		m.KVErrors.WithLabelValues(op, errKind).Inc()
	}
}
