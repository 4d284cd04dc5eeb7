// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics collects client-side call statistics. A nil *metrics is valid and
// records nothing.
type metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	sockets  prometheus.Gauge
	pending  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpcwire",
				Subsystem: "client",
				Name:      "calls_total",
				Help:      "Total number of RPC calls by transport, result pattern and outcome",
			},
			[]string{"transport", "pattern", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rpcwire",
				Subsystem: "client",
				Name:      "call_duration_seconds",
				Help:      "RPC call duration in seconds, retries included",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"transport", "pattern"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpcwire",
				Subsystem: "client",
				Name:      "retries_total",
				Help:      "Total number of retried attempts",
			},
			[]string{"transport"},
		),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcwire",
			Subsystem: "socket",
			Name:      "open",
			Help:      "Number of open sockets",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcwire",
			Subsystem: "socket",
			Name:      "pending_requests",
			Help:      "Number of in-flight socket requests",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.calls, m.duration, m.retries, m.sockets, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsCancellation(err):
		return "cancelled"
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return "request_error"
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "network_error"
	}
	return "error"
}

func (m *metrics) observeCall(transport string, pattern ResultPattern, start time.Time, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(transport, pattern.String(), outcome(err)).Inc()
	m.duration.WithLabelValues(transport, pattern.String()).Observe(time.Since(start).Seconds())
}

func (m *metrics) retried(transport string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(transport).Inc()
}

func (m *metrics) socketOpened() {
	if m == nil {
		return
	}
	m.sockets.Inc()
}

func (m *metrics) socketClosed() {
	if m == nil {
		return
	}
	m.sockets.Dec()
}

func (m *metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
