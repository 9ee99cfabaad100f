// Package metrics holds the Prometheus collectors exported on the debug
// listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions  = promauto.NewGauge(prometheus.GaugeOpts{Name: "fwdproxy_active_sessions", Help: "Sessions currently registered"})
	SessionsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "fwdproxy_sessions_total", Help: "Finished sessions by outcome"}, []string{"outcome"})
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "fwdproxy_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.001, 2, 20)})
	RelayedBytes    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "fwdproxy_relayed_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	AcceptErrors    = promauto.NewCounter(prometheus.CounterOpts{Name: "fwdproxy_accept_errors_total", Help: "Temporary accept errors"})
	SSHTransports   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "fwdproxy_ssh_transports_total", Help: "SSH upstream transport events"}, []string{"event"})
)

// Relay directions used as RelayedBytes labels.
const (
	DirectionUpstream   = "client_to_upstream"
	DirectionDownstream = "upstream_to_client"
)

// SSHTransports events.
const (
	SSHEstablished = "established"
	SSHFailed      = "failed"
	SSHDropped     = "dropped"
)
