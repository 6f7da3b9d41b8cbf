package service

import (
	"time"

	"github.com/turtacn/arena-realtime/pkg/constants"
)

// Metrics defines the interface for collecting gateway metrics.
// This abstraction keeps the application layer independent of Prometheus.
type Metrics interface {
	// RecordAdmission records the outcome of a connection attempt.
	RecordAdmission(allowed bool, reason constants.ReasonCode)

	// ConnectionOpened and ConnectionClosed track the number of live sessions.
	ConnectionOpened()
	ConnectionClosed()

	// RecordMessage records a message verdict.
	RecordMessage(allowed bool, reason constants.ReasonCode)

	// RecordStoreError records a failed store round trip.
	RecordStoreError(operation string)

	// RecordStoreLatency records the duration of a store round trip.
	RecordStoreLatency(operation string, d time.Duration)

	// RecordHeartbeatTimeout records a connection closed for missing pongs.
	RecordHeartbeatTimeout()

	// RecordFailOpen records a decision taken without the store.
	RecordFailOpen(stage string)
}

type noopMetrics struct{}

// NewNoopMetrics returns a Metrics that discards everything.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordAdmission(bool, constants.ReasonCode)   {}
func (noopMetrics) ConnectionOpened()                            {}
func (noopMetrics) ConnectionClosed()                            {}
func (noopMetrics) RecordMessage(bool, constants.ReasonCode)     {}
func (noopMetrics) RecordStoreError(string)                      {}
func (noopMetrics) RecordStoreLatency(string, time.Duration)     {}
func (noopMetrics) RecordHeartbeatTimeout()                      {}
func (noopMetrics) RecordFailOpen(string)                        {}
