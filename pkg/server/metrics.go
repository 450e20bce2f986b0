package server

import (
	"sync/atomic"
	"time"
)

// ServerMetrics aggregates metrics across the server.
type ServerMetrics struct {
	// Connections
	ActiveConnections int64
	TotalConnections  int64
	PeakConnections   int64
	Windows           int64

	// Frames
	FramesReceived int64
	FramesSent     int64

	// Network
	BytesReceived int64
	BytesSent     int64

	// Traffic
	CallsReceived  int64
	EventsReceived int64
	EventsDropped  int64
	OutboundCalls  int64

	// Errors
	ProtocolErrors    int64
	HandshakeFailures int64
	RateLimited       int64
	WriteErrors       int64

	// Timestamp
	CollectedAt time.Time
}

// Metrics returns a snapshot of the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	m := s.metrics.Snapshot()
	m.Windows = int64(len(s.registry.Windows()))
	return m
}

// MetricsCollector counts server activity. All methods are safe for
// concurrent use.
type MetricsCollector struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	peakConnections   atomic.Int64
	framesReceived    atomic.Int64
	framesSent        atomic.Int64
	bytesReceived     atomic.Int64
	bytesSent         atomic.Int64
	callsReceived     atomic.Int64
	eventsReceived    atomic.Int64
	eventsDropped     atomic.Int64
	outboundCalls     atomic.Int64
	protocolErrors    atomic.Int64
	handshakeFailures atomic.Int64
	rateLimited       atomic.Int64
	writeErrors       atomic.Int64
}

// NewMetricsCollector creates a new MetricsCollector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordConnectionOpened records a completed handshake.
func (m *MetricsCollector) RecordConnectionOpened() {
	m.totalConnections.Add(1)
	active := m.activeConnections.Add(1)
	for {
		peak := m.peakConnections.Load()
		if active <= peak || m.peakConnections.CompareAndSwap(peak, active) {
			return
		}
	}
}

// RecordConnectionClosed records the end of an active connection.
func (m *MetricsCollector) RecordConnectionClosed() {
	m.activeConnections.Add(-1)
}

// RecordFrameReceived records a decoded inbound frame.
func (m *MetricsCollector) RecordFrameReceived() {
	m.framesReceived.Add(1)
}

// RecordBytesReceived records n bytes read from a transport.
func (m *MetricsCollector) RecordBytesReceived(n int) {
	m.bytesReceived.Add(int64(n))
}

// RecordFrameSent records an outbound frame of n bytes.
func (m *MetricsCollector) RecordFrameSent(n int) {
	m.framesSent.Add(1)
	m.bytesSent.Add(int64(n))
}

// RecordCallReceived records an inbound call.
func (m *MetricsCollector) RecordCallReceived() {
	m.callsReceived.Add(1)
}

// RecordEventReceived records an inbound event.
func (m *MetricsCollector) RecordEventReceived() {
	m.eventsReceived.Add(1)
}

// RecordEventDropped records an event discarded by rate limiting or a full inbox.
func (m *MetricsCollector) RecordEventDropped() {
	m.eventsDropped.Add(1)
}

// RecordOutboundCall records a server→client call.
func (m *MetricsCollector) RecordOutboundCall() {
	m.outboundCalls.Add(1)
}

// RecordProtocolError records a connection closed for a protocol violation.
func (m *MetricsCollector) RecordProtocolError() {
	m.protocolErrors.Add(1)
}

// RecordHandshakeFailure records a rejected handshake.
func (m *MetricsCollector) RecordHandshakeFailure() {
	m.handshakeFailures.Add(1)
}

// RecordRateLimited records a call rejected by rate limiting.
func (m *MetricsCollector) RecordRateLimited() {
	m.rateLimited.Add(1)
}

// RecordWriteError records a failed transport write.
func (m *MetricsCollector) RecordWriteError() {
	m.writeErrors.Add(1)
}

// Snapshot returns the current metrics.
func (m *MetricsCollector) Snapshot() *ServerMetrics {
	return &ServerMetrics{
		ActiveConnections: m.activeConnections.Load(),
		TotalConnections:  m.totalConnections.Load(),
		PeakConnections:   m.peakConnections.Load(),
		FramesReceived:    m.framesReceived.Load(),
		FramesSent:        m.framesSent.Load(),
		BytesReceived:     m.bytesReceived.Load(),
		BytesSent:         m.bytesSent.Load(),
		CallsReceived:     m.callsReceived.Load(),
		EventsReceived:    m.eventsReceived.Load(),
		EventsDropped:     m.eventsDropped.Load(),
		OutboundCalls:     m.outboundCalls.Load(),
		ProtocolErrors:    m.protocolErrors.Load(),
		HandshakeFailures: m.handshakeFailures.Load(),
		RateLimited:       m.rateLimited.Load(),
		WriteErrors:       m.writeErrors.Load(),
		CollectedAt:       time.Now(),
	}
}

// Reset zeroes all counters except the active connection gauge.
func (m *MetricsCollector) Reset() {
	m.totalConnections.Store(0)
	m.peakConnections.Store(m.activeConnections.Load())
	m.framesReceived.Store(0)
	m.framesSent.Store(0)
	m.bytesReceived.Store(0)
	m.bytesSent.Store(0)
	m.callsReceived.Store(0)
	m.eventsReceived.Store(0)
	m.eventsDropped.Store(0)
	m.outboundCalls.Store(0)
	m.protocolErrors.Store(0)
	m.handshakeFailures.Store(0)
	m.rateLimited.Store(0)
	m.writeErrors.Store(0)
}
