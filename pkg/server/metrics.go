package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime WebSocket connections accepted
	ActiveConnections atomic.Int64 // current active connections
	FailedAuths       atomic.Int64 // failed authentication handshakes
	SuccessfulAuths   atomic.Int64 // successful authentication handshakes
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)
	ConnsReplaced     atomic.Int64 // connections displaced by a reconnect

	// Message counters
	PrivateMessages   atomic.Int64 // direct messages persisted
	GroupMessages     atomic.Int64 // group messages persisted
	FanoutDeliveries  atomic.Int64 // individual copies pushed to live connections
	MessagesRejected  atomic.Int64 // messages rejected before persistence
	HistoryFetches    atomic.Int64 // history requests served
	RateLimitedEvents atomic.Int64 // inbound events dropped by rate limiting

	// Room counters
	RoomJoins  atomic.Int64 // join_group operations completed
	RoomLeaves atomic.Int64 // leave_group operations completed

	// Error counters
	ErrorsSent atomic.Int64 // error events emitted to clients
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	ConnsReplaced     int64 `json:"connections_replaced"`

	PrivateMessages   int64 `json:"private_messages"`
	GroupMessages     int64 `json:"group_messages"`
	FanoutDeliveries  int64 `json:"fanout_deliveries"`
	MessagesRejected  int64 `json:"messages_rejected"`
	HistoryFetches    int64 `json:"history_fetches"`
	RateLimitedEvents int64 `json:"rate_limited_events"`

	RoomJoins  int64 `json:"room_joins"`
	RoomLeaves int64 `json:"room_leaves"`

	ErrorsSent int64 `json:"errors_sent"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		ConnsReplaced:     m.ConnsReplaced.Load(),
		PrivateMessages:   m.PrivateMessages.Load(),
		GroupMessages:     m.GroupMessages.Load(),
		FanoutDeliveries:  m.FanoutDeliveries.Load(),
		MessagesRejected:  m.MessagesRejected.Load(),
		HistoryFetches:    m.HistoryFetches.Load(),
		RateLimitedEvents: m.RateLimitedEvents.Load(),
		RoomJoins:         m.RoomJoins.Load(),
		RoomLeaves:        m.RoomLeaves.Load(),
		ErrorsSent:        m.ErrorsSent.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"private_msgs", s.PrivateMessages,
		"group_msgs", s.GroupMessages,
		"fanout", s.FanoutDeliveries,
		"errors_sent", s.ErrorsSent,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
