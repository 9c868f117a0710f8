package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9602 by default — configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("parley_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("parley_connections_active", "Current active WebSocket connections.", "gauge",
		m.ActiveConnections.Load())
	write("parley_connections_total", "Lifetime WebSocket connections accepted.", "counter",
		m.TotalConnections.Load())
	write("parley_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("parley_connections_replaced_total", "Connections displaced by a reconnect.", "counter",
		m.ConnsReplaced.Load())

	write("parley_auth_success_total", "Successful authentication handshakes.", "counter",
		m.SuccessfulAuths.Load())
	write("parley_auth_failed_total", "Failed authentication handshakes.", "counter",
		m.FailedAuths.Load())

	write("parley_private_messages_total", "Direct messages persisted.", "counter",
		m.PrivateMessages.Load())
	write("parley_group_messages_total", "Group messages persisted.", "counter",
		m.GroupMessages.Load())
	write("parley_fanout_deliveries_total", "Message copies pushed to live connections.", "counter",
		m.FanoutDeliveries.Load())
	write("parley_messages_rejected_total", "Messages rejected before persistence.", "counter",
		m.MessagesRejected.Load())
	write("parley_history_fetches_total", "History requests served.", "counter",
		m.HistoryFetches.Load())
	write("parley_rate_limited_total", "Inbound events dropped by rate limiting.", "counter",
		m.RateLimitedEvents.Load())

	write("parley_room_joins_total", "Group rooms joined.", "counter",
		m.RoomJoins.Load())
	write("parley_room_leaves_total", "Group rooms left.", "counter",
		m.RoomLeaves.Load())

	write("parley_errors_sent_total", "Error events emitted to clients.", "counter",
		m.ErrorsSent.Load())
}
