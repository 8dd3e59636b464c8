package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // UI may be served from a different origin in development
	},
}

// handleWebSocket upgrades the connection and subscribes it to the session's
// scan event stream. The first client of a session triggers session activation
// through the broadcaster's onFirstClient callback.
func (s *Server) handleWebSocket(c echo.Context) error {
	sessionUUID, err := sessionParam(c)
	if err != nil {
		return err
	}

	ip := c.RealIP()
	allowed, reason := s.limits.Acquire(ip)
	if !allowed {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("WebSocket connection rejected", "reason", reason, "ip", ip)

		if reason == LimitReasonGlobal {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "server at capacity"})
		}
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many connections"})
	}
	s.publishLimiterMetrics()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.release(ip)
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Error("WebSocket upgrade failed", "error", err)
		return nil
	}

	// Past this point the response is hijacked; errors are logged, not returned.
	if err := s.app.EnsureScanSession(c.Request().Context(), sessionUUID); err != nil {
		_ = conn.Close()
		s.release(ip)
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Error("Scan session activation failed", "session_uuid", sessionUUID.String(), "error", err)
		return nil
	}

	if err := s.broadcaster.Register(sessionUUID, conn); err != nil {
		// Broadcaster closed the connection already
		s.release(ip)
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Error("WebSocket registration failed", "session_uuid", sessionUUID.String(), "error", err)
		return nil
	}

	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()
	metrics.WebSocketConnectionsCurrent.Inc()
	connectedAt := time.Now()

	// Read pump: the UI never sends data, but reading drives pong handling
	// and detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.broadcaster.Unregister(sessionUUID, conn)
	metrics.WebSocketConnectionsCurrent.Dec()
	metrics.WebSocketConnectionDuration.Observe(time.Since(connectedAt).Seconds())
	s.release(ip)

	return nil
}

func (s *Server) release(ip string) {
	s.limits.Release(ip)
	s.publishLimiterMetrics()
}

func (s *Server) publishLimiterMetrics() {
	metrics.WebSocketConnectionCapacity.Set(s.limits.Global().CapacityPct())
	metrics.WebSocketUniqueIPs.Set(float64(s.limits.PerIP().UniqueIPs()))
}
