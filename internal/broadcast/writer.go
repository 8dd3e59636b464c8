package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	idleWarnAfter     = 4 * time.Minute
	idleDropAfter     = 5 * time.Minute
	messageBufferSize = 16
)

// idleWarningPayload is pushed as a regular scan event one minute before an
// idle client is dropped, so the UI can surface it next to the session state.
var idleWarningPayload = func() []byte {
	data, _ := json.Marshal(domain.ScanEvent{
		Type:    domain.EventIdleWarning,
		Message: "Scanner connection idle. It closes after one more minute without activity.",
	})
	return data
}()

// clientWriter owns all writes to one WebSocket client: scan event fanout,
// pings and the idle policy. The broadcaster feeds it through send; nothing
// else may write to the connection while the write loop runs.
type clientWriter struct {
	conn  *websocket.Conn
	clock clockwork.Clock
	send  chan []byte
	done  chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup

	idleMu   sync.Mutex
	lastSeen time.Time
	warned   bool
}

func newClientWriter(conn *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		conn:     conn,
		clock:    clock,
		send:     make(chan []byte, messageBufferSize),
		done:     make(chan struct{}),
		lastSeen: clock.Now(),
	}
	cw.installPongHandler()
	cw.wg.Add(1)
	go cw.writeLoop()
	return cw
}

func (cw *clientWriter) writeLoop() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.send:
			if !ok {
				return
			}
			start := cw.clock.Now()
			cw.pushWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(cw.clock.Since(start).Seconds())
		case <-ticker.Chan():
			if cw.idleExpired() {
				return
			}
			cw.pushWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.done)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing. The write loop
// is stopped first so the close frame never races a fanout write.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.done)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.pushWriteDeadline()
		_ = cw.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.conn.Close()
	})
}

// installPongHandler treats every pong as client activity for the idle policy.
func (cw *clientWriter) installPongHandler() {
	cw.pushReadDeadline()
	cw.conn.SetPongHandler(func(string) error {
		cw.pushReadDeadline()
		cw.markActive()
		return nil
	})
}

func (cw *clientWriter) pushWriteDeadline() {
	_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) pushReadDeadline() {
	_ = cw.conn.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}

// markActive resets the idle clock and re-arms the warning.
func (cw *clientWriter) markActive() {
	cw.idleMu.Lock()
	defer cw.idleMu.Unlock()
	cw.lastSeen = cw.clock.Now()
	cw.warned = false
}

// idleExpired applies the idle policy on each ping tick: past idleWarnAfter
// the client gets one idle_warning event, past idleDropAfter the connection
// is reported expired and torn down by the caller.
func (cw *clientWriter) idleExpired() bool {
	cw.idleMu.Lock()
	idle := cw.clock.Since(cw.lastSeen)
	warned := cw.warned
	cw.idleMu.Unlock()

	if idle >= idleDropAfter {
		metrics.WebSocketIdleDisconnects.Inc()
		return true
	}

	if !warned && idle >= idleWarnAfter {
		cw.pushWriteDeadline()
		if err := cw.conn.WriteMessage(websocket.TextMessage, idleWarningPayload); err == nil {
			cw.idleMu.Lock()
			cw.warned = true
			cw.idleMu.Unlock()
		}
	}

	return false
}
