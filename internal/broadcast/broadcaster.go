package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/metrics"
)

const (
	commandTimeout = 5 * time.Second  // actor command timeout
	stopTimeout    = 10 * time.Second // graceful shutdown timeout
)

type sessionClients map[*websocket.Conn]*clientWriter

// broadcasterCmd is the command interface for the Broadcaster actor.
type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type registerCmd struct {
	baseBroadcasterCmd
	sessionUUID  uuid.UUID
	connection   *websocket.Conn
	errorChannel chan error
}

type unregisterCmd struct {
	baseBroadcasterCmd
	sessionUUID uuid.UUID
	connection  *websocket.Conn
}

type publishCmd struct {
	baseBroadcasterCmd
	sessionUUID uuid.UUID
	event       domain.ScanEvent
}

type getClientCountCmd struct {
	baseBroadcasterCmd
	sessionUUID  uuid.UUID
	replyChannel chan int
}

type stopCmd struct {
	baseBroadcasterCmd
}

// Broadcaster manages the WebSocket connections of scan sessions and fans
// published scan events out to every client of the session. Event producers
// never touch connections directly; everything goes through the actor
// goroutine.
type Broadcaster struct {
	cmdCh                chan broadcasterCmd
	clock                clockwork.Clock
	activeClients        map[uuid.UUID]sessionClients
	onFirstClient        func(sessionUUID uuid.UUID)
	onSessionEmpty       func(sessionUUID uuid.UUID)
	done                 chan struct{}
	stopTimeout          time.Duration
	maxClientsPerSession int
}

// NewBroadcaster creates a new broadcaster.
// onFirstClient is called when the first client connects to a session on this instance.
// onSessionEmpty is called when the last client disconnects from a session.
// maxClientsPerSession limits connections per session (prevents resource exhaustion).
func NewBroadcaster(onFirstClient func(uuid.UUID), onSessionEmpty func(uuid.UUID), clock clockwork.Clock, maxClientsPerSession int) *Broadcaster {
	b := &Broadcaster{
		cmdCh:                make(chan broadcasterCmd, 256),
		clock:                clock,
		activeClients:        make(map[uuid.UUID]sessionClients),
		onFirstClient:        onFirstClient,
		onSessionEmpty:       onSessionEmpty,
		done:                 make(chan struct{}),
		stopTimeout:          stopTimeout,
		maxClientsPerSession: maxClientsPerSession,
	}
	go b.run()
	return b
}

// Register adds a client to a session.
// Returns error only if max clients per session is reached.
func (b *Broadcaster) Register(sessionUUID uuid.UUID, conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	b.cmdCh <- registerCmd{sessionUUID: sessionUUID, connection: conn, errorChannel: errCh}

	// Use timeout to prevent blocking forever if broadcaster is stuck
	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a client from a session.
func (b *Broadcaster) Unregister(sessionUUID uuid.UUID, conn *websocket.Conn) {
	b.cmdCh <- unregisterCmd{sessionUUID: sessionUUID, connection: conn}
}

// Publish fans an event out to all clients of a session. Non-blocking for
// the producer; slow clients are evicted rather than awaited.
func (b *Broadcaster) Publish(sessionUUID uuid.UUID, event domain.ScanEvent) {
	b.cmdCh <- publishCmd{sessionUUID: sessionUUID, event: event}
}

// GetClientCount returns the number of connected clients for a session.
// Returns -1 if the command times out.
func (b *Broadcaster) GetClientCount(sessionUUID uuid.UUID) int {
	replyCh := make(chan int, 1)
	b.cmdCh <- getClientCountCmd{sessionUUID: sessionUUID, replyChannel: replyCh}

	// Use timeout to prevent blocking forever if broadcaster is stuck
	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-b.done:
		return -1
	case <-timer.Chan():
		slog.Warn("GetClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop shuts down the broadcaster, closing all client connections.
// Blocks until the broadcaster goroutine has exited or timeout is reached.
func (b *Broadcaster) Stop() {
	b.cmdCh <- stopCmd{}

	// Wait for goroutine to exit with timeout
	timeout := b.clock.NewTimer(b.stopTimeout)
	defer timeout.Stop()

	select {
	case <-b.done:
		slog.Info("Broadcaster stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Broadcaster stop timeout exceeded, forcing exit",
			"timeout", b.stopTimeout,
		)
		metrics.BroadcasterStopTimeoutsTotal.Inc()

		// Force goroutine exit
		close(b.done)

		// Log goroutine leak for debugging
		slog.Error("Broadcaster goroutine may have leaked",
			"active_sessions", len(b.activeClients),
		)
	}
}

func (b *Broadcaster) run() {
	// Panic recovery wrapper
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcaster panic recovered", "panic", r)
			metrics.BroadcasterPanicsTotal.Inc()

			// Attempt graceful cleanup
			b.closeAllClients("broadcaster panic")
		}
	}()

	defer close(b.done)

	// Track command channel depth every second
	depthTicker := b.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(b.cmdCh)
			metrics.BroadcasterCommandChannelDepth.Set(float64(depth))

			if depth > 200 { // 80% of 256
				slog.Warn("Command channel near capacity",
					"depth", depth,
					"capacity", cap(b.cmdCh),
				)
			}

		case cmd := <-b.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				b.handleRegister(c)
			case unregisterCmd:
				b.handleUnregister(c)
			case publishCmd:
				b.handlePublish(c)
			case getClientCountCmd:
				c.replyChannel <- len(b.activeClients[c.sessionUUID])
			case stopCmd:
				b.handleStop()
				return
			default:
				slog.Warn("Broadcaster received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (b *Broadcaster) handleRegister(c registerCmd) {
	clients, exists := b.activeClients[c.sessionUUID]
	if !exists {
		clients = make(sessionClients)
		b.activeClients[c.sessionUUID] = clients
	}

	if len(clients) >= b.maxClientsPerSession {
		slog.Warn("Rejecting client: max clients reached", "session_uuid", c.sessionUUID.String(), "max_clients", b.maxClientsPerSession)
		c.connection.Close()
		c.errorChannel <- fmt.Errorf("max clients per session (%d) reached", b.maxClientsPerSession)
		return
	}

	// Run callback asynchronously to avoid blocking Register
	if !exists && b.onFirstClient != nil {
		go b.onFirstClient(c.sessionUUID)
	}

	cw := newClientWriter(c.connection, b.clock)
	clients[c.connection] = cw

	// Update metrics
	metrics.BroadcasterActiveSessions.Set(float64(len(b.activeClients)))
	metrics.BroadcasterConnectedClients.Inc()

	slog.Debug("Client registered", "session_uuid", c.sessionUUID.String(), "total_clients", len(clients))
	c.errorChannel <- nil
}

func (b *Broadcaster) handleUnregister(c unregisterCmd) {
	clients, exists := b.activeClients[c.sessionUUID]
	if !exists {
		return
	}

	cw, exists := clients[c.connection]
	if !exists {
		return
	}

	cw.stop()
	delete(clients, c.connection)

	// Update metrics
	metrics.BroadcasterConnectedClients.Dec()

	if len(clients) == 0 {
		delete(b.activeClients, c.sessionUUID)
		metrics.BroadcasterActiveSessions.Set(float64(len(b.activeClients)))
		if b.onSessionEmpty != nil {
			b.onSessionEmpty(c.sessionUUID)
		}
		slog.Info("Last client disconnected", "session_uuid", c.sessionUUID.String())
	} else {
		slog.Debug("Client unregistered", "session_uuid", c.sessionUUID.String(), "remaining_clients", len(clients))
	}
}

func (b *Broadcaster) handlePublish(c publishCmd) {
	clients, exists := b.activeClients[c.sessionUUID]
	if !exists || len(clients) == 0 {
		// Session has no listeners (a late event after the last disconnect).
		return
	}

	data, err := json.Marshal(c.event)
	if err != nil {
		slog.Error("Failed to marshal scan event", "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(c.event.Type).Inc()

	var slow []*websocket.Conn
	for conn, writer := range clients {
		select {
		case writer.send <- data:
		default:
			slow = append(slow, conn)
		}
	}

	for _, conn := range slow {
		slog.Warn("Disconnecting slow client", "session_uuid", c.sessionUUID.String())
		metrics.BroadcasterSlowClientsEvicted.Inc()
		cmd := unregisterCmd{sessionUUID: c.sessionUUID, connection: conn}
		b.handleUnregister(cmd)
	}
}

func (b *Broadcaster) handleStop() {
	totalClients := 0
	for _, clients := range b.activeClients {
		totalClients += len(clients)
	}

	slog.Info("Broadcaster shutting down", "sessions", len(b.activeClients), "total_clients", totalClients)

	b.closeAllClients("Server shutting down")

	slog.Info("Broadcaster shutdown complete", "disconnected_clients", totalClients)
}

// closeAllClients closes all client connections with the given reason.
// Used during panic recovery and graceful shutdown.
func (b *Broadcaster) closeAllClients(reason string) {
	for sessionUUID, clients := range b.activeClients {
		for _, cw := range clients {
			cw.stopGraceful(reason)
		}
		delete(b.activeClients, sessionUUID)
		if b.onSessionEmpty != nil {
			b.onSessionEmpty(sessionUUID)
		}
	}
	metrics.BroadcasterActiveSessions.Set(0)
}
