package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/metrics"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/scan"
)

const (
	// idleSessionMaxAge is how long a session survives with no connected
	// clients. Scanning stops the moment the last client disconnects; the
	// grace period only preserves the device list for quick reconnects.
	idleSessionMaxAge = 30 * time.Second
	reapInterval      = 30 * time.Second
)

// EventPublisher pushes scan events to the UI clients of one session.
type EventPublisher interface {
	Publish(sessionUUID uuid.UUID, event domain.ScanEvent)
}

type scanSession struct {
	mgr            *scan.Manager
	lastDisconnect time.Time // zero while at least one client is connected
}

// Service is the application layer service.
type Service struct {
	engine    domain.DecodeEngine
	media     domain.MediaSource
	books     domain.BookRepository
	lookup    domain.MetadataLookup
	publisher EventPublisher
	clock     clockwork.Clock
	scanCfg   scan.Config

	activationGroup singleflight.Group

	mu       sync.Mutex
	sessions map[uuid.UUID]*scanSession

	reapStopCh chan struct{}
	stopOnce   sync.Once
}

// NewService creates the application layer service. engine may be nil when
// the decode engine is not initialized yet; scan sessions surface that as a
// retryable error.
func NewService(engine domain.DecodeEngine, media domain.MediaSource, books domain.BookRepository, lookup domain.MetadataLookup, publisher EventPublisher, clock clockwork.Clock, scanCfg scan.Config) *Service {
	s := &Service{
		engine:     engine,
		media:      media,
		books:      books,
		lookup:     lookup,
		publisher:  publisher,
		clock:      clock,
		scanCfg:    scanCfg,
		sessions:   make(map[uuid.UUID]*scanSession),
		reapStopCh: make(chan struct{}),
	}

	s.startReapTimer()
	return s
}

// EnsureScanSession creates the scan session if it does not exist yet, or
// resumes it. Uses singleflight to collapse concurrent activations for the
// same session.
func (s *Service) EnsureScanSession(ctx context.Context, sessionUUID uuid.UUID) error {
	_, err, _ := s.activationGroup.Do(sessionUUID.String(), func() (any, error) {
		s.mu.Lock()
		if sess, exists := s.sessions[sessionUUID]; exists {
			sess.lastDisconnect = time.Time{}
			s.mu.Unlock()
			return nil, nil
		}
		s.mu.Unlock()

		mgr := scan.New(s.engine, s.media, s.clock, s.scanCfg, s.sessionCallbacks(sessionUUID))

		s.mu.Lock()
		s.sessions[sessionUUID] = &scanSession{mgr: mgr}
		s.mu.Unlock()

		metrics.ScanSessionsCreatedTotal.Inc()
		slog.Info("Scan session created", "session_uuid", sessionUUID.String())
		return nil, nil
	})
	return err
}

// sessionCallbacks wires a session's manager to the event stream. An accepted
// detection stops scanning: the consumer contract is at most one detection
// per scan.
func (s *Service) sessionCallbacks(sessionUUID uuid.UUID) scan.Callbacks {
	return scan.Callbacks{
		OnState: func(state domain.SessionState) {
			s.publisher.Publish(sessionUUID, domain.ScanEvent{Type: domain.EventState, State: &state})
		},
		OnDetected: func(isbn string) {
			metrics.ScanDetectionsTotal.WithLabelValues("accepted").Inc()
			s.publisher.Publish(sessionUUID, domain.ScanEvent{Type: domain.EventDetected, ISBN: isbn})
			if err := s.StopScanning(sessionUUID); err != nil {
				slog.Error("Stop after detection failed", "session_uuid", sessionUUID.String(), "error", err)
			}
		},
		OnRejected: func(raw string) {
			metrics.ScanDetectionsTotal.WithLabelValues("rejected").Inc()
			s.publisher.Publish(sessionUUID, domain.ScanEvent{Type: domain.EventRejected, Raw: raw})
		},
		OnClose: func() {
			slog.Info("Scan session closed", "session_uuid", sessionUUID.String())
		},
	}
}

func (s *Service) session(sessionUUID uuid.UUID) (*scan.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, exists := s.sessions[sessionUUID]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return sess.mgr, nil
}

// SessionState returns the current state snapshot of a session.
func (s *Service) SessionState(sessionUUID uuid.UUID) (domain.SessionState, error) {
	mgr, err := s.session(sessionUUID)
	if err != nil {
		return domain.SessionState{}, err
	}
	return mgr.State(), nil
}

// EnumerateDevices triggers device discovery; the result arrives as a state
// event.
func (s *Service) EnumerateDevices(sessionUUID uuid.UUID) error {
	mgr, err := s.session(sessionUUID)
	if err != nil {
		return err
	}
	mgr.EnumerateDevices()
	return nil
}

// SelectDevice switches the session to a known capture device.
func (s *Service) SelectDevice(sessionUUID uuid.UUID, deviceID string) error {
	mgr, err := s.session(sessionUUID)
	if err != nil {
		return err
	}

	known := false
	for _, d := range mgr.State().Devices {
		if d.ID == deviceID {
			known = true
			break
		}
	}
	if !known {
		return domain.ErrUnknownDevice
	}

	mgr.SelectDevice(deviceID)
	return nil
}

// StartScanning starts the session's decode loop.
func (s *Service) StartScanning(sessionUUID uuid.UUID) error {
	mgr, err := s.session(sessionUUID)
	if err != nil {
		return err
	}
	return mgr.StartScanning()
}

// StopScanning stops the session's decode loop and releases the camera.
func (s *Service) StopScanning(sessionUUID uuid.UUID) error {
	mgr, err := s.session(sessionUUID)
	if err != nil {
		return err
	}
	mgr.StopScanning()
	return nil
}

// OnSessionEmpty is called when the last client disconnects from a session.
// The camera is released immediately; the session itself lingers for
// idleSessionMaxAge so a quick reconnect keeps its device list.
func (s *Service) OnSessionEmpty(sessionUUID uuid.UUID) {
	s.mu.Lock()
	sess, exists := s.sessions[sessionUUID]
	if !exists {
		s.mu.Unlock()
		return
	}
	sess.lastDisconnect = s.clock.Now()
	mgr := sess.mgr
	s.mu.Unlock()

	mgr.StopScanning()
	slog.Info("Scan session idle", "session_uuid", sessionUUID.String())
}

// ReapIdleSessions closes sessions whose last client disconnected longer than
// idleSessionMaxAge ago.
func (s *Service) ReapIdleSessions() {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []*scanSession
	for id, sess := range s.sessions {
		if !sess.lastDisconnect.IsZero() && now.Sub(sess.lastDisconnect) > idleSessionMaxAge {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.mgr.Close()
	}
	if len(expired) > 0 {
		metrics.ScanSessionsReapedTotal.Add(float64(len(expired)))
		slog.Info("Reaped idle scan sessions", "count", len(expired))
	}
}

func (s *Service) startReapTimer() {
	ticker := s.clock.NewTicker(reapInterval)
	go func() {
		for {
			select {
			case <-ticker.Chan():
				s.ReapIdleSessions()
			case <-s.reapStopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the reap timer and closes all sessions.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.reapStopCh)
	})

	s.mu.Lock()
	sessions := make([]*scanSession, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mgr.Close()
	}
}
