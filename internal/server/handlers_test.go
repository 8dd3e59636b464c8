package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/app"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/broadcast"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/catalog"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/config"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/devicesim"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/scan"
)

// stubLookup is a scriptable domain.MetadataLookup.
type stubLookup struct {
	meta *domain.BookMetadata
	err  error
}

func (s *stubLookup) LookupISBN(_ context.Context, isbn string) (*domain.BookMetadata, error) {
	if s.err != nil {
		return nil, s.err
	}
	meta := *s.meta
	meta.ISBN = isbn
	return &meta, nil
}

type testEnv struct {
	t *testing.T

	srv         *Server
	svc         *app.Service
	broadcaster *broadcast.Broadcaster
	engine      *devicesim.Engine
	media       *devicesim.Platform
	store       *catalog.InMemoryStore
	lookup      *stubLookup
	clock       *clockwork.FakeClock
}

type envOption func(*config.Config)

func withPerIPLimit(limit int) envOption {
	return func(cfg *config.Config) { cfg.MaxConnectionsPerIP = limit }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := &config.Config{
		AppEnv:                  "test",
		Port:                    "0",
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     50,
		MaxClientsPerSession:    10,
		ConnectionRatePerSecond: 1000,
		ConnectionRateBurst:     1000,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clock := clockwork.NewFakeClock()
	engine := devicesim.NewEngine(
		domain.CaptureDevice{ID: "cam-front", Label: "Front Camera"},
		domain.CaptureDevice{ID: "cam-back", Label: "Back Camera"},
	)
	media := devicesim.NewPlatform()
	store := catalog.NewInMemoryStore(clock)
	lookup := &stubLookup{meta: &domain.BookMetadata{Title: "Neuromancer", Authors: []string{"William Gibson"}}}

	// Same wiring as main: broadcaster callbacks drive session activation
	// state and idle teardown.
	var (
		svc *app.Service
		b   *broadcast.Broadcaster
	)
	b = broadcast.NewBroadcaster(
		func(sessionUUID uuid.UUID) {
			state, err := svc.SessionState(sessionUUID)
			if err != nil {
				return
			}
			b.Publish(sessionUUID, domain.ScanEvent{Type: domain.EventState, State: &state})
		},
		func(sessionUUID uuid.UUID) {
			svc.OnSessionEmpty(sessionUUID)
		},
		clockwork.NewRealClock(),
		cfg.MaxClientsPerSession,
	)
	svc = app.NewService(engine, media, store, lookup, b, clock, scan.DefaultConfig())

	t.Cleanup(b.Stop)
	t.Cleanup(svc.Stop)

	return &testEnv{
		t:           t,
		srv:         NewServer(cfg, svc, b),
		svc:         svc,
		broadcaster: b,
		engine:      engine,
		media:       media,
		store:       store,
		lookup:      lookup,
		clock:       clock,
	}
}

// request runs an HTTP request through the full middleware chain.
func (env *testEnv) request(method, path string, body any) *httptest.ResponseRecorder {
	env.t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(env.t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	env.srv.echo.ServeHTTP(rec, req)
	return rec
}

// createSession creates a scan session via the API and returns its UUID.
func (env *testEnv) createSession() uuid.UUID {
	env.t.Helper()

	rec := env.request("POST", "/api/scan/sessions", nil)
	require.Equal(env.t, 201, rec.Code)

	var resp createSessionResponse
	require.NoError(env.t, json.Unmarshal(rec.Body.Bytes(), &resp))

	sessionUUID, err := uuid.Parse(resp.SessionUUID)
	require.NoError(env.t, err)
	return sessionUUID
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
