package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/platform/retry"
)

// User-facing error messages surfaced in session state.
const (
	msgPermissionDenied = "Camera access was denied. Grant camera permission and retry."
	msgNoDevices        = "No camera devices were found."
	msgEngineMissing    = "The barcode scanner is not initialized yet. Try again in a moment."
)

var errStreamNotReady = errors.New("capture stream not exposed yet")

// Config holds timing knobs for the manager.
type Config struct {
	// SettleDelay is the wait between releasing the previous device's stream
	// and restarting on a newly selected device, giving the hardware time to
	// fully let go of the old stream.
	SettleDelay time.Duration

	// StreamPollBackoff and StreamPollAttempts drive the fallback poll that
	// captures the stream handle when the engine does not expose it at start.
	StreamPollBackoff  time.Duration
	StreamPollAttempts int
}

// DefaultConfig returns the default manager timing configuration.
func DefaultConfig() Config {
	return Config{
		SettleDelay:        200 * time.Millisecond,
		StreamPollBackoff:  50 * time.Millisecond,
		StreamPollAttempts: 5,
	}
}

// Callbacks is the consumer contract. OnDetected is invoked at most once per
// accepted scan; the consumer is expected to stop scanning afterwards.
// OnRejected is a transient notification; scanning continues. Callbacks are
// invoked without holding the manager's lock and may call back into it.
type Callbacks struct {
	OnState    func(domain.SessionState)
	OnDetected func(isbn string)
	OnRejected func(raw string)
	OnClose    func()
}

// Manager owns the lifecycle of one video barcode scanning session.
type Manager struct {
	engine domain.DecodeEngine
	media  domain.MediaSource
	clock  clockwork.Clock
	cfg    Config
	cb     Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      domain.SessionStatus
	devices     []domain.CaptureDevice
	selected    string
	errMsg      string
	enumerating bool
	closed      bool

	// gen identifies the current scanning generation. Every teardown bumps it,
	// so late results from a superseded start (decode frames, stream capture,
	// settle-delay restarts) are discarded instead of applied.
	gen       uint64
	handle    domain.DecodeHandle
	stream    domain.CaptureStream
	delivered bool
}

// New creates a scan session manager. engine may be nil when the decode
// engine has not initialized yet; operations that need it fail with
// domain.ErrEngineNotInitialized and remain retryable.
func New(engine domain.DecodeEngine, media domain.MediaSource, clock clockwork.Clock, cfg Config, cb Callbacks) *Manager {
	def := DefaultConfig()
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.StreamPollBackoff == 0 {
		cfg.StreamPollBackoff = def.StreamPollBackoff
	}
	if cfg.StreamPollAttempts == 0 {
		cfg.StreamPollAttempts = def.StreamPollAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine: engine,
		media:  media,
		clock:  clock,
		cfg:    cfg,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
		status: domain.StatusIdle,
	}
}

// State returns a snapshot of the session state.
func (m *Manager) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// EnumerateDevices requests camera permission and refreshes the device list.
// Non-blocking: the result arrives through the OnState callback. A denial
// leaves the session in Error with a user-facing message and no devices.
// Re-enumerating during an active scan stops the scan first; the stream must
// be released before any other stream is acquired.
func (m *Manager) EnumerateDevices() {
	m.mu.Lock()
	if m.closed || m.enumerating {
		m.mu.Unlock()
		return
	}
	if m.status == domain.StatusScanning {
		m.releaseLocked()
	}
	m.enumerating = true
	m.status = domain.StatusEnumerating
	m.errMsg = ""
	snap := m.stateLocked()
	m.mu.Unlock()

	m.emitState(snap)
	go m.enumerate()
}

func (m *Manager) enumerate() {
	devices, err := m.discoverDevices(m.ctx)

	m.mu.Lock()
	m.enumerating = false
	if m.closed {
		m.mu.Unlock()
		return
	}
	if err != nil {
		if m.status == domain.StatusScanning {
			// A scan started while enumeration was in flight. Its running
			// stream proves the camera works; drop the failed refresh.
			m.mu.Unlock()
			slog.Warn("device enumeration failed during active scan", "error", err)
			return
		}
		m.devices = nil
		m.selected = ""
		m.status = domain.StatusError
		m.errMsg = enumerationMessage(err)
	} else {
		m.devices = devices
		if m.selected != "" && !containsDevice(devices, m.selected) {
			// The previously selected device is gone after refresh.
			m.selected = ""
		}
		if m.selected == "" && m.status != domain.StatusScanning {
			m.selected = autoSelect(devices)
		}
		if m.status != domain.StatusScanning {
			m.status = domain.StatusReady
		}
		m.errMsg = ""
	}
	snap := m.stateLocked()
	m.mu.Unlock()

	if err != nil {
		slog.Warn("device enumeration failed", "error", err)
	}
	m.emitState(snap)
}

// discoverDevices acquires a throwaway capture grant to trigger the platform
// permission prompt and unlock device labels, releases it immediately, then
// lists the actual devices.
func (m *Manager) discoverDevices(ctx context.Context) ([]domain.CaptureDevice, error) {
	primer, err := m.media.RequestAccess(ctx)
	if err != nil {
		return nil, err
	}
	primer.Release()

	if m.engine == nil {
		return nil, domain.ErrEngineNotInitialized
	}
	devices, err := m.engine.ListCaptureDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, domain.ErrDeviceUnavailable
	}
	return devices, nil
}

func enumerationMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return msgPermissionDenied
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return msgNoDevices
	case errors.Is(err, domain.ErrEngineNotInitialized):
		return msgEngineMissing
	default:
		return fmt.Sprintf("Could not list cameras: %v", err)
	}
}

// SelectDevice switches the session to the given capture device. Unknown or
// empty IDs are a deliberate no-op and leave state untouched. If a scan is in
// progress it is stopped and, after the settling delay, restarted on the new
// device.
func (m *Manager) SelectDevice(id string) {
	m.mu.Lock()
	if m.closed || id == "" || id == m.selected || !containsDevice(m.devices, id) {
		m.mu.Unlock()
		return
	}
	m.selected = id

	var restartGen uint64
	restart := m.status == domain.StatusScanning
	if restart {
		m.releaseLocked()
		restartGen = m.nextGenLocked()
		m.delivered = false
	}
	snap := m.stateLocked()
	m.mu.Unlock()

	m.emitState(snap)
	if restart {
		go m.settleAndStart(restartGen, id)
	}
}

// settleAndStart waits for the previous stream to fully release before
// starting the decode loop on the new device.
func (m *Manager) settleAndStart(gen uint64, deviceID string) {
	timer := m.clock.NewTimer(m.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.Chan():
	case <-m.ctx.Done():
		return
	}
	m.startDecode(gen, deviceID)
}

// StartScanning starts the decode loop on the selected device. If no device
// is selected and none are known, it triggers enumeration and returns without
// scanning; the caller retries once devices arrive (event-driven handoff, not
// a blocking call). If already scanning, the existing loop is torn down first
// so no two streams ever coexist.
func (m *Manager) StartScanning() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if m.engine == nil {
		m.status = domain.StatusError
		m.errMsg = msgEngineMissing
		snap := m.stateLocked()
		m.mu.Unlock()
		m.emitState(snap)
		return domain.ErrEngineNotInitialized
	}
	if m.selected == "" && len(m.devices) == 0 {
		m.mu.Unlock()
		m.EnumerateDevices()
		return nil
	}

	if m.status == domain.StatusScanning {
		m.releaseLocked()
	}

	device := m.selected
	if device == "" {
		device = autoSelect(m.devices)
		m.selected = device
	}

	gen := m.nextGenLocked()
	m.status = domain.StatusScanning
	m.errMsg = ""
	m.delivered = false
	snap := m.stateLocked()
	m.mu.Unlock()

	m.emitState(snap)
	go m.startDecode(gen, device)
	return nil
}

func (m *Manager) startDecode(gen uint64, deviceID string) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.status != domain.StatusScanning {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	handle, err := m.engine.DecodeFromDevice(m.ctx, deviceID, m.frameCallback(gen))

	m.mu.Lock()
	if err != nil {
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.status = domain.StatusError
		m.errMsg = fmt.Sprintf("Could not start the camera: %v", err)
		snap := m.stateLocked()
		m.mu.Unlock()
		slog.Error("decode start failed", "device_id", deviceID, "error", err)
		m.emitState(snap)
		return
	}
	if m.closed || gen != m.gen || m.status != domain.StatusScanning {
		// Superseded while starting: stop the loop and release whatever stream
		// it may already hold.
		m.mu.Unlock()
		handle.Stop()
		if s, ok := handle.Stream(); ok {
			s.Release()
		}
		return
	}
	m.handle = handle
	m.mu.Unlock()

	m.captureStream(gen, handle)
}

// captureStream obtains a releasable handle to the active hardware stream.
// The engine may not expose it synchronously, so after an immediate attempt
// this falls back to a bounded retry-with-backoff poll. A stream that arrives
// after the generation was superseded is released on the spot rather than
// leaked.
func (m *Manager) captureStream(gen uint64, handle domain.DecodeHandle) {
	policy := retry.Policy{
		MaxAttempts:    m.cfg.StreamPollAttempts,
		InitialBackoff: m.cfg.StreamPollBackoff,
		Clock:          m.clock,
	}
	stream, err := retry.Do(m.ctx, policy,
		func(error) retry.Action { return retry.Retry },
		func() (domain.CaptureStream, error) {
			if s, ok := handle.Stream(); ok {
				return s, nil
			}
			return nil, errStreamNotReady
		})
	if err != nil {
		// The decode loop still runs; stopping it via the handle remains
		// possible, only the explicit hardware-track release is skipped.
		slog.Debug("stream handle not captured", "error", err)
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.gen || m.status != domain.StatusScanning {
		m.mu.Unlock()
		stream.Release()
		return
	}
	m.stream = stream
	m.mu.Unlock()
}

// frameCallback routes per-frame engine results for one scanning generation.
// Empty results and per-frame decode errors are normal "no code this frame"
// signals. Non-matching decodes are rejected transiently; the first matching
// decode is forwarded exactly once.
func (m *Manager) frameCallback(gen uint64) domain.FrameCallback {
	return func(result domain.DecodeResult, err error) {
		if err != nil {
			slog.Debug("frame decode error", "error", err)
			return
		}
		if result.RawText == "" {
			return
		}

		m.mu.Lock()
		if m.closed || gen != m.gen || m.status != domain.StatusScanning || m.delivered {
			m.mu.Unlock()
			return
		}
		if !IsAcceptableDecode(result.RawText) {
			m.mu.Unlock()
			if m.cb.OnRejected != nil {
				m.cb.OnRejected(result.RawText)
			}
			return
		}
		m.delivered = true
		m.mu.Unlock()

		if m.cb.OnDetected != nil {
			m.cb.OnDetected(result.RawText)
		}
	}
}

// StopScanning releases the held capture stream, stops the decode loop and
// resets the engine's internal buffer. Idempotent and safe to call when not
// scanning. Status becomes Ready when devices are known, Idle otherwise.
func (m *Manager) StopScanning() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.releaseLocked()
	if len(m.devices) > 0 {
		m.status = domain.StatusReady
	} else {
		m.status = domain.StatusIdle
	}
	m.errMsg = ""
	snap := m.stateLocked()
	m.mu.Unlock()

	m.emitState(snap)
}

// Close tears the session down: stream released, engine reset, no further
// operations accepted. Invoked when the scanning UI becomes hidden or the
// owning view unmounts.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.releaseLocked()
	m.closed = true
	m.status = domain.StatusIdle
	m.mu.Unlock()

	m.cancel()
	if m.cb.OnClose != nil {
		m.cb.OnClose()
	}
}

// releaseLocked tears down the active decode loop and its stream, and bumps
// the generation so any in-flight start or late stream capture is discarded.
// The stream is released before anything else so a subsequent start never
// acquires a second stream while the first is still held.
func (m *Manager) releaseLocked() {
	m.gen++
	if m.stream != nil {
		m.stream.Release()
		m.stream = nil
	}
	if m.handle != nil {
		m.handle.Stop()
		m.handle = nil
	}
	if m.engine != nil {
		m.engine.Reset()
	}
	m.delivered = false
}

func (m *Manager) nextGenLocked() uint64 {
	m.gen++
	return m.gen
}

func (m *Manager) stateLocked() domain.SessionState {
	devices := make([]domain.CaptureDevice, len(m.devices))
	copy(devices, m.devices)
	return domain.SessionState{
		Status:           m.status,
		Devices:          devices,
		SelectedDeviceID: m.selected,
		ErrorMessage:     m.errMsg,
	}
}

func (m *Manager) emitState(s domain.SessionState) {
	if m.cb.OnState != nil {
		m.cb.OnState(s)
	}
}
