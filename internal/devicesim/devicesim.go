// Package devicesim provides in-memory implementations of the host media
// platform and the barcode decode engine. They stand in for the real
// platform integrations during development and in tests: device lists are
// scriptable, permission can be denied, decode frames are injected manually,
// and every stream records whether it was released.
package devicesim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
)

// Stream is a simulated capture stream that records its release.
type Stream struct {
	id string

	mu       sync.Mutex
	released bool
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

// Released reports whether Release has been called.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Platform implements domain.MediaSource.
type Platform struct {
	mu     sync.Mutex
	deny   bool
	grants []*Stream
}

func NewPlatform() *Platform {
	return &Platform{}
}

// Deny makes subsequent RequestAccess calls fail with ErrPermissionDenied.
func (p *Platform) Deny(deny bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deny = deny
}

func (p *Platform) RequestAccess(_ context.Context) (domain.CaptureStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deny {
		return nil, domain.ErrPermissionDenied
	}
	grant := &Stream{id: fmt.Sprintf("grant-%d", len(p.grants)+1)}
	p.grants = append(p.grants, grant)
	return grant, nil
}

// Grants returns every primer stream handed out so far.
func (p *Platform) Grants() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.grants))
	copy(out, p.grants)
	return out
}

// Engine implements domain.DecodeEngine.
type Engine struct {
	mu           sync.Mutex
	devices      []domain.CaptureDevice
	listErr      error
	startErr     error
	delayStreams bool
	resets       int
	handles      []*Handle
}

func NewEngine(devices ...domain.CaptureDevice) *Engine {
	return &Engine{devices: devices}
}

// SetDevices replaces the device list returned by ListCaptureDevices.
func (e *Engine) SetDevices(devices ...domain.CaptureDevice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = devices
}

// FailList makes ListCaptureDevices return err (nil to clear).
func (e *Engine) FailList(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listErr = err
}

// FailStart makes DecodeFromDevice return err (nil to clear).
func (e *Engine) FailStart(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// DelayStreams makes new handles hide their stream until ExposeStream is
// called, exercising the fallback stream-capture poll.
func (e *Engine) DelayStreams(delay bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delayStreams = delay
}

func (e *Engine) ListCaptureDevices(_ context.Context) ([]domain.CaptureDevice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listErr != nil {
		return nil, e.listErr
	}
	out := make([]domain.CaptureDevice, len(e.devices))
	copy(out, e.devices)
	return out, nil
}

func (e *Engine) DecodeFromDevice(_ context.Context, deviceID string, onFrame domain.FrameCallback) (domain.DecodeHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	h := &Handle{
		deviceID:    deviceID,
		onFrame:     onFrame,
		stream:      &Stream{id: fmt.Sprintf("stream-%s-%d", deviceID, len(e.handles)+1)},
		streamReady: !e.delayStreams,
	}
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
}

// Resets returns how often Reset has been called.
func (e *Engine) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

// Handles returns every decode handle created so far, oldest first.
func (e *Engine) Handles() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Handle, len(e.handles))
	copy(out, e.handles)
	return out
}

// RunningHandles counts handles that have not been stopped.
func (e *Engine) RunningHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, h := range e.handles {
		if !h.Stopped() {
			n++
		}
	}
	return n
}

// Emit injects a decoded frame into the most recent running handle, as the
// real engine would per video frame. Returns false if no loop is running.
func (e *Engine) Emit(text string) bool {
	e.mu.Lock()
	var target *Handle
	for i := len(e.handles) - 1; i >= 0; i-- {
		if !e.handles[i].Stopped() {
			target = e.handles[i]
			break
		}
	}
	e.mu.Unlock()

	if target == nil {
		return false
	}
	target.Emit(text)
	return true
}

// Handle is one simulated decode loop.
type Handle struct {
	deviceID string
	onFrame  domain.FrameCallback
	stream   *Stream

	mu          sync.Mutex
	streamReady bool
	stopped     bool
}

func (h *Handle) DeviceID() string { return h.deviceID }

func (h *Handle) Stream() (domain.CaptureStream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.streamReady {
		return nil, false
	}
	return h.stream, true
}

func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// ExposeStream makes the stream visible to Stream, simulating an engine that
// acquires the hardware stream some time after decoding starts.
func (h *Handle) ExposeStream() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streamReady = true
}

// CapturedStream returns the backing stream regardless of readiness.
func (h *Handle) CapturedStream() *Stream { return h.stream }

// Emit delivers one frame result to the decode callback.
func (h *Handle) Emit(text string) {
	h.mu.Lock()
	stopped := h.stopped
	cb := h.onFrame
	h.mu.Unlock()
	if stopped || cb == nil {
		return
	}
	cb(domain.DecodeResult{RawText: text, At: time.Now()}, nil)
}

// EmitError delivers a per-frame decode error (a "no code this frame"
// signal, not a failure).
func (h *Handle) EmitError(err error) {
	h.mu.Lock()
	stopped := h.stopped
	cb := h.onFrame
	h.mu.Unlock()
	if stopped || cb == nil {
		return
	}
	cb(domain.DecodeResult{}, err)
}
