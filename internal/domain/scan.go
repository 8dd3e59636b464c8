package domain

import (
	"context"
	"time"
)

// SessionStatus is the lifecycle phase of a scan session.
type SessionStatus string

const (
	StatusIdle        SessionStatus = "idle"
	StatusEnumerating SessionStatus = "enumerating"
	StatusReady       SessionStatus = "ready"
	StatusScanning    SessionStatus = "scanning"
	StatusError       SessionStatus = "error"
)

// CaptureDevice is an immutable snapshot of a camera-like video input.
// Label may be empty until the host platform has granted camera permission once.
type CaptureDevice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// SessionState is the read-only projection of a scan session that the UI renders.
// It is owned exclusively by the scan manager and mutated only through its
// public operations.
type SessionState struct {
	Status           SessionStatus   `json:"status"`
	Devices          []CaptureDevice `json:"devices"`
	SelectedDeviceID string          `json:"selectedDeviceId,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
}

// DecodeResult is a single successful frame decode. Transient: produced by the
// decode engine, consumed immediately by the manager's validation step, never
// persisted.
type DecodeResult struct {
	RawText string
	At      time.Time
}

// CaptureStream is a releasable handle to live camera hardware. Release stops
// the underlying hardware tracks and is safe to call more than once.
type CaptureStream interface {
	ID() string
	Release()
}

// MediaSource is the host media platform: a permission-gated capture grant.
// RequestAccess acquires a throwaway stream solely to trigger the platform
// permission prompt and unlock device labels; callers must release it before
// enumerating. Returns ErrPermissionDenied if the host declines.
type MediaSource interface {
	RequestAccess(ctx context.Context) (CaptureStream, error)
}

// FrameCallback delivers per-frame decode attempts. A zero-value result with a
// nil error means "no code in this frame" and is not an error condition.
type FrameCallback func(result DecodeResult, err error)

// DecodeEngine is the external barcode decoding engine. The actual pixel
// decoding algorithm lives behind this interface.
type DecodeEngine interface {
	// ListCaptureDevices enumerates the video inputs known to the engine.
	ListCaptureDevices(ctx context.Context) ([]CaptureDevice, error)

	// DecodeFromDevice binds the engine to the device's video stream and starts
	// the decode loop, pushing per-frame results to onFrame until the returned
	// handle is stopped.
	DecodeFromDevice(ctx context.Context, deviceID string, onFrame FrameCallback) (DecodeHandle, error)

	// Reset clears the engine's internal frame buffer.
	Reset()
}

// DecodeHandle controls one decode loop. Stream exposes the underlying capture
// stream once the engine has acquired it; the second return is false while the
// stream is not yet available.
type DecodeHandle interface {
	Stream() (CaptureStream, bool)
	Stop()
}

// Scan event types.
const (
	EventState       = "state"
	EventDetected    = "detected"
	EventRejected    = "rejected"
	EventIdleWarning = "idle_warning"
)

// ScanEvent is pushed to UI clients over the session's WebSocket.
type ScanEvent struct {
	Type    string        `json:"type"` // one of the event type constants
	State   *SessionState `json:"state,omitempty"`
	ISBN    string        `json:"isbn,omitempty"`
	Raw     string        `json:"raw,omitempty"`
	Message string        `json:"message,omitempty"`
}
