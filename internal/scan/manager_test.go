package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/devicesim"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
)

// --- Helpers ---

func testDevices() []domain.CaptureDevice {
	return []domain.CaptureDevice{
		{ID: "cam-front", Label: "Front Camera"},
		{ID: "cam-back", Label: "Back Camera"},
	}
}

type harness struct {
	t      *testing.T
	clock  *clockwork.FakeClock
	engine *devicesim.Engine
	media  *devicesim.Platform
	mgr    *Manager

	states   chan domain.SessionState
	detected chan string
	rejected chan string
	closed   chan struct{}
}

func newHarness(t *testing.T, devices ...domain.CaptureDevice) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    clockwork.NewFakeClock(),
		engine:   devicesim.NewEngine(devices...),
		media:    devicesim.NewPlatform(),
		states:   make(chan domain.SessionState, 32),
		detected: make(chan string, 8),
		rejected: make(chan string, 8),
		closed:   make(chan struct{}, 1),
	}
	h.mgr = New(h.engine, h.media, h.clock, Config{}, Callbacks{
		OnState:    func(s domain.SessionState) { h.states <- s },
		OnDetected: func(isbn string) { h.detected <- isbn },
		OnRejected: func(raw string) { h.rejected <- raw },
		OnClose:    func() { h.closed <- struct{}{} },
	})
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) waitStatus(want domain.SessionStatus) domain.SessionState {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s.Status == want {
				return s
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for status %q, last state: %+v", want, h.mgr.State())
		}
	}
}

func (h *harness) waitRunningHandles(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.engine.RunningHandles() == n
	}, 2*time.Second, 5*time.Millisecond)
}

// enumerate runs device discovery and waits until the session is Ready.
func (h *harness) enumerate() domain.SessionState {
	h.t.Helper()
	h.mgr.EnumerateDevices()
	return h.waitStatus(domain.StatusReady)
}

// startScanning starts a scan and waits for the decode loop to come up.
func (h *harness) startScanning() {
	h.t.Helper()
	require.NoError(h.t, h.mgr.StartScanning())
	h.waitStatus(domain.StatusScanning)
	h.waitRunningHandles(1)
}

// --- Enumeration ---

func TestEnumerateDevices_AutoSelectsRearCamera(t *testing.T) {
	h := newHarness(t, testDevices()...)

	state := h.enumerate()

	assert.Equal(t, "cam-back", state.SelectedDeviceID)
	assert.Len(t, state.Devices, 2)
	assert.Empty(t, state.ErrorMessage)

	grants := h.media.Grants()
	require.Len(t, grants, 1)
	assert.True(t, grants[0].Released(), "permission primer stream must be released")
}

func TestEnumerateDevices_FallsBackToFirstDevice(t *testing.T) {
	h := newHarness(t,
		domain.CaptureDevice{ID: "cam-a", Label: "Integrated Webcam"},
		domain.CaptureDevice{ID: "cam-b", Label: "USB Capture"},
	)

	state := h.enumerate()

	assert.Equal(t, "cam-a", state.SelectedDeviceID)
}

func TestEnumerateDevices_PermissionDenied(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.media.Deny(true)

	h.mgr.EnumerateDevices()
	state := h.waitStatus(domain.StatusError)

	assert.Equal(t, msgPermissionDenied, state.ErrorMessage)
	assert.Empty(t, state.Devices)
	assert.Empty(t, state.SelectedDeviceID)
}

func TestEnumerateDevices_NoDevices(t *testing.T) {
	h := newHarness(t)

	h.mgr.EnumerateDevices()
	state := h.waitStatus(domain.StatusError)

	assert.Equal(t, msgNoDevices, state.ErrorMessage)
}

func TestEnumerateDevices_RecoversAfterDenial(t *testing.T) {
	h := newHarness(t, testDevices()...)

	h.media.Deny(true)
	h.mgr.EnumerateDevices()
	h.waitStatus(domain.StatusError)

	h.media.Deny(false)
	state := h.enumerate()

	assert.Equal(t, "cam-back", state.SelectedDeviceID)
	assert.Empty(t, state.ErrorMessage)
}

func TestEnumerateDevices_ListFailure(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.engine.FailList(errors.New("usb bus fault"))

	h.mgr.EnumerateDevices()
	state := h.waitStatus(domain.StatusError)

	assert.Contains(t, state.ErrorMessage, "Could not list cameras")
	assert.Contains(t, state.ErrorMessage, "usb bus fault")
}

func TestEnumerateDevices_WhileScanningStopsActiveStream(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()
	first := h.engine.Handles()[0]

	h.mgr.EnumerateDevices()
	h.waitStatus(domain.StatusReady)

	// The scan's decode loop and stream go down before enumeration begins.
	assert.True(t, first.Stopped())
	assert.Equal(t, 0, h.engine.RunningHandles())
	require.Eventually(t, func() bool {
		return first.CapturedStream().Released()
	}, 2*time.Second, 5*time.Millisecond)

	// A restart after the refresh holds exactly one stream.
	require.NoError(t, h.mgr.StartScanning())
	h.waitStatus(domain.StatusScanning)
	h.waitRunningHandles(1)

	handles := h.engine.Handles()
	require.Len(t, handles, 2)
	assert.True(t, handles[0].Stopped())
	assert.False(t, handles[1].Stopped())
}

func TestEnumerateDevices_FailureWhileScanningStillReleasesStream(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()
	h.engine.FailList(errors.New("usb bus fault"))

	h.mgr.EnumerateDevices()
	state := h.waitStatus(domain.StatusError)

	assert.True(t, h.engine.Handles()[0].Stopped())
	assert.Equal(t, 0, h.engine.RunningHandles())
	assert.Contains(t, state.ErrorMessage, "Could not list cameras")
}

func TestEnumerateDevices_ClearsVanishedSelection(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.mgr.SelectDevice("cam-front")

	h.engine.SetDevices(domain.CaptureDevice{ID: "cam-back", Label: "Back Camera"})
	state := h.enumerate()

	assert.Equal(t, "cam-back", state.SelectedDeviceID)
}

// --- Device selection ---

func TestSelectDevice_UnknownIDIsNoOp(t *testing.T) {
	h := newHarness(t, testDevices()...)
	before := h.enumerate()

	h.mgr.SelectDevice("cam-ghost")
	h.mgr.SelectDevice("")

	assert.Equal(t, before, h.mgr.State())
}

func TestSelectDevice_WhileIdleJustSwitches(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()

	h.mgr.SelectDevice("cam-front")
	state := h.waitStatus(domain.StatusReady)

	assert.Equal(t, "cam-front", state.SelectedDeviceID)
	assert.Equal(t, 0, h.engine.RunningHandles())
}

func TestSelectDevice_WhileScanningRestartsAfterSettling(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()

	h.mgr.SelectDevice("cam-front")

	// The old loop is torn down immediately, the new one must not start
	// before the settling delay elapses.
	assert.True(t, h.engine.Handles()[0].Stopped())
	assert.Equal(t, 0, h.engine.RunningHandles())

	h.clock.BlockUntilContext(context.Background(), 1) //nolint:errcheck // wait for the settle timer
	assert.Equal(t, 0, h.engine.RunningHandles())

	h.clock.Advance(DefaultConfig().SettleDelay)
	h.waitRunningHandles(1)

	handles := h.engine.Handles()
	require.Len(t, handles, 2)
	assert.Equal(t, "cam-front", handles[1].DeviceID())
}

func TestSelectDevice_StopDuringSettlingCancelsRestart(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()

	h.mgr.SelectDevice("cam-front")
	h.clock.BlockUntilContext(context.Background(), 1) //nolint:errcheck

	h.mgr.StopScanning()
	h.clock.Advance(DefaultConfig().SettleDelay)

	// The pending restart belongs to a superseded generation and must not
	// bring up a new decode loop.
	assert.Never(t, func() bool {
		return h.engine.RunningHandles() > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, h.engine.Handles(), 1)
}

// --- Start / stop ---

func TestStartScanning_WithoutDevicesTriggersEnumeration(t *testing.T) {
	h := newHarness(t, testDevices()...)

	require.NoError(t, h.mgr.StartScanning())
	state := h.waitStatus(domain.StatusReady)

	assert.Equal(t, "cam-back", state.SelectedDeviceID)
	assert.Equal(t, 0, h.engine.RunningHandles(), "start without devices enumerates, it does not scan")
}

func TestStartScanning_NilEngine(t *testing.T) {
	states := make(chan domain.SessionState, 8)
	mgr := New(nil, devicesim.NewPlatform(), clockwork.NewFakeClock(), Config{}, Callbacks{
		OnState: func(s domain.SessionState) { states <- s },
	})
	defer mgr.Close()

	err := mgr.StartScanning()

	require.ErrorIs(t, err, domain.ErrEngineNotInitialized)
	state := <-states
	assert.Equal(t, domain.StatusError, state.Status)
	assert.Equal(t, msgEngineMissing, state.ErrorMessage)
}

func TestStartScanning_StartFailureSetsError(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.engine.FailStart(errors.New("device busy"))

	require.NoError(t, h.mgr.StartScanning())
	state := h.waitStatus(domain.StatusError)

	assert.Contains(t, state.ErrorMessage, "device busy")
}

func TestStartScanning_TwiceNeverHoldsTwoStreams(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()

	require.NoError(t, h.mgr.StartScanning())
	h.waitRunningHandles(1)

	handles := h.engine.Handles()
	require.Len(t, handles, 2)
	assert.True(t, handles[0].Stopped())
	assert.False(t, handles[1].Stopped())
	require.Eventually(t, func() bool {
		return handles[0].CapturedStream().Released()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopScanning_ReleasesStreamAndResetsEngine(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()

	resetsBefore := h.engine.Resets()
	h.mgr.StopScanning()
	state := h.waitStatus(domain.StatusReady)

	handle := h.engine.Handles()[0]
	assert.True(t, handle.Stopped())
	require.Eventually(t, func() bool {
		return handle.CapturedStream().Released()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, h.engine.Resets(), resetsBefore)
	assert.Equal(t, "cam-back", state.SelectedDeviceID)
}

func TestStopScanning_IsIdempotent(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()

	h.mgr.StopScanning()
	h.waitStatus(domain.StatusReady)
	h.mgr.StopScanning()
	state := h.waitStatus(domain.StatusReady)

	assert.Len(t, h.engine.Handles(), 1)
	assert.Equal(t, domain.StatusReady, state.Status)
}

func TestStopScanning_WithoutDevicesGoesIdle(t *testing.T) {
	h := newHarness(t)

	h.mgr.StopScanning()
	state := h.waitStatus(domain.StatusIdle)

	assert.Empty(t, state.Devices)
}

// --- Decode routing ---

func TestFrameCallback_AcceptsISBNOnce(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()

	require.True(t, h.engine.Emit("9780345391803"))

	assert.Equal(t, "9780345391803", <-h.detected)

	// Emit delivers synchronously, so a duplicate would already be queued.
	require.True(t, h.engine.Emit("9780345391803"))
	select {
	case isbn := <-h.detected:
		t.Fatalf("second detection forwarded: %s", isbn)
	default:
	}
}

func TestFrameCallback_RejectsNonISBNAndKeepsScanning(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()

	require.True(t, h.engine.Emit("ABC123"))

	assert.Equal(t, "ABC123", <-h.rejected)
	assert.Equal(t, domain.StatusScanning, h.mgr.State().Status)
	assert.Equal(t, 1, h.engine.RunningHandles())

	require.True(t, h.engine.Emit("0747532699"))
	assert.Equal(t, "0747532699", <-h.detected)
}

func TestFrameCallback_IgnoresPerFrameErrorsAndEmptyResults(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()

	h.engine.Handles()[0].EmitError(errors.New("no code in frame"))
	require.True(t, h.engine.Emit(""))

	assert.Empty(t, h.detected)
	assert.Empty(t, h.rejected)
	assert.Equal(t, domain.StatusScanning, h.mgr.State().Status)
}

func TestFrameCallback_StaleGenerationIsDiscarded(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()
	stale := h.engine.Handles()[0]

	h.mgr.StopScanning()
	h.waitStatus(domain.StatusReady)

	stale.Emit("9780345391803")

	assert.Empty(t, h.detected)
	assert.Equal(t, domain.StatusReady, h.mgr.State().Status)
}

// --- Stream capture ---

func TestCaptureStream_PollsUntilEngineExposesIt(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.engine.DelayStreams(true)
	h.enumerate()
	h.startScanning()

	// First capture attempt failed, the poll is waiting on its backoff.
	h.clock.BlockUntilContext(context.Background(), 1) //nolint:errcheck
	handle := h.engine.Handles()[0]
	handle.ExposeStream()
	h.clock.Advance(DefaultConfig().StreamPollBackoff)

	require.Eventually(t, func() bool {
		h.mgr.mu.Lock()
		defer h.mgr.mu.Unlock()
		return h.mgr.stream != nil
	}, 2*time.Second, 5*time.Millisecond)

	h.mgr.StopScanning()
	h.waitStatus(domain.StatusReady)
	assert.True(t, handle.CapturedStream().Released())
}

func TestCaptureStream_LateStreamAfterStopIsReleased(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.engine.DelayStreams(true)
	h.enumerate()
	h.startScanning()

	h.clock.BlockUntilContext(context.Background(), 1) //nolint:errcheck
	h.mgr.StopScanning()
	h.waitStatus(domain.StatusReady)

	handle := h.engine.Handles()[0]
	handle.ExposeStream()
	h.clock.Advance(DefaultConfig().StreamPollBackoff)

	// The stream arrived for a superseded generation: released on the spot,
	// never held by the manager.
	require.Eventually(t, func() bool {
		return handle.CapturedStream().Released()
	}, 2*time.Second, 5*time.Millisecond)
	h.mgr.mu.Lock()
	assert.Nil(t, h.mgr.stream)
	h.mgr.mu.Unlock()
}

// --- Close ---

func TestClose_FiresOnCloseAndRejectsFurtherOperations(t *testing.T) {
	h := newHarness(t, testDevices()...)
	h.enumerate()
	h.startScanning()

	h.mgr.Close()

	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not invoked")
	}

	assert.True(t, h.engine.Handles()[0].Stopped())
	assert.ErrorIs(t, h.mgr.StartScanning(), domain.ErrSessionClosed)

	before := h.mgr.State()
	h.mgr.EnumerateDevices()
	h.mgr.SelectDevice("cam-front")
	h.mgr.StopScanning()
	assert.Equal(t, before, h.mgr.State())
}

func TestClose_IsIdempotent(t *testing.T) {
	h := newHarness(t, testDevices()...)

	h.mgr.Close()
	h.mgr.Close()

	assert.Len(t, h.closed, 1)
}
