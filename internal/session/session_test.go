package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/scanline/internal/camera"
	"github.com/andresmejia3/scanline/internal/types"
	"github.com/andresmejia3/scanline/internal/workflow"
)

type fakeCamera struct {
	mu        sync.Mutex
	live      bool
	session   string
	starts    int
	stops     int
	releases  int
	startErr  error
	flash     camera.FlashMode
	flashErr  error
	processor camera.Processor
}

func (f *fakeCamera) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return &camera.StartError{Device: "fake", Err: f.startErr}
	}
	if f.processor == nil {
		return &camera.StartError{Device: "fake", Err: camera.ErrNoProcessor}
	}
	f.live = true
	f.session = fmt.Sprintf("session-%d", f.starts)
	return nil
}

func (f *fakeCamera) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.live = false
	f.session = ""
	f.flash = camera.FlashOff
}

func (f *fakeCamera) Live() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *fakeCamera) Trusts(session string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live && session != "" && session == f.session
}

func (f *fakeCamera) SetProcessor(p camera.Processor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processor = p
}

func (f *fakeCamera) SetFlash(mode camera.FlashMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live {
		return camera.ErrNotLive
	}
	if f.flashErr != nil {
		return f.flashErr
	}
	f.flash = mode
	return nil
}

func (f *fakeCamera) Flash() camera.FlashMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flash
}

func (f *fakeCamera) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	f.live = false
	f.session = ""
}

func (f *fakeCamera) currentSession() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

type harness struct {
	t    *testing.T
	loop *workflow.Loop
	cam  *fakeCamera
	sess *Session

	mu     sync.Mutex
	errs   []error
	states []workflow.State
}

func newHarness(t *testing.T, cam *fakeCamera, resolver Resolver) *harness {
	t.Helper()
	h := &harness{t: t, loop: workflow.NewLoop(), cam: cam}

	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.loop.Done()
	})

	h.sess = New(ctx, h.loop, Config{
		Camera:    cam,
		Processor: camera.ProcessorFunc(func(context.Context, types.Frame) {}),
		Resolver:  resolver,
	})
	h.sess.SubscribeErrors(func(err error) {
		h.mu.Lock()
		h.errs = append(h.errs, err)
		h.mu.Unlock()
	})
	h.do(func() {
		h.sess.Coordinator().SubscribeState(func(s workflow.State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		})
	})
	return h
}

// do runs fn on the loop and waits for follow-up work it posted.
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Call(context.Background(), fn))
	h.settle()
}

func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 4; i++ {
		require.NoError(h.t, h.loop.Call(context.Background(), func() {}))
	}
}

func (h *harness) state() workflow.State {
	return h.sess.Coordinator().State()
}

func (h *harness) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *harness) detect(d types.Detection) {
	h.t.Helper()
	h.do(func() { h.sess.Coordinator().OnDetectionResult(d) })
}

func (h *harness) foreground(granted bool) {
	h.t.Helper()
	require.NoError(h.t, h.sess.OnForeground(granted))
	h.settle()
}

func (h *harness) dispatch(cmd Command) {
	h.t.Helper()
	require.NoError(h.t, h.sess.Dispatch(cmd))
	h.settle()
}

func found(payload, session string) types.Detection {
	return types.Detection{Symbol: &types.Symbol{Payload: payload}, Session: session}
}

func TestForegroundGrantedStartsDetecting(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)
	h.foreground(true)

	assert.Equal(t, workflow.Detecting, h.state())
	assert.True(t, h.cam.Live())
	assert.NotNil(t, h.cam.processor)
	assert.True(t, h.sess.Snapshot().Permission)
}

func TestForegroundDeniedThenGranted(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)
	h.foreground(false)

	assert.Equal(t, workflow.NotStarted, h.state())
	assert.False(t, h.cam.Live())
	assert.Zero(t, h.cam.starts)
	require.Len(t, h.errors(), 1)
	assert.ErrorIs(t, h.errors()[0], ErrPermissionDenied)

	require.NoError(t, h.sess.OnPermissionResult(true))
	h.settle()
	assert.Equal(t, workflow.Detecting, h.state())
	assert.True(t, h.cam.Live())
}

func TestCameraStartFailureResets(t *testing.T) {
	h := newHarness(t, &fakeCamera{startErr: errors.New("device busy")}, nil)
	h.foreground(true)

	assert.Equal(t, workflow.NotStarted, h.state())
	assert.False(t, h.cam.Live())
	require.NotEmpty(t, h.errors())
	assert.ErrorIs(t, h.errors()[0], camera.ErrCameraStart)
	assert.Contains(t, h.sess.Snapshot().Error, "device busy")
}

func TestDetectConfirmResolve(t *testing.T) {
	resolver := ResolverFunc(func(_ context.Context, sym types.Symbol) (Resolution, error) {
		return Resolution{Symbol: sym, Name: "Widget", Known: true}, nil
	})
	h := newHarness(t, &fakeCamera{}, resolver)
	var resolved []Resolution
	h.sess.SubscribeResolutions(func(r Resolution) { resolved = append(resolved, r) })

	h.foreground(true)
	h.detect(found("ABC123", h.cam.currentSession()))
	assert.Equal(t, workflow.Detected, h.state())
	assert.False(t, h.cam.Live(), "camera freezes once a symbol is detected")
	require.NotNil(t, h.sess.Snapshot().Symbol)
	assert.Equal(t, "ABC123", h.sess.Snapshot().Symbol.Payload)

	h.dispatch(Confirm)
	require.Eventually(t, func() bool {
		var st workflow.State
		_ = h.loop.Call(context.Background(), func() { st = h.state() })
		return st == workflow.Processed
	}, time.Second, 5*time.Millisecond)

	h.settle()
	require.Len(t, resolved, 1)
	assert.Equal(t, "Widget", resolved[0].Name)
	snap := h.sess.Snapshot()
	require.NotNil(t, snap.Resolution)
	assert.True(t, snap.Resolution.Known)
	assert.Equal(t, "PROCESSED", snap.State)
}

func TestConfirmWithoutResolverCompletes(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)
	h.foreground(true)
	h.detect(found("X", h.cam.currentSession()))
	h.dispatch(Confirm)

	assert.Equal(t, workflow.Processed, h.state())
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []workflow.State{
		workflow.NotStarted, workflow.Detecting, workflow.Detected, workflow.Processing, workflow.Processed,
	}, h.states)
}

func TestResolverFailureStillCompletes(t *testing.T) {
	boom := errors.New("catalog unavailable")
	h := newHarness(t, &fakeCamera{}, ResolverFunc(func(context.Context, types.Symbol) (Resolution, error) {
		return Resolution{}, boom
	}))
	h.foreground(true)
	h.detect(found("X", h.cam.currentSession()))
	h.dispatch(Confirm)

	require.Eventually(t, func() bool { return h.state() == workflow.Processed }, time.Second, 5*time.Millisecond)
	h.settle()
	snap := h.sess.Snapshot()
	require.NotNil(t, snap.Resolution)
	assert.False(t, snap.Resolution.Known)
	assert.Equal(t, "X", snap.Resolution.Symbol.Payload)
	assert.ErrorIs(t, h.errors()[len(h.errors())-1], boom)
}

func TestRetakeDuringProcessingDropsResolution(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &fakeCamera{}, ResolverFunc(func(_ context.Context, sym types.Symbol) (Resolution, error) {
		<-release
		return Resolution{Symbol: sym, Known: true}, nil
	}))
	h.foreground(true)
	h.detect(found("X", h.cam.currentSession()))
	h.dispatch(Confirm)
	require.Equal(t, workflow.Processing, h.state())

	h.dispatch(Retake)
	assert.Equal(t, workflow.Detecting, h.state())

	close(release)
	time.Sleep(20 * time.Millisecond)
	h.settle()
	assert.Equal(t, workflow.Detecting, h.state())
	assert.Nil(t, h.sess.Snapshot().Resolution)
}

func TestRetakeRestartsCamera(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)
	h.foreground(true)
	old := h.cam.currentSession()
	h.detect(found("ABC123", old))
	require.Equal(t, workflow.Detected, h.state())

	h.dispatch(Retake)
	assert.Equal(t, workflow.Detecting, h.state())
	assert.True(t, h.cam.Live())
	assert.NotEqual(t, old, h.cam.currentSession())
	assert.Nil(t, h.sess.Snapshot().Symbol)

	// The result for the frame analysed before the retake is stale.
	h.detect(found("ABC123", old))
	assert.Equal(t, workflow.Detecting, h.state())

	// Repeated delivery ends in the same place.
	h.dispatch(Retake)
	h.dispatch(Retake)
	assert.Equal(t, workflow.Detecting, h.state())
	assert.True(t, h.cam.Live())
}

func TestRetakeWithoutPermission(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)
	h.dispatch(Retake)

	assert.Equal(t, workflow.NotStarted, h.state())
	assert.Zero(t, h.cam.starts)
	assert.ErrorIs(t, h.errors()[0], ErrPermissionDenied)
}

func TestToggleFlash(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)

	// Frozen: ignored.
	h.dispatch(ToggleFlash)
	assert.Equal(t, camera.FlashOff, h.cam.Flash())

	h.foreground(true)
	h.dispatch(ToggleFlash)
	assert.Equal(t, camera.FlashTorch, h.cam.Flash())
	h.dispatch(ToggleFlash)
	assert.Equal(t, camera.FlashOff, h.cam.Flash())
	assert.Equal(t, "off", h.sess.Snapshot().Flash)
}

func TestSetFlashMode(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)

	require.NoError(t, h.sess.SetFlashMode(camera.FlashTorch))
	h.settle()
	assert.Equal(t, camera.FlashOff, h.cam.Flash(), "frozen camera keeps its torch off")

	h.foreground(true)
	for i := 0; i < 2; i++ {
		require.NoError(t, h.sess.SetFlashMode(camera.FlashTorch))
	}
	h.settle()
	assert.Equal(t, "torch", h.sess.Snapshot().Flash)

	require.NoError(t, h.sess.SetFlashMode(camera.FlashOff))
	h.settle()
	assert.Equal(t, camera.FlashOff, h.cam.Flash())
}

func TestToggleFlashUnsupportedIsHarmless(t *testing.T) {
	h := newHarness(t, &fakeCamera{flashErr: camera.ErrFlashUnsupported}, nil)
	h.foreground(true)
	h.dispatch(ToggleFlash)
	h.dispatch(ToggleFlash)

	assert.Equal(t, workflow.Detecting, h.state())
	assert.True(t, h.cam.Live())
	assert.Empty(t, h.errors())
}

func TestBackgroundResets(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)
	h.foreground(true)
	h.detect(types.Detection{Cue: true, Session: h.cam.currentSession()})
	require.Equal(t, workflow.Unclear, h.state())

	for i := 0; i < 3; i++ {
		require.NoError(t, h.sess.OnBackground())
	}
	h.settle()
	assert.Equal(t, workflow.NotStarted, h.state())
	assert.False(t, h.cam.Live())
	assert.Equal(t, 1, h.cam.stops)

	h.foreground(true)
	assert.Equal(t, workflow.Detecting, h.state())
	assert.True(t, h.cam.Live())
}

func TestForegroundWhileDetectingKeepsCameraLive(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)
	h.foreground(true)
	h.foreground(true)
	assert.Equal(t, workflow.Detecting, h.state())
	assert.True(t, h.cam.Live())
}

func TestCameraInterrupted(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)
	h.foreground(true)

	// The frame source freezes itself before reporting the interruption.
	h.cam.Stop()
	h.sess.CameraInterrupted(errors.New("ffmpeg exited"))
	h.settle()

	assert.Equal(t, workflow.NotStarted, h.state())
	require.NotEmpty(t, h.errors())
	assert.Contains(t, h.errors()[0].Error(), "ffmpeg exited")
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil)
	h.foreground(true)

	h.sess.Close()
	h.sess.Close()
	h.settle()
	assert.Equal(t, 1, h.cam.releases)
	assert.Equal(t, workflow.NotStarted, h.state())
	assert.False(t, h.cam.Live())
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"retake", Retake},
		{"FLASH", ToggleFlash},
		{"toggle-flash", ToggleFlash},
		{" confirm ", Confirm},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		// Names round-trip.
		again, err := ParseCommand(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}
	_, err := ParseCommand("explode")
	assert.Error(t, err)
}

// slowDevice blocks Open until gate closes, like ffmpeg waiting for a first frame.
type slowDevice struct {
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
	frames  chan types.Frame
}

func (d *slowDevice) Name() string { return "slow0" }

func (d *slowDevice) Open(ctx context.Context) (camera.Stream, error) {
	d.once.Do(func() { close(d.entered) })
	select {
	case <-d.gate:
		return &slowStream{frames: d.frames, done: make(chan struct{})}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *slowDevice) SetFlashMode(camera.FlashMode) error { return camera.ErrFlashUnsupported }
func (d *slowDevice) Close() error                        { return nil }

type slowStream struct {
	frames chan types.Frame
	done   chan struct{}
	once   sync.Once
}

func (s *slowStream) Next() (types.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return types.Frame{}, errors.New("stream closed")
	}
}

func (s *slowStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func TestSnapshotWhileCameraOpens(t *testing.T) {
	dev := &slowDevice{entered: make(chan struct{}), gate: make(chan struct{}), frames: make(chan types.Frame)}
	src := camera.NewFrameSource(dev, camera.Config{})
	loop := workflow.NewLoop()

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	sess := New(ctx, loop, Config{
		Camera:    src,
		Processor: camera.ProcessorFunc(func(context.Context, types.Frame) {}),
	})
	t.Cleanup(func() {
		sess.Close()
		cancel()
		<-loop.Done()
	})

	require.NoError(t, sess.OnForeground(true))
	<-dev.entered

	snapped := make(chan Snapshot, 1)
	go func() { snapped <- sess.Snapshot() }()
	select {
	case snap := <-snapped:
		assert.Equal(t, workflow.Detecting.String(), snap.State)
		assert.False(t, snap.Live)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("snapshot waited for the camera to open")
	}

	close(dev.gate)
	assert.Eventually(t, func() bool { return sess.Snapshot().Live }, time.Second, 5*time.Millisecond)
}
