package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sharmahdk13s/go-facecapture/pkg/arbiter"
	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
	"github.com/sharmahdk13s/go-facecapture/pkg/luminance"
	"github.com/sharmahdk13s/go-facecapture/pkg/publish"
)

var (
	epoch   = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	oneFace = []detection.FaceBox{{X: 0.3, Y: 0.3, Width: 0.3, Height: 0.4, Confidence: 0.9}}
)

// fakeSource feeds frames by hand and runs captures through captureFunc.
type fakeSource struct {
	frames chan frame.Frame

	mu          sync.Mutex
	calls       int
	opts        []frame.StillOptions
	captureFunc func(ctx context.Context, call int) (frame.Artifact, error)
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan frame.Frame)}
}

func (s *fakeSource) Frames() <-chan frame.Frame { return s.frames }

func (s *fakeSource) CaptureStill(ctx context.Context, opts frame.StillOptions) (frame.Artifact, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.opts = append(s.opts, opts)
	fn := s.captureFunc
	s.mu.Unlock()

	if fn == nil {
		return frame.Artifact{Path: fmt.Sprintf("/tmp/still-%d.jpg", call)}, nil
	}
	return fn(ctx, call)
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recorder is a publish.Consumer that records events in order.
type recorder struct {
	events []string
}

func (r *recorder) OnFacesChanged(faces []detection.FaceBox) {
	r.events = append(r.events, fmt.Sprintf("faces:%d", len(faces)))
}
func (r *recorder) OnLightingChanged(lit bool)  { r.events = append(r.events, fmt.Sprintf("lit:%t", lit)) }
func (r *recorder) OnCaptured(a frame.Artifact) { r.events = append(r.events, "captured:"+a.Path) }
func (r *recorder) OnSessionReset()             { r.events = append(r.events, "reset") }

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type harness struct {
	t         *testing.T
	p         *Pipeline
	src       *fakeSource
	pub       *publish.Publisher
	processed chan uint64
	cancel    context.CancelFunc
	runErr    chan error
	seq       uint64
	spacing   time.Duration
}

func newHarness(t *testing.T, cfg Config, det detection.Detector) *harness {
	t.Helper()
	src := newFakeSource()
	pub := publish.New(256, nil)
	p, err := New(cfg, src, det, pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &harness{
		t:         t,
		p:         p,
		src:       src,
		pub:       pub,
		processed: make(chan uint64, 1),
		runErr:    make(chan error, 1),
		spacing:   33 * time.Millisecond,
	}
	p.afterFrame = func(f frame.Frame) { h.processed <- f.Seq }

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.runErr
	})
	return h
}

// step sends one uniformly bright frame and waits until it is processed.
func (h *harness) step(brightness byte) {
	h.t.Helper()
	h.seq++
	data := make([]byte, 4*4)
	for i := range data {
		data[i] = brightness
	}
	f := frame.Frame{
		Seq:       h.seq,
		Timestamp: epoch.Add(time.Duration(h.seq-1) * h.spacing),
		Width:     4,
		Height:    4,
		Format:    frame.Gray8,
		Data:      data,
	}

	select {
	case h.src.frames <- f:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("frame %d not accepted", f.Seq)
	}
	select {
	case <-h.processed:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("frame %d not processed", f.Seq)
	}
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; session %+v stats %+v", what, h.p.Session(), h.p.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) drain() *recorder {
	var r recorder
	h.pub.Drain(&r)
	return &r
}

func facesFrom(seq uint64) *detection.Mock {
	return &detection.Mock{
		DetectFunc: func(f frame.Frame) ([]detection.FaceBox, error) {
			if f.Seq >= seq {
				return oneFace, nil
			}
			return nil, nil
		},
	}
}

func TestScenario_BrightFaceCapturesOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig(), facesFrom(10))
	h.spacing = 500 * time.Millisecond // frames 1-9 span 4s of samples

	for i := 1; i <= 9; i++ {
		h.step(200)
	}
	if s := h.p.Session(); s.State != arbiter.Idle {
		t.Fatalf("before faces: got %v, want idle", s.State)
	}
	if got := h.p.Stats().Luminance.Evaluated; got < 3 {
		t.Fatalf("samples before the face: got %d, want at least 3", got)
	}
	if !h.p.Sampler().State() {
		t.Fatal("lighting should be lit before the face appears")
	}

	h.step(200) // frame 10: face appears
	h.waitFor("captured", func() bool { return h.p.Session().Captured })

	h.step(200) // frame 11
	s := h.p.Session()
	if s.State != arbiter.Captured || s.ArtifactPath != "/tmp/still-1.jpg" {
		t.Errorf("after frame 11: got %+v", s)
	}
	if got := h.src.Calls(); got != 1 {
		t.Errorf("captures: got %d, want 1", got)
	}
	if h.src.opts[0] != frame.DefaultStillOptions() {
		t.Errorf("still options: got %+v", h.src.opts[0])
	}

	r := h.drain()
	if r.count("captured:/tmp/still-1.jpg") != 1 {
		t.Errorf("captured events: got %v", r.events)
	}
	if r.count("lit:true") != 1 {
		t.Errorf("lighting events: got %v", r.events)
	}
}

func TestScenario_DarkNeverCaptures(t *testing.T) {
	h := newHarness(t, DefaultConfig(), detection.NewMock(oneFace...))

	for i := 0; i < 300; i++ {
		h.step(50)
	}
	if s := h.p.Session(); s.State != arbiter.Armed {
		t.Errorf("state: got %v, want armed", s.State)
	}
	if got := h.src.Calls(); got != 0 {
		t.Errorf("captures: got %d, want 0", got)
	}
	if st := h.p.Stats(); st.Luminance.Evaluated < 9 || st.Luminance.Evaluated > 11 {
		t.Errorf("luminance evaluations over 10s: got %d, want 10±1", st.Luminance.Evaluated)
	}
}

func TestScenario_FaceLossForgetsArmedState(t *testing.T) {
	// Frames are a full interval apart so every frame is sampled. The
	// scene stays dark while the face is first seen so nothing fires
	// before the gap.
	det := &detection.Mock{
		DetectFunc: func(f frame.Frame) ([]detection.FaceBox, error) {
			if f.Seq == 6 {
				return nil, nil
			}
			return oneFace, nil
		},
	}
	h := newHarness(t, DefaultConfig(), det)
	h.spacing = time.Second
	hang := make(chan struct{})
	defer close(hang)
	h.src.captureFunc = func(ctx context.Context, call int) (frame.Artifact, error) {
		<-hang
		return frame.Artifact{}, errors.New("released")
	}

	for i := 1; i <= 5; i++ {
		h.step(50)
	}
	if s := h.p.Session(); s.State != arbiter.Armed {
		t.Fatalf("frames 1-5: got %v, want armed", s.State)
	}

	h.step(200) // frame 6: no face
	if s := h.p.Session(); s.State != arbiter.Idle {
		t.Fatalf("frame 6: got %v, want idle", s.State)
	}

	h.step(200) // frame 7: face back, bright
	s := h.p.Session()
	if s.State != arbiter.CaptureInFlight || s.Attempts != 1 {
		t.Errorf("frame 7: got %+v, want capture_in_flight on attempt 1", s)
	}
	h.waitFor("capture call", func() bool { return h.src.Calls() == 1 })
}

func TestFaceLossDuringCapture(t *testing.T) {
	det := &detection.Mock{
		DetectFunc: func(f frame.Frame) ([]detection.FaceBox, error) {
			if f.Seq == 2 {
				return nil, nil
			}
			return oneFace, nil
		},
	}
	h := newHarness(t, DefaultConfig(), det)
	h.spacing = time.Second
	release := make(chan struct{})
	h.src.captureFunc = func(ctx context.Context, call int) (frame.Artifact, error) {
		<-release
		return frame.Artifact{Path: "/tmp/kept.jpg"}, nil
	}

	h.step(200) // frame 1: face, lit, capture starts
	h.waitFor("capture call", func() bool { return h.src.Calls() == 1 })

	h.step(200) // frame 2: face lost mid-capture
	s := h.p.Session()
	if s.State != arbiter.Idle || !s.InFlight {
		t.Fatalf("frame 2: got state=%v inFlight=%t, want idle with capture in flight", s.State, s.InFlight)
	}

	h.step(200) // frame 3: face back, no second request
	if s := h.p.Session(); s.State != arbiter.Armed || !s.InFlight {
		t.Errorf("frame 3: got state=%v inFlight=%t, want armed with capture in flight", s.State, s.InFlight)
	}

	close(release)
	h.waitFor("captured", func() bool { return h.p.Session().Captured })

	if got := h.src.Calls(); got != 1 {
		t.Errorf("captures: got %d, want 1", got)
	}
	if s := h.p.Session(); s.State != arbiter.Captured || s.ArtifactPath != "/tmp/kept.jpg" {
		t.Errorf("session: got %+v", s)
	}
	if r := h.drain(); r.count("captured:/tmp/kept.jpg") != 1 {
		t.Errorf("captured events: got %v", r.events)
	}
}

func TestScenario_FailedCaptureRetries(t *testing.T) {
	h := newHarness(t, DefaultConfig(), detection.NewMock(oneFace...))
	h.spacing = time.Second
	h.src.captureFunc = func(ctx context.Context, call int) (frame.Artifact, error) {
		if call == 1 {
			return frame.Artifact{}, errors.New("camera busy")
		}
		return frame.Artifact{Path: "/tmp/retry.jpg"}, nil
	}

	h.step(200)
	h.waitFor("first failure", func() bool { return h.p.Stats().CapturesFailed == 1 })
	if s := h.p.Session(); s.State != arbiter.Armed || s.InFlight {
		t.Fatalf("after failure: got %+v, want armed", s)
	}

	h.step(200)
	h.waitFor("retry success", func() bool { return h.p.Session().Captured })

	s := h.p.Session()
	if s.ArtifactPath != "/tmp/retry.jpg" || s.Attempts != 2 {
		t.Errorf("session: got %+v", s)
	}
	st := h.p.Stats()
	if st.CapturesRequested != 2 || st.CapturesSucceeded != 1 || st.CapturesFailed != 1 {
		t.Errorf("stats: got %+v", st)
	}
	if r := h.drain(); r.count("captured:/tmp/retry.jpg") != 1 {
		t.Errorf("captured events: got %v", r.events)
	}
}

func TestCaptureTimeout_RevertsToArmed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CaptureTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, detection.NewMock(oneFace...))
	h.spacing = time.Second

	// The source ignores ctx; the timeout must still fire.
	hang := make(chan struct{})
	defer close(hang)
	h.src.captureFunc = func(ctx context.Context, call int) (frame.Artifact, error) {
		<-hang
		return frame.Artifact{Path: "/tmp/late.jpg"}, nil
	}

	h.step(200)
	h.waitFor("timeout", func() bool { return h.p.Stats().CapturesFailed == 1 })
	if s := h.p.Session(); s.State != arbiter.Armed || s.Captured {
		t.Fatalf("after timeout: got %+v, want armed", s)
	}

	h.step(200)
	h.waitFor("second attempt", func() bool { return h.src.Calls() == 2 })
}

func TestCaptureTimeout_DisabledStallsUntilReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CaptureTimeout = 0
	h := newHarness(t, cfg, detection.NewMock(oneFace...))
	h.spacing = time.Second
	h.src.captureFunc = func(ctx context.Context, call int) (frame.Artifact, error) {
		<-ctx.Done()
		return frame.Artifact{}, ctx.Err()
	}

	h.step(200)
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		h.step(200)
	}
	s := h.p.Session()
	if s.State != arbiter.CaptureInFlight || s.Attempts != 1 {
		t.Fatalf("stalled session: got %+v", s)
	}

	old := s.ID
	if err := h.p.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	s = h.p.Session()
	if s.ID == old || s.State != arbiter.Idle {
		t.Errorf("after reset: got %+v", s)
	}
	h.waitFor("stale result", func() bool { return h.p.Stats().StaleResults == 1 })
	if h.p.Session().Captured {
		t.Error("abandoned attempt must not latch the new session")
	}
}

func TestDetectorFailure_ClearsOverlay(t *testing.T) {
	det := &detection.Mock{
		DetectFunc: func(f frame.Frame) ([]detection.FaceBox, error) {
			switch f.Seq {
			case 2:
				return nil, errors.New("inference failed")
			case 3:
				panic("detector crashed")
			}
			return oneFace, nil
		},
	}
	h := newHarness(t, DefaultConfig(), det)

	h.step(50)
	if s := h.p.Session(); s.State != arbiter.Armed {
		t.Fatalf("frame 1: got %v, want armed", s.State)
	}
	h.drain()

	h.step(50) // error
	if s := h.p.Session(); s.State != arbiter.Idle {
		t.Errorf("frame 2: got %v, want idle", s.State)
	}
	r := h.drain()
	if len(r.events) != 1 || r.events[0] != "faces:0" {
		t.Errorf("frame 2 events: got %v, want [faces:0]", r.events)
	}

	h.step(50) // panic
	if r := h.drain(); len(r.events) != 0 {
		t.Errorf("frame 3 events: got %v, want none (already cleared)", r.events)
	}

	h.step(50)
	if s := h.p.Session(); s.State != arbiter.Armed {
		t.Errorf("frame 4: got %v, want armed", s.State)
	}
	if got := h.p.Stats().DetectorFailures; got != 2 {
		t.Errorf("detector failures: got %d, want 2", got)
	}
}

func TestCaptured_IgnoresFrames(t *testing.T) {
	det := detection.NewMock(oneFace...)
	h := newHarness(t, DefaultConfig(), det)

	h.step(200)
	h.waitFor("captured", func() bool { return h.p.Session().Captured })

	for i := 0; i < 10; i++ {
		h.step(200)
	}
	if got := len(det.Seqs()); got != 1 {
		t.Errorf("detector calls: got %d, want 1", got)
	}
	if got := h.p.Stats().FramesIgnored; got != 10 {
		t.Errorf("ignored frames: got %d, want 10", got)
	}
}

func TestReset_StartsNewSession(t *testing.T) {
	h := newHarness(t, DefaultConfig(), detection.NewMock(oneFace...))
	h.spacing = time.Second

	h.step(200)
	h.waitFor("captured", func() bool { return h.p.Session().Captured })
	first := h.p.Session()

	if err := h.p.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	s := h.p.Session()
	if s.ID == first.ID || s.Captured || s.HasArtifact || s.State != arbiter.Idle {
		t.Errorf("after reset: got %+v", s)
	}
	r := h.drain()
	if r.count("reset") != 1 {
		t.Errorf("reset events: got %v", r.events)
	}

	h.step(200)
	h.waitFor("second capture", func() bool { return h.p.Session().Captured })
	if got := h.src.Calls(); got != 2 {
		t.Errorf("captures across sessions: got %d, want 2", got)
	}

	// The overlay was cleared by the reset, so faces and lighting are
	// republished for the new session.
	r = h.drain()
	if r.count("faces:1") != 1 || r.count("lit:true") != 1 {
		t.Errorf("events after reset: got %v", r.events)
	}
}

func TestReset_AfterRunReturns(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.cancel()
	if err := <-h.runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want context.Canceled", err)
	}
	h.runErr <- nil // for cleanup

	if err := h.p.Reset(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Reset: got %v, want ErrClosed", err)
	}
}

func TestRun_SourceClosed(t *testing.T) {
	src := newFakeSource()
	p, err := New(DefaultConfig(), src, nil, publish.New(0, nil), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	close(src.frames)
	if err := p.Run(context.Background()); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Run: got %v, want ErrSourceClosed", err)
	}
	if err := p.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run: got %v, want ErrAlreadyRunning", err)
	}
}

func TestCaptureError_Unwrap(t *testing.T) {
	err := error(&CaptureError{Attempt: 2, Err: ErrCaptureTimeout})
	if !errors.Is(err, ErrCaptureTimeout) {
		t.Error("CaptureError should unwrap to its cause")
	}
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Attempt != 2 {
		t.Errorf("errors.As: got %+v", ce)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no timeout", func(c *Config) { c.CaptureTimeout = 0 }, false},
		{"negative timeout", func(c *Config) { c.CaptureTimeout = -time.Second }, true},
		{"bad threshold", func(c *Config) { c.Luminance = luminance.Config{Threshold: 300, Interval: time.Second} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
