// Package pipeline runs the frame decision loop: every frame from a
// camera Source is sampled for brightness, checked for faces and handed
// to the capture arbiter. Still captures run off the frame goroutine and
// report back over a channel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharmahdk13s/go-facecapture/pkg/arbiter"
	"github.com/sharmahdk13s/go-facecapture/pkg/debug"
	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
	"github.com/sharmahdk13s/go-facecapture/pkg/luminance"
	"github.com/sharmahdk13s/go-facecapture/pkg/publish"
)

// DefaultCaptureTimeout bounds a single still capture.
const DefaultCaptureTimeout = 10 * time.Second

var (
	// ErrCaptureTimeout is reported when a still capture exceeds CaptureTimeout.
	ErrCaptureTimeout = errors.New("pipeline: capture timed out")

	// ErrClosed is returned by Reset once Run has returned.
	ErrClosed = errors.New("pipeline: closed")

	// ErrSourceClosed is returned by Run when the frame stream ends.
	ErrSourceClosed = errors.New("pipeline: frame source closed")

	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("pipeline: already running")
)

// CaptureError wraps a failed still capture attempt.
type CaptureError struct {
	Attempt int
	Err     error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture attempt %d: %v", e.Attempt, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Config holds pipeline configuration.
type Config struct {
	Luminance luminance.Config

	// CaptureTimeout bounds each still capture. A capture that exceeds it
	// fails with ErrCaptureTimeout and the session becomes eligible for
	// retry. 0 disables the timeout: a hung capture then keeps the session
	// in flight, blocking further requests, until Reset.
	CaptureTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Luminance:      luminance.DefaultConfig(),
		CaptureTimeout: DefaultCaptureTimeout,
	}
}

// Validate checks the config for errors.
func (c Config) Validate() error {
	if err := c.Luminance.Validate(); err != nil {
		return err
	}
	if c.CaptureTimeout < 0 {
		return errors.New("pipeline: capture timeout must not be negative")
	}
	return nil
}

// Stats is a snapshot of pipeline activity.
type Stats struct {
	Frames            uint64          `json:"frames"`
	FramesIgnored     uint64          `json:"frames_ignored"`
	DetectorFailures  uint64          `json:"detector_failures"`
	CapturesRequested uint64          `json:"captures_requested"`
	CapturesSucceeded uint64          `json:"captures_succeeded"`
	CapturesFailed    uint64          `json:"captures_failed"`
	StaleResults      uint64          `json:"stale_results"`
	Resets            uint64          `json:"resets"`
	Luminance         luminance.Stats `json:"luminance"`
	Publisher         publish.Stats   `json:"publisher"`
}

// Pipeline owns the arbiter and sampler on a single goroutine (Run).
type Pipeline struct {
	cfg      Config
	src      frame.Source
	presence *detection.Presence
	sampler  *luminance.Sampler
	arbiter  *arbiter.Arbiter
	pub      *publish.Publisher
	log      *slog.Logger

	results chan arbiter.Result
	resets  chan chan struct{}
	done    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup

	// Frame goroutine only.
	cancelAttempt context.CancelFunc
	overlayFaces  []detection.FaceBox
	overlayLit    bool
	afterFrame    func(frame.Frame)

	session atomic.Pointer[arbiter.Session]

	frames        atomic.Uint64
	ignored       atomic.Uint64
	requested     atomic.Uint64
	succeeded     atomic.Uint64
	failed        atomic.Uint64
	stale         atomic.Uint64
	resetsApplied atomic.Uint64
}

// New wires a pipeline. det may be nil, in which case no faces are ever
// reported.
func New(cfg Config, src frame.Source, det detection.Detector, pub *publish.Publisher, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("pipeline: nil frame source")
	}
	if pub == nil {
		return nil, errors.New("pipeline: nil publisher")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sampler, err := luminance.NewSampler(cfg.Luminance, logger)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		src:      src,
		presence: detection.NewPresence(det, logger),
		sampler:  sampler,
		arbiter:  arbiter.New(),
		pub:      pub,
		log:      logger.With("component", "pipeline"),
		results:  make(chan arbiter.Result),
		resets:   make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	p.arbiter.OnTransition = func(from, to arbiter.State) {
		p.log.Info("session state", "from", from, "to", to)
	}
	p.storeSession()
	return p, nil
}

// Sampler exposes the luminance sampler for inspection.
func (p *Pipeline) Sampler() *luminance.Sampler {
	return p.sampler
}

// Session returns the latest session snapshot. Safe from any goroutine.
func (p *Pipeline) Session() arbiter.Session {
	return *p.session.Load()
}

func (p *Pipeline) storeSession() {
	s := p.arbiter.Session()
	p.session.Store(&s)
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:            p.frames.Load(),
		FramesIgnored:     p.ignored.Load(),
		DetectorFailures:  p.presence.Failures(),
		CapturesRequested: p.requested.Load(),
		CapturesSucceeded: p.succeeded.Load(),
		CapturesFailed:    p.failed.Load(),
		StaleResults:      p.stale.Load(),
		Resets:            p.resetsApplied.Load(),
		Luminance:         p.sampler.Stats(),
		Publisher:         p.pub.Stats(),
	}
}

// Run processes frames until ctx is done or the source closes its
// stream. It returns ctx.Err() or ErrSourceClosed. Run may only be
// called once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(p.done)
	defer p.wg.Wait()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.log.Info("pipeline started",
		"threshold", p.cfg.Luminance.Threshold,
		"interval", p.cfg.Luminance.Interval,
		"capture_timeout", p.cfg.CaptureTimeout,
		"session", p.Session().ID)

	frames := p.src.Frames()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopped", "reason", ctx.Err())
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				p.log.Info("pipeline stopped", "reason", "source closed")
				return ErrSourceClosed
			}
			p.processFrame(runCtx, f)

		case r := <-p.results:
			p.complete(r)

		case ack := <-p.resets:
			p.reset()
			close(ack)
		}
	}
}

// processFrame runs one frame through sampler, detector and arbiter. f is
// not retained after it returns.
func (p *Pipeline) processFrame(ctx context.Context, f frame.Frame) {
	p.frames.Add(1)
	if p.afterFrame != nil {
		defer p.afterFrame(f)
	}

	if p.arbiter.Session().Captured {
		p.ignored.Add(1)
		return
	}

	lit, _ := p.sampler.Sample(f)
	res := p.presence.Check(f)

	d := p.arbiter.Evaluate(res.Faces, lit)
	debug.FrameLog(p.log, "frame evaluated",
		"seq", f.Seq, "faces", len(res.Faces), "lit", lit, "from", d.From, "to", d.To)

	if d.ClearOverlay {
		p.clearOverlay()
	} else {
		p.setOverlayFaces(res.Faces)
		p.setOverlayLit(lit)
	}

	if d.Request != nil {
		p.dispatch(ctx, *d.Request)
	}
	p.storeSession()
}

func (p *Pipeline) setOverlayFaces(faces []detection.FaceBox) {
	if detection.Equal(p.overlayFaces, faces) {
		return
	}
	p.overlayFaces = faces
	if faces == nil {
		faces = []detection.FaceBox{}
	}
	p.pub.PublishFaces(faces)

	if best := detection.SelectBest(faces); best != nil {
		debug.Log(p.log, "primary face", "x", best.X, "y", best.Y, "confidence", best.Confidence)
	}
}

func (p *Pipeline) setOverlayLit(lit bool) {
	if p.overlayLit == lit {
		return
	}
	p.overlayLit = lit
	p.pub.PublishLighting(lit)
}

// clearOverlay drops face boxes and the lighting indicator. The sampler's
// lighting state is untouched; it is republished with the next face.
func (p *Pipeline) clearOverlay() {
	p.setOverlayFaces(nil)
	p.setOverlayLit(false)
}

// dispatch starts the still capture for req on its own goroutine.
func (p *Pipeline) dispatch(ctx context.Context, req arbiter.Request) {
	p.requested.Add(1)
	p.log.Info("capture requested", "session", req.SessionID, "attempt", req.Attempt)

	attemptCtx, cancel := context.WithCancel(ctx)
	p.cancelAttempt = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		r := p.capture(attemptCtx, req)
		select {
		case p.results <- r:
		case <-ctx.Done():
		}
	}()
}

// capture calls the source and enforces CaptureTimeout even when the
// source ignores ctx. An abandoned call finishes in the background and its
// result is discarded.
func (p *Pipeline) capture(ctx context.Context, req arbiter.Request) arbiter.Result {
	r := arbiter.Result{SessionID: req.SessionID, AttemptID: req.AttemptID}

	if p.cfg.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.cfg.CaptureTimeout, ErrCaptureTimeout)
		defer cancel()
	}

	type outcome struct {
		artifact frame.Artifact
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if rec := recover(); rec != nil {
				o.err = fmt.Errorf("capture panic: %v", rec)
			}
			ch <- o
		}()
		o.artifact, o.err = p.src.CaptureStill(ctx, req.Options)
	}()

	select {
	case o := <-ch:
		r.Artifact = o.artifact
		if o.err != nil {
			r.Err = &CaptureError{Attempt: req.Attempt, Err: o.err}
		}
	case <-ctx.Done():
		r.Err = &CaptureError{Attempt: req.Attempt, Err: context.Cause(ctx)}
	}
	return r
}

func (p *Pipeline) complete(r arbiter.Result) {
	switch p.arbiter.Complete(r) {
	case arbiter.Succeeded:
		p.succeeded.Add(1)
		p.cancelAttempt = nil
		p.log.Info("capture succeeded", "session", r.SessionID, "path", r.Artifact.Path)
		p.storeSession()
		p.pub.PublishCaptured(r.Artifact)
	case arbiter.Failed:
		p.failed.Add(1)
		p.cancelAttempt = nil
		p.log.Warn("capture failed", "session", r.SessionID, "error", r.Err)
		p.storeSession()
	default:
		p.stale.Add(1)
		p.log.Debug("stale capture result discarded", "session", r.SessionID, "attempt", r.AttemptID)
	}
}

func (p *Pipeline) reset() {
	if p.cancelAttempt != nil {
		p.cancelAttempt()
		p.cancelAttempt = nil
	}
	s := p.arbiter.Reset()
	p.resetsApplied.Add(1)
	p.overlayFaces = nil
	p.overlayLit = false
	p.storeSession()
	p.log.Info("session reset", "session", s.ID)
	p.pub.PublishReset()
}

// Reset abandons the current session and starts a new one. It is applied
// on the frame goroutine and returns once applied. Reset blocks until Run
// is started, ctx is done, or Run has returned (ErrClosed).
func (p *Pipeline) Reset(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case p.resets <- ack:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
