package detection

import (
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/sharmahdk13s/go-facecapture/pkg/debug"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// FailNoFaces is the failure policy of Presence: a detector error or panic
// is reported as zero faces for that frame and nothing else.
const FailNoFaces = "no-faces"

// Result is the outcome of one Presence check.
type Result struct {
	Faces  []FaceBox
	Failed bool  // detector errored or panicked
	Err    error // the recovered failure, if any
}

// Presence wraps a Detector so it can run on every frame without ever
// failing the frame loop.
type Presence struct {
	detector Detector
	log      *slog.Logger

	calls    atomic.Uint64
	failures atomic.Uint64
}

// NewPresence wraps d.
func NewPresence(d Detector, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		detector: d,
		log:      logger.With("component", "detection"),
	}
}

// Check runs the detector on f. The returned faces are a fresh slice owned
// by the caller; later detector calls never alias it.
func (p *Presence) Check(f frame.Frame) (res Result) {
	p.calls.Add(1)

	defer func() {
		if r := recover(); r != nil {
			res = p.fail(f, fmt.Errorf("detector panic: %v", r))
		}
	}()

	if p.detector == nil {
		return Result{}
	}

	faces, err := p.detector.Detect(f)
	if err != nil {
		return p.fail(f, err)
	}
	if len(faces) == 0 {
		return Result{}
	}

	res.Faces = slices.Clone(faces)
	debug.FrameLog(p.log, "faces detected", "seq", f.Seq, "count", len(res.Faces))
	return res
}

func (p *Presence) fail(f frame.Frame, err error) Result {
	p.failures.Add(1)
	p.log.Warn("face detection failed", "seq", f.Seq, "error", err, "policy", FailNoFaces)
	return Result{Failed: true, Err: err}
}

// Calls returns how many frames were checked.
func (p *Presence) Calls() uint64 {
	return p.calls.Load()
}

// Failures returns how many checks were recovered from a detector failure.
func (p *Presence) Failures() uint64 {
	return p.failures.Load()
}

// Close releases the wrapped detector.
func (p *Presence) Close() error {
	if p.detector == nil {
		return nil
	}
	return p.detector.Close()
}
