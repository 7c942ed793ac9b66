// Package luminance decides whether a scene is lit well enough for a still
// capture by averaging raw frame samples at a throttled cadence.
package luminance

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sharmahdk13s/go-facecapture/pkg/debug"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// DefaultThreshold is the mean brightness, on an 8-bit scale, a frame must
// exceed to count as sufficiently lit.
const DefaultThreshold = 140.0

// ErrEmptyBuffer is returned by Mean for a zero-length buffer.
var ErrEmptyBuffer = errors.New("luminance: empty buffer")

// FailurePolicy decides the lighting state reported when a frame cannot be read.
type FailurePolicy int

const (
	// FailOpen reports unreadable frames as sufficiently lit so a transient
	// decode error never holds up a capture.
	FailOpen FailurePolicy = iota
	// FailClosed reports unreadable frames as too dark.
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// Config holds sampler tuning.
type Config struct {
	Threshold float64       // Mean brightness that must be exceeded (0-255)
	Interval  time.Duration // Minimum spacing between evaluations
	Policy    FailurePolicy // Lighting state reported on read failure
}

// DefaultConfig samples once per second against a threshold of 140.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		Interval:  time.Second,
		Policy:    FailOpen,
	}
}

// Validate checks the config for errors.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 255 {
		return fmt.Errorf("luminance: threshold %.1f outside 0-255", c.Threshold)
	}
	if c.Interval <= 0 {
		return errors.New("luminance: interval must be positive")
	}
	return nil
}

// Mean returns the arithmetic mean of all samples in buf.
func Mean(buf []byte) (float64, error) {
	if len(buf) == 0 {
		return 0, ErrEmptyBuffer
	}
	var sum uint64
	for _, b := range buf {
		sum += uint64(b)
	}
	return float64(sum) / float64(len(buf)), nil
}

// Stats counts sampler activity.
type Stats struct {
	Evaluated uint64 `json:"evaluated"`
	Skipped   uint64 `json:"skipped"`
	Failures  uint64 `json:"failures"`
}

// Sampler evaluates frame brightness at most once per Interval and keeps
// the latest lighting state until the next evaluation overwrites it.
//
// Sample must be called from a single goroutine (the frame loop). State
// and Stats are safe to read from anywhere.
type Sampler struct {
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger

	// Now supplies the time for frames without a timestamp.
	Now func() time.Time

	lit       atomic.Bool
	lastMean  atomic.Uint64 // float64 bits
	evaluated atomic.Uint64
	skipped   atomic.Uint64
	failures  atomic.Uint64
}

// NewSampler creates a sampler. Invalid configs are rejected.
func NewSampler(cfg Config, logger *slog.Logger) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		log:     logger.With("component", "luminance"),
		Now:     time.Now,
	}, nil
}

// Config returns the sampler configuration.
func (s *Sampler) Config() Config {
	return s.cfg
}

// Sample evaluates f if the sampling interval has elapsed since the last
// evaluation. It returns the current lighting state and whether f was
// actually evaluated. Read failures never surface; they resolve through
// the configured FailurePolicy.
func (s *Sampler) Sample(f frame.Frame) (lit bool, evaluated bool) {
	at := f.Timestamp
	if at.IsZero() {
		at = s.Now()
	}
	if !s.limiter.AllowN(at, 1) {
		s.skipped.Add(1)
		return s.lit.Load(), false
	}
	s.evaluated.Add(1)

	mean, err := s.measure(f)
	if err != nil {
		s.failures.Add(1)
		lit = s.cfg.Policy == FailOpen
		s.log.Warn("luminance read failed", "seq", f.Seq, "error", err, "policy", s.cfg.Policy, "lit", lit)
		s.lit.Store(lit)
		return lit, true
	}

	lit = mean > s.cfg.Threshold
	s.lit.Store(lit)
	s.lastMean.Store(floatBits(mean))
	debug.FrameLog(s.log, "luminance sampled", "seq", f.Seq, "mean", mean, "lit", lit)
	return lit, true
}

func (s *Sampler) measure(f frame.Frame) (float64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	return Mean(f.Data)
}

// State returns the latest lighting state.
func (s *Sampler) State() bool {
	return s.lit.Load()
}

// LastMean returns the mean brightness of the last successful evaluation.
func (s *Sampler) LastMean() float64 {
	return floatFromBits(s.lastMean.Load())
}

// Stats returns a snapshot of sampler counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Evaluated: s.evaluated.Load(),
		Skipped:   s.skipped.Load(),
		Failures:  s.failures.Load(),
	}
}

func floatBits(f float64) uint64      { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }
