// Package arbiter combines per-frame lighting and face signals into a
// single still-capture decision, guaranteeing at most one capture per
// session.
//
// The state machine:
//
//	Idle ──faces──▶ Armed ──lit──▶ CaptureInFlight ──ok──▶ Captured
//	  ▲               │                  │
//	  └──no faces─────┘◀─────failed──────┘
//
// Losing the face returns any non-terminal state to Idle, including
// CaptureInFlight; the session's InFlight flag keeps the outstanding
// capture from being requested twice. Captured is terminal until Reset
// starts a new session.
package arbiter

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// State is the arbiter's position in the capture state machine.
type State int

const (
	Idle State = iota
	Armed
	CaptureInFlight
	Captured
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case CaptureInFlight:
		return "capture_in_flight"
	case Captured:
		return "captured"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Idle, Armed, CaptureInFlight, Captured} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("arbiter: unknown state %q", text)
}

// Session is the arbiter's per-session state. It is a plain value; the
// arbiter hands out copies.
type Session struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Captured     bool      `json:"captured"`
	InFlight     bool      `json:"in_flight"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	HasArtifact  bool      `json:"has_artifact"`
	Attempts     int       `json:"attempts"`
	AttemptID    string    `json:"attempt_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// Request asks the frame source for one still.
type Request struct {
	SessionID string
	AttemptID string
	Attempt   int
	Options   frame.StillOptions
}

// Result reports the outcome of a Request.
type Result struct {
	SessionID string
	AttemptID string
	Artifact  frame.Artifact
	Err       error
}

// Decision is the outcome of evaluating one frame.
type Decision struct {
	From, To State

	// Ignored is set when the session is already captured.
	Ignored bool

	// ClearOverlay asks the consumer to drop face and lighting overlays.
	ClearOverlay bool

	// Request is non-nil when a capture must be dispatched.
	Request *Request
}

// Outcome is the effect of applying a capture Result.
type Outcome int

const (
	// Stale results belong to a reset session or a superseded attempt.
	Stale Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "stale"
	}
}

// Arbiter owns a Session and drives it through the capture state machine.
//
// An Arbiter is not safe for concurrent use. One goroutine (the frame
// loop) owns it; capture results and resets reach that goroutine over
// channels.
type Arbiter struct {
	session Session
	options frame.StillOptions
	now     func() time.Time

	// OnTransition, if set, is called for every state change.
	OnTransition func(from, to State)
}

// New creates an arbiter with a fresh Idle session.
func New() *Arbiter {
	a := &Arbiter{
		options: frame.DefaultStillOptions(),
		now:     time.Now,
	}
	a.session = a.newSession()
	return a
}

func (a *Arbiter) newSession() Session {
	return Session{
		ID:        uuid.NewString(),
		State:     Idle,
		StartedAt: a.now(),
	}
}

// Session returns a copy of the current session.
func (a *Arbiter) Session() Session {
	return a.session
}

// State returns the current state.
func (a *Arbiter) State() State {
	return a.session.State
}

func (a *Arbiter) transition(to State) {
	from := a.session.State
	if from == to {
		return
	}
	a.session.State = to
	if a.OnTransition != nil {
		a.OnTransition(from, to)
	}
}

// Evaluate applies one frame's signals. lit must be read once per frame
// by the caller so every decision in this call sees the same value.
func (a *Arbiter) Evaluate(faces []detection.FaceBox, lit bool) Decision {
	d := Decision{From: a.session.State}

	if a.session.Captured {
		d.Ignored = true
		d.To = a.session.State
		return d
	}

	if len(faces) == 0 {
		d.ClearOverlay = true
		// An outstanding capture keeps InFlight set; it still blocks new
		// requests and its result is applied by Complete.
		a.transition(Idle)
		d.To = a.session.State
		return d
	}

	if a.session.State == Idle {
		a.transition(Armed)
	}

	if a.session.State == Armed && lit && !a.session.InFlight {
		a.session.InFlight = true
		a.session.Attempts++
		a.session.AttemptID = uuid.NewString()
		a.transition(CaptureInFlight)
		d.Request = &Request{
			SessionID: a.session.ID,
			AttemptID: a.session.AttemptID,
			Attempt:   a.session.Attempts,
			Options:   a.options,
		}
	}

	d.To = a.session.State
	return d
}

// Complete applies a capture result. Success latches the session;
// failure reverts it to Armed so a later frame can retry.
func (a *Arbiter) Complete(r Result) Outcome {
	if r.SessionID != a.session.ID || r.AttemptID != a.session.AttemptID || !a.session.InFlight {
		return Stale
	}
	a.session.InFlight = false

	if r.Err != nil {
		a.transition(Armed)
		return Failed
	}

	a.session.Captured = true
	a.session.ArtifactPath = r.Artifact.Path
	a.session.HasArtifact = true
	a.transition(Captured)
	return Succeeded
}

// Reset abandons the current session, including any in-flight attempt,
// and starts a new Idle one.
func (a *Arbiter) Reset() Session {
	from := a.session.State
	a.session = a.newSession()
	if from != Idle && a.OnTransition != nil {
		a.OnTransition(from, Idle)
	}
	return a.session
}
