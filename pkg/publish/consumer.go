package publish

import (
	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// Consumer receives pipeline outputs on the consumer goroutine.
// These callbacks are the only observable effects of the pipeline.
type Consumer interface {
	OnFacesChanged(faces []detection.FaceBox)
	OnLightingChanged(lit bool)
	OnCaptured(artifact frame.Artifact)
	OnSessionReset()
}

// Funcs adapts optional functions to a Consumer. Nil fields are no-ops.
type Funcs struct {
	Faces    func(faces []detection.FaceBox)
	Lighting func(lit bool)
	Captured func(artifact frame.Artifact)
	Reset    func()
}

func (f Funcs) OnFacesChanged(faces []detection.FaceBox) {
	if f.Faces != nil {
		f.Faces(faces)
	}
}

func (f Funcs) OnLightingChanged(lit bool) {
	if f.Lighting != nil {
		f.Lighting(lit)
	}
}

func (f Funcs) OnCaptured(artifact frame.Artifact) {
	if f.Captured != nil {
		f.Captured(artifact)
	}
}

func (f Funcs) OnSessionReset() {
	if f.Reset != nil {
		f.Reset()
	}
}

// Fanout delivers every callback to each consumer in order. When a Fanout
// is run by a Publisher, a panic in one member is recovered without
// skipping the members after it.
type Fanout []Consumer

func (fo Fanout) OnFacesChanged(faces []detection.FaceBox) {
	for _, c := range fo {
		c.OnFacesChanged(faces)
	}
}

func (fo Fanout) OnLightingChanged(lit bool) {
	for _, c := range fo {
		c.OnLightingChanged(lit)
	}
}

func (fo Fanout) OnCaptured(artifact frame.Artifact) {
	for _, c := range fo {
		c.OnCaptured(artifact)
	}
}

func (fo Fanout) OnSessionReset() {
	for _, c := range fo {
		c.OnSessionReset()
	}
}
