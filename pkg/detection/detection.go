// Package detection provides face presence detection for live frames
package detection

import (
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// FaceBox is one detected face, normalized to the frame dimensions.
// X, Y is the top-left corner. Coordinates are detector-native: no
// mirroring is applied for front-facing cameras.
type FaceBox struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Center returns the center point of the box
func (b FaceBox) Center() (x, y float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Area returns the area of the bounding box
func (b FaceBox) Area() float64 {
	return b.Width * b.Height
}

// Valid reports whether the box has a positive size.
func (b FaceBox) Valid() bool {
	return b.Width > 0 && b.Height > 0
}

// Detector is the interface for face detection backends
type Detector interface {
	// Detect finds faces in the frame. An empty result means no faces.
	Detect(f frame.Frame) ([]FaceBox, error)

	// Close releases resources
	Close() error
}

// SelectBest picks the most prominent face from multiple detections.
// Priority: confidence * 0.7 + relative area * 0.3
func SelectBest(boxes []FaceBox) *FaceBox {
	if len(boxes) == 0 {
		return nil
	}

	if len(boxes) == 1 {
		return &boxes[0]
	}

	maxArea := 0.0
	for _, b := range boxes {
		if b.Area() > maxArea {
			maxArea = b.Area()
		}
	}
	if maxArea == 0 {
		maxArea = 1
	}

	bestScore := -1.0
	var best *FaceBox

	for i := range boxes {
		score := boxes[i].Confidence*0.7 + (boxes[i].Area()/maxArea)*0.3
		if score > bestScore {
			bestScore = score
			best = &boxes[i]
		}
	}

	return best
}

// Equal reports whether two face lists hold the same boxes in the same order.
func Equal(a, b []FaceBox) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
