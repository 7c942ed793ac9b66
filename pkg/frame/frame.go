// Package frame defines the values exchanged between a camera and the
// frame decision pipeline: live frames, still-capture options and the
// artifact produced by a still capture.
package frame

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Format describes the pixel layout of Frame.Data.
type Format int

const (
	// BGR24 is 8-bit interleaved blue, green, red (OpenCV default).
	BGR24 Format = iota
	// Gray8 is a single 8-bit luma plane.
	Gray8
)

// Channels returns the number of byte samples per pixel.
func (f Format) Channels() int {
	switch f {
	case Gray8:
		return 1
	default:
		return 3
	}
}

func (f Format) String() string {
	switch f {
	case BGR24:
		return "bgr24"
	case Gray8:
		return "gray8"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ErrMalformed is returned by Validate when the buffer does not match the
// declared dimensions.
var ErrMalformed = errors.New("frame: malformed buffer")

// Frame is one captured sensor image.
//
// A Frame is only valid for the duration of the processing call it was
// handed to. Consumers must copy anything they want to keep.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    Format
	Data      []byte
}

// Validate checks that Data holds at least Width*Height*Channels samples.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrMalformed, f.Width, f.Height)
	}
	want := f.Width * f.Height * f.Format.Channels()
	if len(f.Data) < want {
		return fmt.Errorf("%w: have %d bytes, want %d", ErrMalformed, len(f.Data), want)
	}
	return nil
}

// StillOptions are the fixed parameters of a high-quality still capture.
type StillOptions struct {
	FlashOff        bool
	SilentShutter   bool
	QualityPriority bool
}

// DefaultStillOptions returns the options the arbiter always requests:
// no flash, no shutter sound, quality over speed.
func DefaultStillOptions() StillOptions {
	return StillOptions{
		FlashOff:        true,
		SilentShutter:   true,
		QualityPriority: true,
	}
}

// Artifact references a captured still image.
type Artifact struct {
	Path       string    `json:"path"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// Source is a camera that streams frames and can take a still on request.
type Source interface {
	// Frames returns the live frame stream. The channel is closed when the
	// source stops.
	Frames() <-chan Frame

	// CaptureStill takes one still image. It may block for the duration of
	// the capture and should honor ctx cancellation.
	CaptureStill(ctx context.Context, opts StillOptions) (Artifact, error)
}
