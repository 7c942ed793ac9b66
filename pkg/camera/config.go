// Package camera holds runtime-configurable webcam settings shared by the
// frame source and the dashboard.
package camera

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoFrame is returned when a still is requested before the camera has
// produced any frame.
var ErrNoFrame = errors.New("camera: no frame available")

// Facing values. The pipeline never mirrors coordinates; Facing is only
// reported so a renderer can.
const (
	FacingFront    = "front"
	FacingBack     = "back"
	FacingExternal = "external"
)

// Pixel formats delivered to the pipeline.
const (
	FormatBGR  = "bgr24"
	FormatGray = "gray8"
)

// Config holds all camera configuration parameters.
type Config struct {
	// Device is an OpenCV device index ("0") or a file/stream URL.
	Device string `json:"device"`
	Facing string `json:"facing"`

	// === Resolution ===
	Width     int `json:"width"`     // Frame width in pixels
	Height    int `json:"height"`    // Frame height in pixels
	Framerate int `json:"framerate"` // Target FPS

	// Format of frames handed to the pipeline: "bgr24" or "gray8".
	Format string `json:"format"`

	// === Stills ===
	// StillQuality is the JPEG quality for quality-priority stills.
	StillQuality int `json:"still_quality"`
	// FastQuality is used when a still does not ask for quality priority.
	FastQuality int `json:"fast_quality"`
	// ArtifactDir receives captured stills.
	ArtifactDir string `json:"artifact_dir"`

	// FrameBuffer is the frame channel depth. When the consumer falls
	// behind, the oldest buffered frame is dropped.
	FrameBuffer int `json:"frame_buffer"`
}

// Limits accepted by Validate.
const (
	MaxWidth     = 4096
	MaxHeight    = 2160
	MaxFramerate = 120
	MaxBuffer    = 64
)

// DefaultConfig returns a 640x480 front webcam at 30 FPS.
func DefaultConfig() Config {
	return Config{
		Device:       "0",
		Facing:       FacingFront,
		Width:        640,
		Height:       480,
		Framerate:    30,
		Format:       FormatBGR,
		StillQuality: 95,
		FastQuality:  80,
		ArtifactDir:  "captures",
		FrameBuffer:  2,
	}
}

// DeviceIndex returns the numeric device index, or false for paths and URLs.
func (c Config) DeviceIndex() (int, bool) {
	i, err := strconv.Atoi(strings.TrimSpace(c.Device))
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errs []string

	if strings.TrimSpace(c.Device) == "" {
		errs = append(errs, "device is required")
	}

	validFacing := map[string]bool{FacingFront: true, FacingBack: true, FacingExternal: true}
	if c.Facing != "" && !validFacing[c.Facing] {
		errs = append(errs, "facing must be front, back, or external")
	}

	if c.Width < 160 || c.Width > MaxWidth {
		errs = append(errs, fmt.Sprintf("width must be between 160 and %d", MaxWidth))
	}
	if c.Height < 120 || c.Height > MaxHeight {
		errs = append(errs, fmt.Sprintf("height must be between 120 and %d", MaxHeight))
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errs = append(errs, fmt.Sprintf("framerate must be between 1 and %d", MaxFramerate))
	}

	if c.Format != FormatBGR && c.Format != FormatGray {
		errs = append(errs, "format must be bgr24 or gray8")
	}

	if c.StillQuality < 1 || c.StillQuality > 100 {
		errs = append(errs, "still_quality must be between 1 and 100")
	}
	if c.FastQuality < 1 || c.FastQuality > 100 {
		errs = append(errs, "fast_quality must be between 1 and 100")
	}
	if c.ArtifactDir == "" {
		errs = append(errs, "artifact_dir is required")
	}

	if c.FrameBuffer < 1 || c.FrameBuffer > MaxBuffer {
		errs = append(errs, fmt.Sprintf("frame_buffer must be between 1 and %d", MaxBuffer))
	}

	return errs
}

// Capabilities returns the limits the dashboard advertises.
func Capabilities() map[string]any {
	return map[string]any{
		"max_width":     MaxWidth,
		"max_height":    MaxHeight,
		"max_framerate": MaxFramerate,
		"formats":       []string{FormatBGR, FormatGray},
		"facings":       []string{FacingFront, FacingBack, FacingExternal},
		"presets":       PresetNames(),
	}
}
