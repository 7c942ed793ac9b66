// Package debug provides global debug logging flags
package debug

import (
	"log/slog"
	"sync/atomic"
)

var (
	enabled atomic.Bool
	frames  atomic.Bool
)

// Enable turns on general debug logging.
func Enable(on bool) { enabled.Store(on) }

// EnableFrames turns on per-frame logs (luminance samples, detections,
// arbiter evaluations). Very verbose at camera frame rates.
// Use --debug-frames to enable.
func EnableFrames(on bool) { frames.Store(on) }

// Enabled reports whether debug logging is active.
func Enabled() bool { return enabled.Load() }

// Frames reports whether per-frame logging is active.
func Frames() bool { return frames.Load() }

// Log emits a debug record through l only if debug mode is enabled.
func Log(l *slog.Logger, msg string, args ...any) {
	if enabled.Load() {
		l.Debug(msg, args...)
	}
}

// FrameLog emits a debug record through l only if per-frame logging is enabled.
func FrameLog(l *slog.Logger, msg string, args ...any) {
	if frames.Load() {
		l.Debug(msg, args...)
	}
}
