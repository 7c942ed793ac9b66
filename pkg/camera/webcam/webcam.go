// Package webcam is a frame.Source backed by an OpenCV VideoCapture.
//
// Frames are read on a dedicated goroutine and delivered on a small
// buffered channel; when the consumer falls behind the oldest buffered
// frame is dropped. Stills are encoded from the most recent frame.
package webcam

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/sharmahdk13s/go-facecapture/pkg/camera"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// retryDelay is the pause after a failed device read.
const retryDelay = 10 * time.Millisecond

// Source streams frames from a webcam, video file or stream URL.
type Source struct {
	log *slog.Logger

	capMu   sync.Mutex // VideoCapture is not safe for concurrent use
	capture *gocv.VideoCapture

	mu     sync.Mutex
	cfg    camera.Config
	latest gocv.Mat
	hasImg bool
	closed bool

	frames  chan frame.Frame
	seq     uint64
	now     func() time.Time
	dropped atomic.Uint64
	read    atomic.Uint64

	startOnce sync.Once
	done      chan struct{}
}

var _ frame.Source = (*Source)(nil)

func newSource(cfg camera.Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		log:    logger.With("component", "webcam"),
		cfg:    cfg,
		latest: gocv.NewMat(),
		frames: make(chan frame.Frame, cfg.FrameBuffer),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Open opens the configured device. Call Start to begin streaming.
func Open(cfg camera.Config, logger *slog.Logger) (*Source, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("webcam: invalid config: %v", errs)
	}

	s := newSource(cfg, logger)

	var device any = cfg.Device
	if idx, ok := cfg.DeviceIndex(); ok {
		device = idx
	}
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		s.latest.Close()
		return nil, fmt.Errorf("webcam: open %s: %w", cfg.Device, err)
	}
	s.capture = capture
	s.applyLocked(cfg)

	s.log.Info("camera opened",
		"device", cfg.Device,
		"width", int(capture.Get(gocv.VideoCaptureFrameWidth)),
		"height", int(capture.Get(gocv.VideoCaptureFrameHeight)),
		"fps", capture.Get(gocv.VideoCaptureFPS))
	return s, nil
}

// applyLocked pushes resolution and framerate to the device. capMu must
// be held or the read loop not yet started.
func (s *Source) applyLocked(cfg camera.Config) {
	s.capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	s.capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	s.capture.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	s.capture.Set(gocv.VideoCaptureBufferSize, 1)
}

// Apply updates device settings at runtime. It is suitable as a
// camera.Manager OnConfigChange callback. Device and FrameBuffer changes
// need a restart and are ignored.
func (s *Source) Apply(cfg camera.Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("webcam: invalid config: %v", errs)
	}

	s.capMu.Lock()
	if s.capture != nil {
		s.applyLocked(cfg)
	}
	s.capMu.Unlock()

	s.mu.Lock()
	device, buffer := s.cfg.Device, s.cfg.FrameBuffer
	s.cfg = cfg
	s.cfg.Device, s.cfg.FrameBuffer = device, buffer
	s.mu.Unlock()

	s.log.Info("camera reconfigured", "width", cfg.Width, "height", cfg.Height, "fps", cfg.Framerate, "format", cfg.Format)
	return nil
}

// Config returns the active configuration.
func (s *Source) Config() camera.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the read loop. It stops when ctx is done or the stream
// ends, then closes the Frames channel.
func (s *Source) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.readLoop(ctx)
	})
}

// Frames returns the live frame stream.
func (s *Source) Frames() <-chan frame.Frame {
	return s.frames
}

// Done is closed when the read loop exits.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

func (s *Source) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.frames)

	_, isDevice := s.Config().DeviceIndex()

	img := gocv.NewMat()
	defer img.Close()

	for ctx.Err() == nil {
		s.capMu.Lock()
		if s.capture == nil {
			s.capMu.Unlock()
			return
		}
		ok := s.capture.Read(&img)
		s.capMu.Unlock()

		if !ok || img.Empty() {
			if !isDevice {
				s.log.Info("stream ended", "frames", s.read.Load())
				return
			}
			time.Sleep(retryDelay)
			continue
		}

		f, err := s.toFrame(img)
		if err != nil {
			s.log.Warn("frame conversion failed", "error", err)
			continue
		}
		s.read.Add(1)
		s.storeLatest(img)
		s.emit(f)
	}
}

// toFrame copies img into a new Frame in the configured format.
func (s *Source) toFrame(img gocv.Mat) (frame.Frame, error) {
	s.seq++
	cfg := s.Config()
	f := frame.Frame{
		Seq:       s.seq,
		Timestamp: s.now(),
		Width:     img.Cols(),
		Height:    img.Rows(),
		Format:    frame.BGR24,
	}

	if cfg.Format == camera.FormatGray {
		gray := gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
		f.Format = frame.Gray8
		f.Data = gray.ToBytes()
	} else {
		f.Data = img.ToBytes()
	}

	return f, f.Validate()
}

func (s *Source) storeLatest(img gocv.Mat) {
	clone := img.Clone()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		clone.Close()
		return
	}
	old := s.latest
	s.latest = clone
	s.hasImg = true
	s.mu.Unlock()
	old.Close()
}

// emit delivers f, dropping the oldest buffered frame when full.
func (s *Source) emit(f frame.Frame) {
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case <-s.frames:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many frames were discarded because the consumer
// fell behind.
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

// CaptureStill encodes the most recent frame as a JPEG in ArtifactDir.
// A webcam has no flash or shutter sound, so only QualityPriority affects
// the result.
func (s *Source) CaptureStill(ctx context.Context, opts frame.StillOptions) (frame.Artifact, error) {
	s.mu.Lock()
	if !s.hasImg {
		s.mu.Unlock()
		return frame.Artifact{}, camera.ErrNoFrame
	}
	img := s.latest.Clone()
	cfg := s.cfg
	s.mu.Unlock()
	defer img.Close()

	if err := ctx.Err(); err != nil {
		return frame.Artifact{}, err
	}

	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		return frame.Artifact{}, fmt.Errorf("webcam: artifact dir: %w", err)
	}

	path := artifactPath(cfg.ArtifactDir, uuid.NewString())
	q := jpegQuality(cfg, opts)
	if !gocv.IMWriteWithParams(path, img, []int{int(gocv.IMWriteJpegQuality), q}) {
		return frame.Artifact{}, fmt.Errorf("webcam: failed to write %s", path)
	}

	a := frame.Artifact{
		Path:       path,
		Width:      img.Cols(),
		Height:     img.Rows(),
		CapturedAt: s.now(),
	}
	s.log.Info("still captured", "path", path, "width", a.Width, "height", a.Height, "quality", q)
	return a, nil
}

// Preview encodes the most recent frame as an in-memory JPEG at FastQuality.
func (s *Source) Preview() ([]byte, error) {
	s.mu.Lock()
	if !s.hasImg {
		s.mu.Unlock()
		return nil, camera.ErrNoFrame
	}
	img := s.latest.Clone()
	q := s.cfg.FastQuality
	s.mu.Unlock()
	defer img.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{int(gocv.IMWriteJpegQuality), q})
	if err != nil {
		return nil, fmt.Errorf("webcam: encode preview: %w", err)
	}
	defer buf.Close()
	return bytes.Clone(buf.GetBytes()), nil
}

func jpegQuality(cfg camera.Config, opts frame.StillOptions) int {
	if opts.QualityPriority {
		return cfg.StillQuality
	}
	return cfg.FastQuality
}

func artifactPath(dir, id string) string {
	return filepath.Join(dir, "still-"+id+".jpg")
}

// Close releases the device and OpenCV resources. A running read loop
// exits after its current read; Frames is then closed.
func (s *Source) Close() error {
	var err error
	s.capMu.Lock()
	if s.capture != nil {
		err = s.capture.Close()
		s.capture = nil
	}
	s.capMu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.hasImg = false
		s.latest.Close()
	}
	s.mu.Unlock()
	return err
}
