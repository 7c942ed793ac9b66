// facecapture watches a webcam and takes exactly one still per session once
// a face is in view and the scene is bright enough.
//
// A dashboard on -port shows live face boxes and lighting, serves the
// captured still and resets the session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sharmahdk13s/go-facecapture/internal/config"
	"github.com/sharmahdk13s/go-facecapture/internal/log"
	"github.com/sharmahdk13s/go-facecapture/pkg/camera"
	"github.com/sharmahdk13s/go-facecapture/pkg/camera/webcam"
	"github.com/sharmahdk13s/go-facecapture/pkg/debug"
	"github.com/sharmahdk13s/go-facecapture/pkg/detection/backend"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
	"github.com/sharmahdk13s/go-facecapture/pkg/luminance"
	"github.com/sharmahdk13s/go-facecapture/pkg/pipeline"
	"github.com/sharmahdk13s/go-facecapture/pkg/publish"
	"github.com/sharmahdk13s/go-facecapture/pkg/relay"
	"github.com/sharmahdk13s/go-facecapture/pkg/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "facecapture: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	device := flag.String("device", strconv.Itoa(cfg.CameraDevice), "Camera index, video file or stream URL")
	preset := flag.String("preset", cfg.CameraPreset, "Camera preset: "+fmt.Sprint(camera.PresetNames()))
	detector := flag.String("detector", cfg.Detector, "Face detector: "+fmt.Sprint(backend.Names))
	model := flag.String("model", cfg.ModelPath, "Detector ONNX model path (empty uses the detector default)")
	dir := flag.String("out", cfg.ArtifactDir, "Directory for captured stills")
	threshold := flag.Float64("threshold", cfg.Threshold, "Mean brightness (0-255) that counts as lit")
	interval := flag.Duration("sample-interval", cfg.SampleInterval, "Minimum time between luminance samples")
	timeout := flag.Duration("capture-timeout", cfg.CaptureTimeout, "Still capture timeout (0 waits for reset)")
	failClosed := flag.Bool("fail-closed", false, "Treat unreadable frames as dark instead of lit")
	minFace := flag.Float64("min-face", 0, "Ignore faces narrower than this fraction of the frame")
	port := flag.String("port", cfg.DashboardPort, "Dashboard port (empty disables)")
	level := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	logFile := flag.String("log-file", cfg.LogFile, "Also write logs to this rotated file")
	verbose := flag.Bool("debug", false, "Enable verbose debug logging")
	redisAddr := flag.String("redis", cfg.RedisAddr, "Relay events to this Redis host:port (empty disables)")
	previewFPS := flag.Int("preview-fps", 5, "Dashboard live preview rate (0 disables)")
	frames := flag.Bool("debug-frames", false, "Log every frame decision (very noisy)")
	flag.Parse()

	cfg.Detector, cfg.ModelPath = *detector, *model
	cfg.ArtifactDir, cfg.CameraPreset = *dir, *preset
	cfg.Threshold, cfg.SampleInterval, cfg.CaptureTimeout = *threshold, *interval, *timeout
	cfg.DashboardPort, cfg.LogLevel, cfg.LogFile = *port, *level, *logFile
	cfg.RedisAddr = *redisAddr
	if err := cfg.Validate(); err != nil {
		return err
	}

	cfg.LogLevel = effectiveLevel(cfg.LogLevel, *verbose, *frames)
	log.Setup(log.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	debug.Enable(*verbose)
	debug.EnableFrames(*frames)
	logger := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Camera
	camCfg := camera.GetPreset(cfg.CameraPreset)
	if camCfg == nil {
		return fmt.Errorf("unknown camera preset %q", cfg.CameraPreset)
	}
	camCfg.Device = *device
	camCfg.ArtifactDir = cfg.ArtifactDir

	src, err := webcam.Open(*camCfg, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	// Detector
	det, err := backend.Open(backend.Options{
		Name:        cfg.Detector,
		ModelPath:   cfg.ModelPath,
		MinFaceSize: *minFace,
	})
	if err != nil {
		return err
	}

	// Pipeline
	pub := publish.New(publish.DefaultCapacity, logger)
	pcfg := pipeline.Config{
		Luminance: luminance.Config{
			Threshold: cfg.Threshold,
			Interval:  cfg.SampleInterval,
			Policy:    luminance.FailOpen,
		},
		CaptureTimeout: cfg.CaptureTimeout,
	}
	if *failClosed {
		pcfg.Luminance.Policy = luminance.FailClosed
	}

	p, err := pipeline.New(pcfg, src, det, pub, logger)
	if err != nil {
		det.Close()
		return err
	}

	// Consumers
	var consumers publish.Fanout
	consumers = append(consumers, publish.Funcs{
		Captured: func(a frame.Artifact) {
			fmt.Printf("📸 Captured %s (%dx%d)\n", a.Path, a.Width, a.Height)
		},
	})
	if cfg.DashboardPort != "" {
		dash := web.NewServer(cfg.DashboardPort, p, logger)
		mgr := camera.NewManager(src.Config())
		mgr.OnConfigChange = src.Apply
		dash.Camera = mgr
		consumers = append(consumers, dash)

		go func() {
			if err := dash.Start(ctx); err != nil {
				logger.Error("dashboard stopped", "error", err)
			}
		}()
		if *previewFPS > 0 {
			go dash.StreamPreview(ctx, time.Second/time.Duration(*previewFPS), src.Preview)
		}
		fmt.Printf("🌐 Dashboard: http://localhost:%s\n", cfg.DashboardPort)
	}
	if cfg.RedisAddr != "" {
		rcfg := relay.DefaultConfig()
		rcfg.Addr, rcfg.Password, rcfg.DB = cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB
		rl, err := relay.New(rcfg, logger)
		if err != nil {
			det.Close()
			return err
		}
		defer rl.Close()
		consumers = append(consumers, rl)
	}

	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		pub.Run(ctx, consumers)
	}()

	src.Start(ctx)
	logger.Info("facecapture running", "device", camCfg.Device, "preset", cfg.CameraPreset, "detector", cfg.Detector)

	err = p.Run(ctx)
	pub.Close()
	<-pubDone
	pub.Drain(consumers)
	det.Close()

	st := p.Stats()
	logger.Info("facecapture stopped",
		"frames", st.Frames,
		"captures", st.CapturesSucceeded,
		"failures", st.CapturesFailed,
		"dropped_frames", src.Dropped())

	if errors.Is(err, context.Canceled) || errors.Is(err, pipeline.ErrSourceClosed) {
		return nil
	}
	return err
}

// effectiveLevel lowers the log level to debug when either debug flag is
// set; both flags log at slog.LevelDebug.
func effectiveLevel(level string, verbose, frames bool) string {
	if verbose || frames {
		return "debug"
	}
	return level
}
