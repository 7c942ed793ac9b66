// Package web provides the capture dashboard: a publish.Consumer that
// mirrors pipeline output into REST endpoints and a websocket event stream.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/sharmahdk13s/go-facecapture/pkg/arbiter"
	"github.com/sharmahdk13s/go-facecapture/pkg/camera"
	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
	"github.com/sharmahdk13s/go-facecapture/pkg/hub"
	"github.com/sharmahdk13s/go-facecapture/pkg/pipeline"
	"github.com/sharmahdk13s/go-facecapture/pkg/publish"
)

// Pipeline is the part of the frame pipeline the dashboard drives.
type Pipeline interface {
	Session() arbiter.Session
	Stats() pipeline.Stats
	Reset(ctx context.Context) error
}

// Event types sent on /ws/events.
const (
	EventFaces    = "faces"
	EventLighting = "lighting"
	EventCaptured = "captured"
	EventReset    = "reset"
	EventSnapshot = "snapshot"
)

// Event is one websocket message.
type Event struct {
	Type     string              `json:"type"`
	Time     time.Time           `json:"time"`
	Faces    []detection.FaceBox `json:"faces,omitempty"`
	Lit      *bool               `json:"lit,omitempty"`
	Artifact *frame.Artifact     `json:"artifact,omitempty"`
	Status   *Status             `json:"status,omitempty"`
}

// Status is the dashboard's view of the pipeline.
type Status struct {
	Session  arbiter.Session     `json:"session"`
	Faces    []detection.FaceBox `json:"faces"`
	Lit      bool                `json:"lit"`
	Capture  *frame.Artifact     `json:"capture,omitempty"`
	Pipeline *pipeline.Stats     `json:"pipeline,omitempty"`
	Clients  int                 `json:"clients"`
}

// Server is the web dashboard server.
type Server struct {
	app      *fiber.App
	port     string
	log      *slog.Logger
	pipeline Pipeline
	events   *hub.Hub
	camera   *hub.Hub

	// Consumer-side overlay state.
	mu      sync.RWMutex
	faces   []detection.FaceBox
	lit     bool
	capture *frame.Artifact

	// Camera, if set, exposes runtime camera settings under /api/camera.
	Camera *camera.Manager
}

var _ publish.Consumer = (*Server)(nil)

// NewServer creates a dashboard for p listening on port.
func NewServer(port string, p Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		port:     port,
		log:      logger.With("component", "web"),
		pipeline: p,
		faces:    []detection.FaceBox{},
		events:   hub.New("events", logger),
		camera:   hub.New("camera", logger),
	}
	s.events.Greeting = s.greeting

	app := fiber.New(fiber.Config{
		AppName:               "Face Capture Dashboard",
		DisableStartupMessage: true,
		JSONEncoder:           jsoniter.ConfigCompatibleWithStandardLibrary.Marshal,
		JSONDecoder:           jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/session/reset", s.handleReset)
	api.Get("/capture", s.handleCapture)
	api.Get("/camera", s.handleGetCamera)
	api.Put("/camera", s.handleUpdateCamera)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))
	app.Get("/ws/camera", websocket.New(s.handleCameraWS))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the event hub.
func (s *Server) Hub() *hub.Hub {
	return s.events
}

// CameraHub returns the live preview hub.
func (s *Server) CameraHub() *hub.Hub {
	return s.camera
}

// SendCameraFrame sends a JPEG preview frame to all /ws/camera clients.
func (s *Server) SendCameraFrame(jpeg []byte) {
	s.camera.BroadcastBinary(jpeg)
}

// StreamPreview sends grab() to preview clients every interval until ctx is
// done. Ticks with no connected client skip the grab.
func (s *Server) StreamPreview(ctx context.Context, interval time.Duration, grab func() ([]byte, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.camera.ClientCount() == 0 {
				continue
			}
			data, err := grab()
			if err != nil {
				s.log.Debug("preview frame unavailable", "error", err)
				continue
			}
			s.SendCameraFrame(data)
		}
	}
}

// Start runs the event hub and serves on the configured port until ctx is
// done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the event hub and serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.events.Run(ctx)
	go s.camera.Run(ctx)

	stop := context.AfterFunc(ctx, func() {
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.log.Warn("dashboard shutdown", "error", err)
		}
	})
	defer stop()

	s.log.Info("dashboard listening", "addr", ln.Addr().String())
	if err := s.app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Status builds the current status snapshot.
func (s *Server) Status() Status {
	s.mu.RLock()
	st := Status{
		Faces:   s.faces,
		Lit:     s.lit,
		Capture: s.capture,
		Clients: s.events.ClientCount(),
	}
	s.mu.RUnlock()

	if s.pipeline != nil {
		st.Session = s.pipeline.Session()
		stats := s.pipeline.Stats()
		st.Pipeline = &stats
	}
	return st
}

func (s *Server) greeting() (hub.Message, bool) {
	st := s.Status()
	msg, err := hub.EncodeJSON(Event{Type: EventSnapshot, Time: time.Now(), Status: &st})
	if err != nil {
		s.log.Error("encode snapshot", "error", err)
		return hub.Message{}, false
	}
	return msg, true
}

func (s *Server) broadcast(e Event) {
	e.Time = time.Now()
	if err := s.events.BroadcastJSON(e); err != nil {
		s.log.Error("encode event", "type", e.Type, "error", err)
	}
}

// OnFacesChanged implements publish.Consumer.
func (s *Server) OnFacesChanged(faces []detection.FaceBox) {
	if faces == nil {
		faces = []detection.FaceBox{}
	}
	s.mu.Lock()
	s.faces = faces
	s.mu.Unlock()
	s.broadcast(Event{Type: EventFaces, Faces: faces})
}

// OnLightingChanged implements publish.Consumer.
func (s *Server) OnLightingChanged(lit bool) {
	s.mu.Lock()
	s.lit = lit
	s.mu.Unlock()
	s.broadcast(Event{Type: EventLighting, Lit: &lit})
}

// OnCaptured implements publish.Consumer.
func (s *Server) OnCaptured(a frame.Artifact) {
	s.mu.Lock()
	s.capture = &a
	s.faces = []detection.FaceBox{}
	s.mu.Unlock()
	s.log.Info("capture ready", "path", a.Path)
	s.broadcast(Event{Type: EventCaptured, Artifact: &a})
}

// OnSessionReset implements publish.Consumer.
func (s *Server) OnSessionReset() {
	s.mu.Lock()
	s.capture = nil
	s.faces = []detection.FaceBox{}
	s.lit = false
	s.mu.Unlock()
	s.broadcast(Event{Type: EventReset})
}
