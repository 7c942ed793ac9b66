package web

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/sharmahdk13s/go-facecapture/pkg/camera"
	"github.com/sharmahdk13s/go-facecapture/pkg/hub"
	"github.com/sharmahdk13s/go-facecapture/pkg/pipeline"
)

// resetTimeout bounds how long a reset request waits for the frame loop.
const resetTimeout = 5 * time.Second

// handleStatus returns the current session, overlays and stats
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.Status())
}

// handleReset closes the captured view and starts a new session
func (s *Server) handleReset(c *fiber.Ctx) error {
	if s.pipeline == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "pipeline not configured",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), resetTimeout)
	defer cancel()

	if err := s.pipeline.Reset(ctx); err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, pipeline.ErrClosed) {
			status = fiber.StatusServiceUnavailable
		} else if errors.Is(err, context.DeadlineExceeded) {
			status = fiber.StatusGatewayTimeout
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"session": s.pipeline.Session()})
}

// handleCapture serves the captured still for the current session
func (s *Server) handleCapture(c *fiber.Ctx) error {
	s.mu.RLock()
	capture := s.capture
	s.mu.RUnlock()

	if capture == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no capture"})
	}
	if _, err := os.Stat(capture.Path); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "capture file missing"})
	}

	c.Set("X-Capture-Width", strconv.Itoa(capture.Width))
	c.Set("X-Capture-Height", strconv.Itoa(capture.Height))
	return c.SendFile(capture.Path)
}

// handleGetCamera returns the camera config and capabilities
func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	if s.Camera == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "camera not configurable"})
	}
	return c.JSON(fiber.Map{
		"config":       s.Camera.GetConfig(),
		"capabilities": camera.Capabilities(),
	})
}

// handleUpdateCamera applies a preset and/or field overrides
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	if s.Camera == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "camera not configurable"})
	}

	var params map[string]any
	if err := c.BodyParser(&params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if err := s.Camera.UpdateConfig(params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"config": s.Camera.GetConfig()})
}

// handleEventsWS streams pipeline events to a dashboard client
func (s *Server) handleEventsWS(c *websocket.Conn) {
	hub.NewClient(s.events, c).Run()
}

// handleCameraWS streams live JPEG preview frames
func (s *Server) handleCameraWS(c *websocket.Conn) {
	hub.NewClient(s.camera, c).Run()
}
