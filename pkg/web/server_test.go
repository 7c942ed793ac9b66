package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sharmahdk13s/go-facecapture/pkg/arbiter"
	"github.com/sharmahdk13s/go-facecapture/pkg/camera"
	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
	"github.com/sharmahdk13s/go-facecapture/pkg/pipeline"
)

type fakePipeline struct {
	mu       sync.Mutex
	session  arbiter.Session
	resets   int
	resetErr error
}

func (f *fakePipeline) Session() arbiter.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakePipeline) Stats() pipeline.Stats {
	return pipeline.Stats{Frames: 42}
}

func (f *fakePipeline) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets++
	f.session = arbiter.Session{ID: "next", State: arbiter.Idle}
	return nil
}

func do(t *testing.T, s *Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestStatus(t *testing.T) {
	p := &fakePipeline{session: arbiter.Session{ID: "s1", State: arbiter.Armed}}
	s := NewServer("0", p, nil)

	s.OnFacesChanged([]detection.FaceBox{{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.3, Confidence: 0.9}})
	s.OnLightingChanged(true)

	resp, body := do(t, s, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code: got %d", resp.StatusCode)
	}

	var st struct {
		Session struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"session"`
		Faces    []detection.FaceBox `json:"faces"`
		Lit      bool                `json:"lit"`
		Pipeline struct {
			Frames uint64 `json:"frames"`
		} `json:"pipeline"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if st.Session.ID != "s1" || st.Session.State != "armed" {
		t.Errorf("session: got %+v", st.Session)
	}
	if len(st.Faces) != 1 || !st.Lit || st.Pipeline.Frames != 42 {
		t.Errorf("status: got %+v", st)
	}
}

func TestReset(t *testing.T) {
	p := &fakePipeline{}
	s := NewServer("0", p, nil)
	s.OnCaptured(frame.Artifact{Path: "/tmp/x.jpg"})

	resp, body := do(t, s, http.MethodPost, "/api/session/reset", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code: got %d (%s)", resp.StatusCode, body)
	}
	if p.resets != 1 {
		t.Errorf("resets: got %d, want 1", p.resets)
	}
	if !strings.Contains(string(body), `"next"`) {
		t.Errorf("body should carry the new session: %s", body)
	}
}

func TestReset_Errors(t *testing.T) {
	tests := []struct {
		name string
		p    Pipeline
		want int
	}{
		{"no pipeline", nil, http.StatusServiceUnavailable},
		{"closed", &fakePipeline{resetErr: pipeline.ErrClosed}, http.StatusServiceUnavailable},
		{"timeout", &fakePipeline{resetErr: context.DeadlineExceeded}, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("0", tt.p, nil)
			resp, _ := do(t, s, http.MethodPost, "/api/session/reset", "")
			if resp.StatusCode != tt.want {
				t.Errorf("status code: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCapture(t *testing.T) {
	s := NewServer("0", &fakePipeline{}, nil)

	if resp, _ := do(t, s, http.MethodGet, "/api/capture", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("before capture: got %d, want 404", resp.StatusCode)
	}

	path := filepath.Join(t.TempDir(), "still.jpg")
	if err := os.WriteFile(path, []byte("jpegdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.OnCaptured(frame.Artifact{Path: path, Width: 640, Height: 480})

	resp, body := do(t, s, http.MethodGet, "/api/capture", "")
	if resp.StatusCode != http.StatusOK || string(body) != "jpegdata" {
		t.Errorf("after capture: got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Capture-Width") != "640" {
		t.Errorf("width header: got %q", resp.Header.Get("X-Capture-Width"))
	}

	s.OnSessionReset()
	if resp, _ := do(t, s, http.MethodGet, "/api/capture", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("after reset: got %d, want 404", resp.StatusCode)
	}
}

func TestCamera(t *testing.T) {
	s := NewServer("0", nil, nil)
	if resp, _ := do(t, s, http.MethodGet, "/api/camera", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("no manager: got %d, want 404", resp.StatusCode)
	}

	s.Camera = camera.NewManager(camera.DefaultConfig())

	resp, body := do(t, s, http.MethodPut, "/api/camera", `{"preset":"720p"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT: got %d (%s)", resp.StatusCode, body)
	}
	if got := s.Camera.GetConfig().Width; got != 1280 {
		t.Errorf("width: got %d, want 1280", got)
	}

	if resp, _ := do(t, s, http.MethodPut, "/api/camera", `{"width":1}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid update: got %d, want 400", resp.StatusCode)
	}

	resp, body = do(t, s, http.MethodGet, "/api/camera", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "capabilities") {
		t.Errorf("GET: got %d %s", resp.StatusCode, body)
	}
}

// serve runs s on a loopback port and dials path.
func serve(t *testing.T, ctx context.Context, s *Server, path string) *websocket.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(ctx, ln)

	url := "ws://" + ln.Addr().String() + path
	var ws *websocket.Conn
	for i := 0; i < 50; i++ {
		ws, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestEventsWebSocket(t *testing.T) {
	p := &fakePipeline{session: arbiter.Session{ID: "s1"}}
	s := NewServer("0", p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ws := serve(t, ctx, s, "/ws/events")

	read := func() Event {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return e
	}

	if e := read(); e.Type != EventSnapshot || e.Status == nil || e.Status.Session.ID != "s1" {
		t.Fatalf("greeting: got %+v", e)
	}

	s.OnCaptured(frame.Artifact{Path: "/tmp/a.jpg"})
	s.OnSessionReset()

	if e := read(); e.Type != EventCaptured || e.Artifact == nil || e.Artifact.Path != "/tmp/a.jpg" {
		t.Errorf("captured event: got %+v", e)
	}
	if e := read(); e.Type != EventReset {
		t.Errorf("reset event: got %+v", e)
	}
}

func TestCameraPreview(t *testing.T) {
	s := NewServer("0", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ws := serve(t, ctx, s, "/ws/camera")

	jpeg := []byte{0xff, 0xd8, 0x01, 0xff, 0xd9}
	go s.StreamPreview(ctx, 10*time.Millisecond, func() ([]byte, error) {
		return jpeg, nil
	})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.BinaryMessage || string(data) != string(jpeg) {
		t.Errorf("got type %d % x, want binary % x", typ, data, jpeg)
	}
}
