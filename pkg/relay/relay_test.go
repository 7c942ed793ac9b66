package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

type fakeClient struct {
	mu       sync.Mutex
	channels []string
	messages [][]byte
	err      error
	closed   bool
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func testRelay(c *fakeClient) *Relay {
	r := newRelay(c, DefaultConfig(), nil)
	r.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return r
}

func decode(t *testing.T, data []byte) Event {
	t.Helper()
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return e
}

func TestRelay_PublishesEvents(t *testing.T) {
	c := &fakeClient{}
	r := testRelay(c)

	r.OnFacesChanged([]detection.FaceBox{{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2, Confidence: 0.9}})
	r.OnLightingChanged(true)
	r.OnCaptured(frame.Artifact{Path: "/tmp/still.jpg", Width: 640, Height: 480})
	r.OnSessionReset()

	if len(c.messages) != 4 {
		t.Fatalf("messages: got %d, want 4", len(c.messages))
	}
	for _, ch := range c.channels {
		if ch != "facecapture:events" {
			t.Errorf("channel: got %q", ch)
		}
	}

	wantTypes := []string{"faces", "lighting", "captured", "reset"}
	for i, want := range wantTypes {
		if e := decode(t, c.messages[i]); e.Type != want {
			t.Errorf("event %d: got %q, want %q", i, e.Type, want)
		}
	}

	if e := decode(t, c.messages[1]); e.Lit == nil || !*e.Lit {
		t.Errorf("lighting event: got %+v", e)
	}
	if e := decode(t, c.messages[2]); e.Artifact == nil || e.Artifact.Path != "/tmp/still.jpg" {
		t.Errorf("captured event: got %+v", e)
	}
	if got := r.Stats().Published; got != 4 {
		t.Errorf("published: got %d, want 4", got)
	}
}

func TestRelay_ClearedFaces(t *testing.T) {
	c := &fakeClient{}
	r := testRelay(c)
	r.OnFacesChanged(nil)

	if e := decode(t, c.messages[0]); e.Type != "faces" || len(e.Faces) != 0 {
		t.Errorf("got %+v, want an empty faces event", e)
	}
}

func TestRelay_FailureIsCounted(t *testing.T) {
	c := &fakeClient{err: errors.New("connection refused")}
	r := testRelay(c)

	r.OnSessionReset()
	r.OnCaptured(frame.Artifact{Path: "/tmp/a.jpg"})

	st := r.Stats()
	if st.Published != 0 || st.Failed != 2 {
		t.Errorf("stats: got %+v, want 0 published 2 failed", st)
	}
}

func TestRelay_Close(t *testing.T) {
	c := &fakeClient{}
	r := testRelay(c)
	if err := r.Close(); err != nil || !c.closed {
		t.Errorf("Close: err=%v closed=%t", err, c.closed)
	}
}

func TestNew_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	if _, err := New(cfg, nil); err == nil {
		t.Error("expected connection error")
	}
}
