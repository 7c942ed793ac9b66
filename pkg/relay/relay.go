// Package relay republishes pipeline events on a Redis pub/sub channel so
// other processes can follow a capture session.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
	"github.com/sharmahdk13s/go-facecapture/pkg/publish"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the Redis connection and channel settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Timeout  time.Duration // per publish
}

// DefaultConfig returns defaults for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:    "localhost:6379",
		Channel: "facecapture:events",
		Timeout: 2 * time.Second,
	}
}

// Event is the message published for every consumer callback.
type Event struct {
	Type     string              `json:"type"`
	Time     time.Time           `json:"time"`
	Faces    []detection.FaceBox `json:"faces,omitempty"`
	Lit      *bool               `json:"lit,omitempty"`
	Artifact *frame.Artifact     `json:"artifact,omitempty"`
}

// Stats counts relay outcomes.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

type client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Relay is a publish.Consumer that forwards events to Redis. Failures are
// logged and counted; they never reach the pipeline.
type Relay struct {
	client client
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	published atomic.Uint64
	failed    atomic.Uint64
}

var _ publish.Consumer = (*Relay)(nil)

// New connects to Redis and verifies the connection with PING.
func New(cfg Config, logger *slog.Logger) (*Relay, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("relay: connect %s: %w", cfg.Addr, err)
	}

	r := newRelay(c, cfg, logger)
	r.log.Info("relay connected", "addr", cfg.Addr, "channel", cfg.Channel)
	return r, nil
}

func newRelay(c client, cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Relay{
		client: c,
		cfg:    cfg,
		log:    logger.With("component", "relay"),
		now:    time.Now,
	}
}

func (r *Relay) send(e Event) {
	e.Time = r.now()
	data, err := json.Marshal(e)
	if err != nil {
		r.failed.Add(1)
		r.log.Error("encode event", "type", e.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.cfg.Channel, data).Err(); err != nil {
		r.failed.Add(1)
		r.log.Warn("publish failed", "type", e.Type, "error", err)
		return
	}
	r.published.Add(1)
}

// OnFacesChanged implements publish.Consumer.
func (r *Relay) OnFacesChanged(faces []detection.FaceBox) {
	if faces == nil {
		faces = []detection.FaceBox{}
	}
	r.send(Event{Type: "faces", Faces: faces})
}

// OnLightingChanged implements publish.Consumer.
func (r *Relay) OnLightingChanged(lit bool) {
	r.send(Event{Type: "lighting", Lit: &lit})
}

// OnCaptured implements publish.Consumer.
func (r *Relay) OnCaptured(a frame.Artifact) {
	r.send(Event{Type: "captured", Artifact: &a})
}

// OnSessionReset implements publish.Consumer.
func (r *Relay) OnSessionReset() {
	r.send(Event{Type: "reset"})
}

// Stats returns relay counters.
func (r *Relay) Stats() Stats {
	return Stats{Published: r.published.Load(), Failed: r.failed.Load()}
}

// Close closes the Redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
