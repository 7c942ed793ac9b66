package camera

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Manager holds the current camera configuration and handles updates.
type Manager struct {
	config Config
	mu     sync.RWMutex

	// OnConfigChange applies an accepted config to the device.
	OnConfigChange func(cfg Config) error
}

// NewManager creates a manager starting from cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// GetConfig returns the current camera configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig validates cfg, stores it and notifies OnConfigChange. If the
// callback fails the previous config is kept.
func (m *Manager) SetConfig(cfg Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OnConfigChange != nil {
		if err := m.OnConfigChange(cfg); err != nil {
			return fmt.Errorf("failed to apply config: %w", err)
		}
	}
	m.config = cfg
	return nil
}

// UpdateConfig applies a preset and/or individual fields from a decoded
// JSON object. Unknown keys are ignored.
func (m *Manager) UpdateConfig(params map[string]any) error {
	cfg := m.GetConfig()

	if presetName, ok := params["preset"].(string); ok {
		preset := GetPreset(presetName)
		if preset == nil {
			return fmt.Errorf("unknown preset: %s", presetName)
		}
		// Device and output location are not part of a preset.
		device, facing, dir := cfg.Device, cfg.Facing, cfg.ArtifactDir
		cfg = *preset
		cfg.Device, cfg.Facing, cfg.ArtifactDir = device, facing, dir
	}

	for key, value := range params {
		switch key {
		case "width":
			if v, ok := toInt(value); ok {
				cfg.Width = v
			}
		case "height":
			if v, ok := toInt(value); ok {
				cfg.Height = v
			}
		case "framerate":
			if v, ok := toInt(value); ok {
				cfg.Framerate = v
			}
		case "format":
			if v, ok := value.(string); ok {
				cfg.Format = v
			}
		case "still_quality":
			if v, ok := toInt(value); ok {
				cfg.StillQuality = v
			}
		case "fast_quality":
			if v, ok := toInt(value); ok {
				cfg.FastQuality = v
			}
		case "facing":
			if v, ok := value.(string); ok {
				cfg.Facing = v
			}
		}
	}

	return m.SetConfig(cfg)
}

func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return int(i), true
		}
	}
	return 0, false
}
