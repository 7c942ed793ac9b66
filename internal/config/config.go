// Package config provides configuration helpers for go-facecapture commands.
//
// Values come from the process environment, optionally seeded from a .env
// file. Flags parsed in cmd/ override whatever is loaded here.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultArtifactDir    = "captures"
	DefaultDashboardPort  = "8090"
	DefaultThreshold      = 140.0
	DefaultSampleInterval = time.Second
	DefaultCaptureTimeout = 10 * time.Second
)

// App holds the settings shared by the go-facecapture commands.
type App struct {
	CameraDevice   int           `validate:"gte=0"`
	CameraPreset   string        `validate:"required"`
	Detector       string        `validate:"oneof=yunet yolo"`
	ModelPath      string        // empty selects the detector's default model
	ArtifactDir    string        `validate:"required"`
	Threshold      float64       `validate:"gte=0,lte=255"`
	SampleInterval time.Duration `validate:"gt=0"`
	CaptureTimeout time.Duration `validate:"gte=0"`
	DashboardPort  string        `validate:"omitempty,numeric"`
	LogLevel       string        `validate:"oneof=debug info warn error"`
	LogFile        string
	RedisAddr      string `validate:"omitempty,hostname_port"` // empty disables the relay
	RedisPassword  string
	RedisDB        int `validate:"gte=0"`
}

// Default returns the baseline configuration before env overrides.
func Default() App {
	return App{
		CameraPreset:   "default",
		Detector:       "yunet",
		ArtifactDir:    DefaultArtifactDir,
		Threshold:      DefaultThreshold,
		SampleInterval: DefaultSampleInterval,
		CaptureTimeout: DefaultCaptureTimeout,
		DashboardPort:  DefaultDashboardPort,
		LogLevel:       "info",
	}
}

// Load reads an optional .env file (missing files are ignored) and applies
// environment overrides on top of Default().
func Load(envFiles ...string) (App, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return App{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return App{}, err
	}
	return cfg, nil
}

func (c *App) applyEnv() error {
	if v := os.Getenv("CAMERA_DEVICE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CAMERA_DEVICE: %w", err)
		}
		c.CameraDevice = n
	}
	if v := os.Getenv("CAMERA_PRESET"); v != "" {
		c.CameraPreset = v
	}
	if v := os.Getenv("FACE_DETECTOR"); v != "" {
		c.Detector = strings.ToLower(v)
	}
	if v := os.Getenv("FACE_MODEL_PATH"); v != "" {
		c.ModelPath = v
	}
	if v := os.Getenv("CAPTURE_DIR"); v != "" {
		c.ArtifactDir = v
	}
	if v := os.Getenv("BRIGHTNESS_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: BRIGHTNESS_THRESHOLD: %w", err)
		}
		c.Threshold = f
	}
	if v := os.Getenv("SAMPLE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: SAMPLE_INTERVAL: %w", err)
		}
		c.SampleInterval = d
	}
	if v := os.Getenv("CAPTURE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CAPTURE_TIMEOUT: %w", err)
		}
		c.CaptureTimeout = d
	}
	if v := os.Getenv("DASHBOARD_PORT"); v != "" {
		c.DashboardPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REDIS_DB: %w", err)
		}
		c.RedisDB = n
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and returns a readable error listing
// every violated field.
func (c App) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
