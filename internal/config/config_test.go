package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if cfg.Threshold != 140 {
		t.Errorf("Threshold: got %v, want 140", cfg.Threshold)
	}
	if cfg.SampleInterval != time.Second {
		t.Errorf("SampleInterval: got %v, want 1s", cfg.SampleInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CAMERA_DEVICE", "2")
	t.Setenv("BRIGHTNESS_THRESHOLD", "120.5")
	t.Setenv("SAMPLE_INTERVAL", "500ms")
	t.Setenv("CAPTURE_TIMEOUT", "0s")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("FACE_DETECTOR", "YOLO")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CameraDevice != 2 {
		t.Errorf("CameraDevice: got %d, want 2", cfg.CameraDevice)
	}
	if cfg.Threshold != 120.5 {
		t.Errorf("Threshold: got %v, want 120.5", cfg.Threshold)
	}
	if cfg.SampleInterval != 500*time.Millisecond {
		t.Errorf("SampleInterval: got %v, want 500ms", cfg.SampleInterval)
	}
	if cfg.CaptureTimeout != 0 {
		t.Errorf("CaptureTimeout: got %v, want 0", cfg.CaptureTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q, want debug", cfg.LogLevel)
	}
	if cfg.Detector != "yolo" {
		t.Errorf("Detector: got %q, want yolo", cfg.Detector)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.RedisDB != 3 {
		t.Errorf("Redis: got %q db %d, want redis:6379 db 3", cfg.RedisAddr, cfg.RedisDB)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CAPTURE_DIR=/tmp/stills-from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("CAPTURE_DIR") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ArtifactDir != "/tmp/stills-from-dotenv" {
		t.Errorf("ArtifactDir: got %q", cfg.ArtifactDir)
	}
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv("SAMPLE_INTERVAL", "soon")

	if _, err := Load(filepath.Join(t.TempDir(), "none.env")); err == nil {
		t.Error("expected error for unparseable SAMPLE_INTERVAL")
	}
}

func TestValidate_ReportsFields(t *testing.T) {
	cfg := Default()
	cfg.Threshold = 300
	cfg.SampleInterval = 0
	cfg.LogLevel = "loud"
	cfg.RedisAddr = "no-port"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, field := range []string{"Threshold", "SampleInterval", "LogLevel", "RedisAddr"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should mention %s: %v", field, err)
		}
	}
}
