package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.GPUPollTimeoutMs != 500 {
		t.Fatalf("expected default poll timeout 500, got %d", cfg.GPUPollTimeoutMs)
	}
	if cfg.Format != "png" {
		t.Fatalf("expected default format png, got %q", cfg.Format)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config should validate cleanly, got %v", errs)
	}
}

func TestValidateClampsBadValues(t *testing.T) {
	cfg := &Config{
		GPUPollTimeoutMs: -1,
		Quality:          400,
		Format:           "bmp",
		LogLevel:         "loud",
	}

	errs := cfg.Validate()
	if len(errs) != 4 {
		t.Fatalf("expected 4 validation errors, got %d: %v", len(errs), errs)
	}
	if cfg.GPUPollTimeoutMs != 500 {
		t.Fatalf("expected clamped poll timeout 500, got %d", cfg.GPUPollTimeoutMs)
	}
	if cfg.Quality != 85 {
		t.Fatalf("expected clamped quality 85, got %d", cfg.Quality)
	}
	if cfg.Format != "png" {
		t.Fatalf("expected format reset to png, got %q", cfg.Format)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected log level reset to info, got %q", cfg.LogLevel)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testframe.yaml")

	in := Default()
	in.Display = `\\.\DISPLAY2`
	in.Quality = 70

	if err := Save(in, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Display != in.Display {
		t.Fatalf("display: expected %q, got %q", in.Display, out.Display)
	}
	if out.Quality != 70 {
		t.Fatalf("quality: expected 70, got %d", out.Quality)
	}
	if out.GPUPollTimeoutMs != 500 {
		t.Fatalf("poll timeout: expected 500, got %d", out.GPUPollTimeoutMs)
	}
}
