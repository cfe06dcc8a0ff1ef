package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("IMS_UPLOAD_MAX_BYTES", "")
	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.UploadMaxBytes != 25<<20 {
		t.Fatalf("UploadMaxBytes = %d", cfg.UploadMaxBytes)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("AccessTTL = %v", cfg.AccessTTL)
	}
	if cfg.EmissionFactors["electricity"] == 0 {
		t.Fatal("expected default electricity emission factor")
	}
	if cfg.ReminderSchedule != "0 7 * * *" {
		t.Fatalf("ReminderSchedule = %q", cfg.ReminderSchedule)
	}
}

func TestLoadWithFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ims.yaml")
	body := `
addr: ":9000"
uploads:
  max_bytes: 1048576
  types: ["application/pdf"]
reminders:
  schedule: "30 6 * * 1-5"
  window_days: 14
energy:
  emission_factors:
    Electricity: 0.5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("API_ADDR", "")
	t.Setenv("IMS_UPLOAD_MAX_BYTES", "")
	t.Setenv("IMS_UPLOAD_TYPES", "")
	t.Setenv("IMS_REMINDER_SCHEDULE", "")
	t.Setenv("IMS_REMINDER_WINDOW_DAYS", "")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.UploadMaxBytes != 1048576 {
		t.Fatalf("UploadMaxBytes = %d", cfg.UploadMaxBytes)
	}
	if len(cfg.UploadTypes) != 1 || cfg.UploadTypes[0] != "application/pdf" {
		t.Fatalf("UploadTypes = %v", cfg.UploadTypes)
	}
	if cfg.ReminderSchedule != "30 6 * * 1-5" || cfg.ReminderWindowDays != 14 {
		t.Fatalf("reminders = %q / %d", cfg.ReminderSchedule, cfg.ReminderWindowDays)
	}
	if cfg.EmissionFactors["electricity"] != 0.5 {
		t.Fatalf("electricity factor = %v", cfg.EmissionFactors["electricity"])
	}
	if cfg.EmissionFactors["gas"] == 0 {
		t.Fatal("expected gas default to survive overlay")
	}
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ims.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("API_ADDR", ":7000")
	t.Setenv("IMS_UPLOAD_TYPES", "text/plain, image/png")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("Addr = %q, want env value", cfg.Addr)
	}
	if len(cfg.UploadTypes) != 2 || cfg.UploadTypes[1] != "image/png" {
		t.Fatalf("UploadTypes = %v", cfg.UploadTypes)
	}
}

func TestLoadWithMissingFileReturnsError(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if cfg.DatabaseURL == "" {
		t.Fatal("expected defaults even when file is missing")
	}
}
