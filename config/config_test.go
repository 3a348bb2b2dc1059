package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framepipe.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProducerDefaults(t *testing.T) {
	cfg, err := parseProducer(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseProducer: %v", err)
	}
	if cfg.ShmName != "/framepipe" || cfg.SocketPath != "/tmp/framepipe.sock" {
		t.Errorf("paths = %q %q", cfg.ShmName, cfg.SocketPath)
	}
	if cfg.PoolSize != 15 || cfg.BarWidth != 40 || cfg.BarSpeed != 8 || cfg.IdleWait.Duration != time.Millisecond {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.ShmPath() != "/dev/shm/framepipe" {
		t.Errorf("ShmPath = %q", cfg.ShmPath())
	}
}

func TestConsumerFlags(t *testing.T) {
	cfg, err := parseConsumer([]string{
		"-d",
		"--outputs", "640x480@30,320x240",
		"-capacity=4",
		"-drain-timeout", "500ms",
		"-stats", "unix:/tmp/fp.stats",
		"-splash",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseConsumer: %v", err)
	}
	if !cfg.Debug || cfg.Outputs != "640x480@30,320x240" || cfg.Capacity != 4 ||
		cfg.DrainTimeout.Duration != 500*time.Millisecond || cfg.StatsAddr != "unix:/tmp/fp.stats" || !cfg.Splash {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Sixel != -1 || cfg.Text != -1 {
		t.Errorf("previews = %d %d, want off", cfg.Sixel, cfg.Text)
	}
}

func TestConfigFileThenFlags(t *testing.T) {
	path := writeConfig(t, `
debug = true
shm_name = "/fromfile"
capacity = 6
drain_timeout = "3s"
outputs = "800x600@50"
`)
	cfg, err := parseConsumer([]string{"-config", path, "-capacity", "8"}, io.Discard)
	if err != nil {
		t.Fatalf("parseConsumer: %v", err)
	}
	if !cfg.Debug || cfg.ShmName != "/fromfile" || cfg.Outputs != "800x600@50" {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.DrainTimeout.Duration != 3*time.Second {
		t.Errorf("DrainTimeout = %v", cfg.DrainTimeout)
	}
	if cfg.Capacity != 8 {
		t.Errorf("flag did not override file: capacity %d", cfg.Capacity)
	}
	// untouched defaults survive
	if cfg.SocketPath != DefaultSocketPath {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
}

func TestConfigFileUnknownKey(t *testing.T) {
	path := writeConfig(t, "pool_sise = 3\n")
	if _, err := parseProducer([]string{"--config=" + path}, io.Discard); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestConfigFileMissing(t *testing.T) {
	if _, err := parseMonitor([]string{"-config", filepath.Join(t.TempDir(), "absent.toml")}, io.Discard); err == nil {
		t.Fatal("missing config file accepted")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name  string
		parse func() error
	}{
		{"zero pool", func() error { _, err := parseProducer([]string{"-pool", "0"}, io.Discard); return err }},
		{"zero bar speed", func() error { _, err := parseProducer([]string{"-bar-speed", "0"}, io.Discard); return err }},
		{"empty socket", func() error { _, err := parseProducer([]string{"-socket", ""}, io.Discard); return err }},
		{"bad outputs", func() error { _, err := parseConsumer([]string{"-outputs", "big"}, io.Discard); return err }},
		{"zero capacity", func() error { _, err := parseConsumer([]string{"-capacity", "0"}, io.Discard); return err }},
		{"two previews", func() error { _, err := parseConsumer([]string{"-sixel", "0", "-text", "1"}, io.Discard); return err }},
		{"zero interval", func() error { _, err := parseMonitor([]string{"-interval", "0s"}, io.Discard); return err }},
		{"unknown flag", func() error { _, err := parseMonitor([]string{"-bogus"}, io.Discard); return err }},
	}
	for _, tt := range tests {
		if err := tt.parse(); err == nil {
			t.Errorf("%s: accepted", tt.name)
		}
	}
}

func TestHelp(t *testing.T) {
	if _, err := parseMonitor([]string{"-h"}, io.Discard); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("-h = %v, want flag.ErrHelp", err)
	}
}

func TestMonitorShorthand(t *testing.T) {
	cfg, err := parseMonitor([]string{"-s", "localhost:50051", "-interval", "1s"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StatsAddr != "localhost:50051" || cfg.Interval.Duration != time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"-config", "a.toml"}, "a.toml"},
		{[]string{"--config=b.toml", "-d"}, "b.toml"},
		{[]string{"-d", "--", "-config", "c.toml"}, ""},
		{[]string{"-config"}, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Errorf("configPath(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestParseOutputs(t *testing.T) {
	outs, err := ParseOutputs("1920x1080@60, 1280x720,,800x600@75")
	if err != nil {
		t.Fatalf("ParseOutputs: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("outputs = %+v", outs)
	}
	want := [][4]int{{0, 1920, 1080, 60}, {1, 1280, 720, 60}, {2, 800, 600, 75}}
	for i, o := range outs {
		got := [4]int{o.ID, o.Width, o.Height, o.RefreshHz}
		if got != want[i] {
			t.Errorf("output %d = %v, want %v", i, got, want[i])
		}
	}
	if outs[2].Name != "virtual-2" {
		t.Errorf("name = %q", outs[2].Name)
	}

	for _, bad := range []string{"", "1920", "0x10", "10x-1", "10x10@0", "axb", "1x1,1x1,1x1,1x1,1x1,1x1,1x1,1x1,1x1,1x1,1x1"} {
		if _, err := ParseOutputs(bad); err == nil {
			t.Errorf("ParseOutputs(%q) accepted", bad)
		}
	}
}
