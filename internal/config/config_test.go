package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with no file: %v", err)
	}
	if cfg.Role != RoleFull {
		t.Errorf("default role = %q, want full", cfg.Role)
	}
	if cfg.AudioPort != 5001 {
		t.Errorf("default audio_port = %d, want 5001", cfg.AudioPort)
	}
	if cfg.FrameSizeMs != 10.0 {
		t.Errorf("default frame_size_ms = %v, want 10", cfg.FrameSizeMs)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Errorf("default handshake_timeout = %v, want 5s", cfg.HandshakeTimeout)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.Name != "landaudio-peer" {
		t.Errorf("name = %q, want default", cfg.Name)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "name: studio-a\nrole: sender\naudio_port: 6000\nframe_size_ms: 20\nchannels: 1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "studio-a" || cfg.Role != RoleSender || cfg.AudioPort != 6000 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Channels != 1 || cfg.FrameSizeMs != 20 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad role", "role: broadcast\n"},
		{"bad channels", "channels: 6\n"},
		{"bad frame size", "frame_size_ms: 15\n"},
		{"zero port", "audio_port: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load accepted invalid config %q", tc.body)
			}
		})
	}
}
