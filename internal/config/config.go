// Package config loads peer settings from an optional YAML file layered
// over built-in defaults. A missing config file is not an error; every key
// has a usable default so a bare `landaudio` invocation works out of the
// box on a LAN.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// Role selects which capabilities a peer advertises during handshake.
type Role string

const (
	RoleFull     Role = "full"
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Config holds every tunable the peer process reads at startup.
type Config struct {
	Name        string
	Role        Role
	AudioPort   uint16
	ControlAddr string

	DefaultBitrate uint32
	FrameSizeMs    float32
	Channels       uint16
	FECEnabled     bool

	HandshakeTimeout time.Duration
}

// validFrameSizes are the Opus frame durations the encoder accepts.
var validFrameSizes = []float32{2.5, 5, 10, 20}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "landaudio-peer")
	v.SetDefault("role", string(RoleFull))
	v.SetDefault("audio_port", 5001)
	v.SetDefault("control_addr", "127.0.0.1:8090")
	v.SetDefault("default_bitrate", 128_000)
	v.SetDefault("frame_size_ms", 10.0)
	v.SetDefault("channels", 2)
	v.SetDefault("fec_enabled", false)
	v.SetDefault("handshake_timeout", "5s")
}

// Load reads path (YAML) over the defaults. If path does not exist the
// defaults are returned; any other read or validation failure is an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				slog.Info("no config file found, using defaults", "path", path)
			} else {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg := Config{
		Name:             v.GetString("name"),
		Role:             Role(v.GetString("role")),
		AudioPort:        uint16(v.GetUint32("audio_port")),
		ControlAddr:      v.GetString("control_addr"),
		DefaultBitrate:   v.GetUint32("default_bitrate"),
		FrameSizeMs:      float32(v.GetFloat64("frame_size_ms")),
		Channels:         uint16(v.GetUint32("channels")),
		FECEnabled:       v.GetBool("fec_enabled"),
		HandshakeTimeout: v.GetDuration("handshake_timeout"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Role {
	case RoleFull, RoleSender, RoleReceiver:
	default:
		return fmt.Errorf("config: invalid role %q", c.Role)
	}
	if c.AudioPort == 0 {
		return fmt.Errorf("config: audio_port must be nonzero")
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("config: channels must be 1 or 2, got %d", c.Channels)
	}
	frameOK := false
	for _, fs := range validFrameSizes {
		if c.FrameSizeMs == fs {
			frameOK = true
			break
		}
	}
	if !frameOK {
		return fmt.Errorf("config: frame_size_ms must be one of 2.5/5/10/20, got %v", c.FrameSizeMs)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: handshake_timeout must be positive")
	}
	return nil
}
