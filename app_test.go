package main

import (
	"testing"
	"time"

	"landaudio/internal/config"
	"landaudio/internal/protocol"
)

func testConfig() config.Config {
	return config.Config{
		Name:             "test-peer",
		Role:             config.RoleFull,
		AudioPort:        5001,
		ControlAddr:      "127.0.0.1:0",
		DefaultBitrate:   128_000,
		FrameSizeMs:      10,
		Channels:         2,
		HandshakeTimeout: 5 * time.Second,
	}
}

func TestNewAppRoleSelectsDiscoveryRole(t *testing.T) {
	cases := []struct {
		role       config.Role
		wantSender bool
	}{
		{config.RoleFull, true},
		{config.RoleSender, true},
		{config.RoleReceiver, false},
	}
	for _, tc := range cases {
		cfg := testConfig()
		cfg.Role = tc.role
		a := NewApp(cfg)
		if a.disc.IsSender != tc.wantSender {
			t.Errorf("role %q: discovery IsSender = %v, want %v", tc.role, a.disc.IsSender, tc.wantSender)
		}
	}
}

func TestSendAudioWithoutPeerDrops(t *testing.T) {
	a := NewApp(testConfig())
	id, err := a.manager.CreateTrack(protocol.DefaultTrackConfig())
	if err != nil {
		t.Fatalf("CreateTrack: %v", err)
	}
	if seq := a.sendAudio(id, []byte{1, 2, 3}, 0, false); seq != 0 {
		t.Errorf("sendAudio with no connected peer returned seq %d, want 0", seq)
	}
	if tr, _ := a.manager.Get(id); tr.PacketsSent() != 0 {
		t.Errorf("packet counter advanced with no peer connected")
	}
}

func TestSendAudioRespectsMute(t *testing.T) {
	a := NewApp(testConfig())
	id, err := a.manager.CreateTrack(protocol.DefaultTrackConfig())
	if err != nil {
		t.Fatalf("CreateTrack: %v", err)
	}
	if err := a.manager.SetMuted(id, true); err != nil {
		t.Fatal(err)
	}
	if seq := a.sendAudio(id, []byte{1}, 0, false); seq != 0 {
		t.Errorf("muted track transmitted, seq = %d", seq)
	}
}

func TestAdaptOnceWithNoPipelinesIsANoOp(t *testing.T) {
	a := NewApp(testConfig())
	if _, err := a.manager.CreateTrack(protocol.DefaultTrackConfig()); err != nil {
		t.Fatal(err)
	}
	a.adaptOnce()
	if len(a.bitrateKbps) != 0 {
		t.Errorf("adaptOnce invented bitrate entries: %v", a.bitrateKbps)
	}
}
