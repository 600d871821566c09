package track

import (
	"testing"

	"landaudio/internal/protocol"
)

func mustCreate(t *testing.T, m *Manager, name string) uint8 {
	t.Helper()
	id, err := m.CreateTrack(protocol.TrackConfig{Name: name})
	if err != nil {
		t.Fatalf("CreateTrack(%q) failed: %v", name, err)
	}
	return id
}

func TestMuteAndSoloSemantics(t *testing.T) {
	m := NewManager()
	a := mustCreate(t, m, "a")
	b := mustCreate(t, m, "b")

	if !m.ShouldOutput(a) || !m.ShouldOutput(b) {
		t.Fatal("with no mute/solo, both tracks should output")
	}

	if err := m.SetMuted(a, true); err != nil {
		t.Fatal(err)
	}
	if m.ShouldOutput(a) {
		t.Fatal("muted track should not output")
	}
	if !m.ShouldOutput(b) {
		t.Fatal("unmuted track should still output")
	}

	if err := m.SetMuted(a, false); err != nil {
		t.Fatal(err)
	}
	if err := m.SetSolo(b, true); err != nil {
		t.Fatal(err)
	}
	if m.ShouldOutput(a) {
		t.Fatal("non-soloed track should not output while another track is soloed")
	}
	if !m.ShouldOutput(b) {
		t.Fatal("soloed track should output")
	}

	if err := m.SetSolo(b, false); err != nil {
		t.Fatal(err)
	}
	if !m.ShouldOutput(a) || !m.ShouldOutput(b) {
		t.Fatal("after clearing solo, both tracks should output again")
	}
}

func TestMaxTracksReached(t *testing.T) {
	m := NewManager()
	m.maxTracks = 2
	mustCreate(t, m, "a")
	mustCreate(t, m, "b")
	if _, err := m.CreateTrack(protocol.TrackConfig{Name: "c"}); err != ErrMaxTracksReached {
		t.Fatalf("CreateTrack() err = %v, want ErrMaxTracksReached", err)
	}
}

func TestUpdateTrackEmitsDeviceChangedBeforeConfigUpdated(t *testing.T) {
	m := NewManager()
	events := m.Subscribe()
	id, err := m.CreateTrack(protocol.TrackConfig{Name: "a", DeviceID: "dev-1"})
	if err != nil {
		t.Fatal(err)
	}
	<-events // drain the Created event

	newDev := "dev-2"
	if err := m.UpdateTrack(id, protocol.TrackConfigUpdate{DeviceID: &newDev}); err != nil {
		t.Fatal(err)
	}

	first := <-events
	if first.Kind != EventDeviceChanged {
		t.Fatalf("first event kind = %v, want EventDeviceChanged", first.Kind)
	}
	if first.OldDeviceID != "dev-1" || first.NewDeviceID != "dev-2" {
		t.Fatalf("device change = %q -> %q, want dev-1 -> dev-2", first.OldDeviceID, first.NewDeviceID)
	}

	second := <-events
	if second.Kind != EventConfigUpdated {
		t.Fatalf("second event kind = %v, want EventConfigUpdated", second.Kind)
	}
}

func TestRemoveTrackNotFound(t *testing.T) {
	m := NewManager()
	if err := m.RemoveTrack(42); err != ErrNotFound {
		t.Fatalf("RemoveTrack() err = %v, want ErrNotFound", err)
	}
}

func TestEnsureImplicitTrackCreatesOnce(t *testing.T) {
	m := NewManager()
	t1, created, err := m.EnsureImplicitTrack(7, protocol.DefaultTrackConfig())
	if err != nil || !created {
		t.Fatalf("EnsureImplicitTrack() = (%v, %v, %v), want created", t1, created, err)
	}
	t2, created2, err := m.EnsureImplicitTrack(7, protocol.DefaultTrackConfig())
	if err != nil || created2 {
		t.Fatalf("second EnsureImplicitTrack() = (%v, %v, %v), want existing track, not created", t2, created2, err)
	}
	if t1 != t2 {
		t.Fatal("EnsureImplicitTrack should return the same Track on repeat calls")
	}
}

func TestDeletedTrackIDSuppressesImplicitRecreate(t *testing.T) {
	m := NewManager()
	id := mustCreate(t, m, "a")
	if err := m.RemoveTrack(id); err != nil {
		t.Fatal(err)
	}

	if _, _, err := m.EnsureImplicitTrack(id, protocol.DefaultTrackConfig()); err != ErrTombstoned {
		t.Fatalf("EnsureImplicitTrack() on deleted id err = %v, want ErrTombstoned", err)
	}

	explicit := id
	if _, err := m.CreateTrack(protocol.TrackConfig{TrackID: &explicit, Name: "a-again"}); err != nil {
		t.Fatalf("explicit re-create after deletion should succeed: %v", err)
	}
	if _, created, err := m.EnsureImplicitTrack(id, protocol.DefaultTrackConfig()); err != nil || created {
		t.Fatalf("EnsureImplicitTrack() after explicit re-create = (created=%v, err=%v), want existing track found", created, err)
	}
}
