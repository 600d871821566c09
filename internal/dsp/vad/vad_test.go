package vad

import (
	"math"
	"testing"
)

func frameAt(amplitude float32, n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = amplitude
	}
	return f
}

func TestEnergy(t *testing.T) {
	if got := Energy(nil); got != 0 {
		t.Errorf("Energy(nil) = %v, want 0", got)
	}
	got := Energy(frameAt(0.5, 480))
	if math.Abs(float64(got)-0.5) > 1e-6 {
		t.Errorf("Energy(constant 0.5) = %v, want 0.5", got)
	}
}

func TestEnergyDbFloor(t *testing.T) {
	if got := EnergyDb(0); got != -96.0 {
		t.Errorf("EnergyDb(0) = %v, want -96", got)
	}
	if got := EnergyDb(1.0); math.Abs(got) > 1e-9 {
		t.Errorf("EnergyDb(1.0) = %v, want 0", got)
	}
}

func TestSpeechPassesAndSilenceSuppressed(t *testing.T) {
	d := New(10)

	if !d.ShouldSend(0.1) {
		t.Error("loud frame suppressed")
	}
	for i := 0; i < d.hangover; i++ {
		if !d.ShouldSend(0) {
			t.Fatalf("hangover frame %d suppressed early", i)
		}
	}
	if d.ShouldSend(0) {
		t.Error("silence sent after hangover expired")
	}
}

func TestHangoverScalesWithFrameDuration(t *testing.T) {
	short := New(2.5)
	long := New(20)
	if short.hangover != 8*long.hangover {
		t.Errorf("hangover frames: 2.5ms=%d, 20ms=%d; want 8x ratio", short.hangover, long.hangover)
	}
}

func TestDisabledAlwaysSends(t *testing.T) {
	d := New(10)
	d.SetEnabled(false)
	if !d.ShouldSend(0) {
		t.Error("disabled detector suppressed a frame")
	}
}

func TestSetThresholdDbClamps(t *testing.T) {
	d := New(10)
	d.SetThresholdDb(-200)
	if d.thresholdDb != -90 {
		t.Errorf("threshold = %v, want clamped to -90", d.thresholdDb)
	}
	d.SetThresholdDb(10)
	if d.thresholdDb != 0 {
		t.Errorf("threshold = %v, want clamped to 0", d.thresholdDb)
	}
}

func TestResetClearsHangover(t *testing.T) {
	d := New(10)
	d.ShouldSend(0.5)
	d.Reset()
	if d.ShouldSend(0) {
		t.Error("silence sent immediately after Reset")
	}
}
