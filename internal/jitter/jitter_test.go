package jitter

import "testing"

func seqFrame(seq uint32) Frame {
	return Frame{Sequence: seq, Samples: []float32{float32(seq)}}
}

func TestForceGetNextOrdersDespiteArrivalOrder(t *testing.T) {
	b := New(16, 1)

	// Arrives out of order: 2, 0, 1. ForceGetNext bypasses the prebuffer
	// gate so ordering behavior can be checked independently of the
	// adaptive target-delay timing.
	b.Insert(seqFrame(2))
	b.Insert(seqFrame(0))
	b.Insert(seqFrame(1))

	f, ok := b.ForceGetNext()
	if !ok || f.Sequence != 0 {
		t.Fatalf("ForceGetNext() = (%+v, %v), want seq 0", f, ok)
	}
	f, ok = b.ForceGetNext()
	if !ok || f.Sequence != 1 {
		t.Fatalf("ForceGetNext() = (%+v, %v), want seq 1", f, ok)
	}
	f, ok = b.ForceGetNext()
	if !ok || f.Sequence != 2 {
		t.Fatalf("ForceGetNext() = (%+v, %v), want seq 2", f, ok)
	}
}

func TestLateFrameRejected(t *testing.T) {
	b := New(16, 1)
	b.Insert(seqFrame(10))
	b.ForceGetNext() // advances nextSequence past 10

	if b.Insert(seqFrame(5)) {
		t.Fatal("Insert() of a far-past sequence should be rejected as late")
	}
	if got := b.Stats().Late; got != 1 {
		t.Fatalf("Late = %d, want 1", got)
	}
}

func TestOutOfOrderCounted(t *testing.T) {
	b := New(16, 1)
	b.Insert(seqFrame(0))
	if got := b.Stats().OutOfOrder; got != 0 {
		t.Fatalf("OutOfOrder after first insert = %d, want 0", got)
	}
	b.Insert(seqFrame(5)) // jumps ahead, within window: counted out of order
	if got := b.Stats().OutOfOrder; got != 1 {
		t.Fatalf("OutOfOrder = %d, want 1", got)
	}
}

func TestLostFrameCountedOnGap(t *testing.T) {
	b := New(16, 1)
	b.Insert(seqFrame(0))
	b.Insert(seqFrame(2)) // seq 1 never arrives

	f, ok := b.ForceGetNext()
	if !ok || f.Sequence != 0 {
		t.Fatalf("ForceGetNext() = (%+v, %v), want seq 0", f, ok)
	}
	if _, ok := b.ForceGetNext(); ok {
		t.Fatal("ForceGetNext() for missing seq 1 should report ok=false")
	}
	if got := b.Stats().Lost; got != 1 {
		t.Fatalf("Lost = %d, want 1", got)
	}
	f, ok = b.ForceGetNext()
	if !ok || f.Sequence != 2 {
		t.Fatalf("ForceGetNext() = (%+v, %v), want seq 2", f, ok)
	}
}

func TestEarlyFrameReanchorsBeforePlayback(t *testing.T) {
	b := New(16, 1)
	b.Insert(seqFrame(100))
	// Playout has not begun, so an older frame is not late; it becomes the
	// new baseline instead.
	if !b.Insert(seqFrame(98)) {
		t.Fatal("Insert() before playback start should re-anchor, not drop")
	}
	if got := b.Stats().Late; got != 0 {
		t.Fatalf("Late = %d, want 0", got)
	}
	f, ok := b.ForceGetNext()
	if !ok || f.Sequence != 98 {
		t.Fatalf("ForceGetNext() = (%+v, %v), want seq 98", f, ok)
	}
}

func TestReorderedBurstPlaysInOrderThenGates(t *testing.T) {
	b := New(16, 2)

	// A prebuffer burst arriving out of order must not inflate the target
	// delay: the gate stays at min_delay, so playout yields the reordered
	// frames and then gates once the level drops below the target.
	b.Insert(seqFrame(2))
	b.Insert(seqFrame(0))
	b.Insert(seqFrame(1))

	f, ok := b.GetNext()
	if !ok || f.Sequence != 0 {
		t.Fatalf("GetNext() = (%+v, %v), want seq 0", f, ok)
	}
	f, ok = b.GetNext()
	if !ok || f.Sequence != 1 {
		t.Fatalf("GetNext() = (%+v, %v), want seq 1", f, ok)
	}
	if _, ok := b.GetNext(); ok {
		t.Fatal("GetNext() should gate once level drops below the target delay")
	}
}

func TestGetNextGatesOnPrebuffer(t *testing.T) {
	b := New(16, 4)
	b.Insert(seqFrame(0))

	if _, ok := b.GetNext(); ok {
		t.Fatal("GetNext() should gate until target_delay frames are buffered")
	}
}

func TestResetClearsState(t *testing.T) {
	b := New(16, 1)
	b.Insert(seqFrame(5))
	b.Reset()

	if got := b.Stats().Level; got != 0 {
		t.Fatalf("Level after Reset() = %d, want 0", got)
	}
	// After reset, the next insert re-primes nextSequence from scratch.
	if !b.Insert(seqFrame(100)) {
		t.Fatal("Insert() after Reset() should accept any sequence as the new baseline")
	}
}

func TestSetNextSequencePrimesBaseline(t *testing.T) {
	b := New(16, 1)
	b.SetNextSequence(50)

	if !b.Insert(seqFrame(50)) {
		t.Fatal("Insert() at the primed baseline should be accepted")
	}
	if b.Insert(seqFrame(45)) {
		t.Fatal("Insert() before the primed baseline should be rejected as late")
	}
}
