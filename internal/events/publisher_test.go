package events

import (
	"testing"
	"time"
)

func newTestPipeline(window time.Duration) (*Publisher, *Bus) {
	bus := NewBus(128, 64)
	return NewPublisher(bus, "sess-1", window), bus
}

func TestPublisher_SequenceContiguous(t *testing.T) {
	pub, bus := newTestPipeline(0)

	pub.Publish(TypeSessionStarted, map[string]any{"problem": "p"})
	pub.Publish(TypeRoundStarted, map[string]any{"round": 1})
	pub.Publish(TypeConvergence, nil)

	got := bus.Retained("sess-1")
	if len(got) != 3 {
		t.Fatalf("retained = %d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event %d Sequence = %d, want %d", i, ev.Sequence, i+1)
		}
		if ev.SchemaVersion != SchemaVersion {
			t.Fatalf("SchemaVersion = %d, want %d", ev.SchemaVersion, SchemaVersion)
		}
		if ev.SessionID != "sess-1" {
			t.Fatalf("SessionID = %q, want sess-1", ev.SessionID)
		}
	}
}

func TestPublisher_CoalesceSameParticipant(t *testing.T) {
	pub, bus := newTestPipeline(10 * time.Second)

	pub.Publish(TypeExpertStarted, map[string]any{"participant": "econ", "round": 1})
	pub.Publish(TypeExpertReasoning, map[string]any{"participant": "econ", "summary": "s"})
	pub.Publish(TypeExpertConcluded, map[string]any{"participant": "econ", "tokens": 42})
	pub.Flush()

	got := bus.Retained("sess-1")
	if len(got) != 1 {
		t.Fatalf("retained = %d events, want 1 merged event", len(got))
	}
	ev := got[0]
	if ev.Type != TypeExpertContributionComplete {
		t.Fatalf("Type = %q, want %q", ev.Type, TypeExpertContributionComplete)
	}
	if ev.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", ev.Sequence)
	}
	if merged, _ := ev.Data["merged"].(bool); !merged {
		t.Fatal("merged flag not set on coalesced event")
	}
	phases, ok := ev.Data["phases"].([]string)
	if !ok || len(phases) != 3 {
		t.Fatalf("phases = %v, want 3 constituent types", ev.Data["phases"])
	}
	// Union of payload fields from all constituents.
	if ev.Data["round"] != 1 || ev.Data["tokens"] != 42 || ev.Data["summary"] != "s" {
		t.Fatalf("merged payload missing constituent fields: %v", ev.Data)
	}
}

func TestPublisher_NoCrossParticipantMerge(t *testing.T) {
	pub, bus := newTestPipeline(10 * time.Second)

	pub.Publish(TypeExpertStarted, map[string]any{"participant": "econ"})
	pub.Publish(TypeExpertStarted, map[string]any{"participant": "legal"})
	pub.Publish(TypeExpertConcluded, map[string]any{"participant": "econ"})
	pub.Flush()

	got := bus.Retained("sess-1")
	if len(got) != 2 {
		t.Fatalf("retained = %d events, want 2 (one per participant)", len(got))
	}
	if got[0].Data["participant"] != "econ" || got[1].Data["participant"] != "legal" {
		t.Fatalf("flush order = %v, %v; want first-buffered order", got[0].Data["participant"], got[1].Data["participant"])
	}
	if got[0].Type != TypeExpertContributionComplete {
		t.Fatalf("econ batch Type = %q, want merged", got[0].Type)
	}
	if got[1].Type != TypeExpertStarted {
		t.Fatalf("single-constituent batch Type = %q, want original type", got[1].Type)
	}
	if _, ok := got[1].Data["merged"]; ok {
		t.Fatal("single-constituent flush must not carry merged flag")
	}
}

func TestPublisher_SynchronousFlushesPending(t *testing.T) {
	pub, bus := newTestPipeline(10 * time.Second)

	pub.Publish(TypeExpertStarted, map[string]any{"participant": "econ"})
	pub.Publish(TypeExpertConcluded, map[string]any{"participant": "econ"})
	pub.Publish(TypeRoundStarted, map[string]any{"round": 2})

	got := bus.Retained("sess-1")
	if len(got) != 2 {
		t.Fatalf("retained = %d events, want 2", len(got))
	}
	if got[0].Type != TypeExpertContributionComplete {
		t.Fatalf("first event = %q, want buffered batch flushed ahead of synchronous event", got[0].Type)
	}
	if got[1].Type != TypeRoundStarted {
		t.Fatalf("second event = %q, want %q", got[1].Type, TypeRoundStarted)
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("sequences = %d, %d; want 1, 2", got[0].Sequence, got[1].Sequence)
	}
}

func TestPublisher_SynchronousFlushesAllParticipants(t *testing.T) {
	pub, bus := newTestPipeline(10 * time.Second)

	pub.Publish(TypeExpertStarted, map[string]any{"participant": "econ"})
	pub.Publish(TypeExpertStarted, map[string]any{"participant": "legal"})
	pub.Publish(TypeExpertStarted, map[string]any{"participant": "sre"})
	pub.Publish(TypePersonaSelectionComplete, map[string]any{"count": 3})

	got := bus.Retained("sess-1")
	if len(got) != 4 {
		t.Fatalf("retained = %d events, want every buffered batch plus the synchronous event", len(got))
	}
	for i, want := range []string{"econ", "legal", "sre"} {
		if got[i].Type != TypeExpertStarted {
			t.Fatalf("event %d = %q, want %q", i, got[i].Type, TypeExpertStarted)
		}
		if got[i].Data["participant"] != want {
			t.Fatalf("event %d participant = %v, want %q (buffering order)", i, got[i].Data["participant"], want)
		}
	}
	if got[3].Type != TypePersonaSelectionComplete {
		t.Fatalf("last event = %q, want %q after all batches", got[3].Type, TypePersonaSelectionComplete)
	}
	if got[3].Sequence != 4 {
		t.Fatalf("synchronous event Sequence = %d, want 4", got[3].Sequence)
	}
}

func TestPublisher_WindowExpiryFlushes(t *testing.T) {
	pub, bus := newTestPipeline(20 * time.Millisecond)

	pub.Publish(TypeExpertStarted, map[string]any{"participant": "econ"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(bus.Retained("sess-1")) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("buffered event never flushed after window expiry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := bus.Retained("sess-1")[0]; got.Type != TypeExpertStarted {
		t.Fatalf("Type = %q, want %q", got.Type, TypeExpertStarted)
	}
	_ = pub
}

func TestPublisher_ZeroWindowDisablesBuffering(t *testing.T) {
	pub, bus := newTestPipeline(0)

	pub.Publish(TypeExpertStarted, map[string]any{"participant": "econ"})
	if got := bus.Retained("sess-1"); len(got) != 1 || got[0].Type != TypeExpertStarted {
		t.Fatalf("retained = %v, want immediate emission", got)
	}
}

func TestPublisher_RestoreSequence(t *testing.T) {
	pub, bus := newTestPipeline(0)
	pub.RestoreSequence(41)

	pub.Publish(TypeRoundStarted, map[string]any{"round": 5})

	got := bus.Retained("sess-1")
	if got[0].Sequence != 42 {
		t.Fatalf("Sequence = %d, want 42 (contiguous after restore)", got[0].Sequence)
	}
	if pub.Sequence() != 42 {
		t.Fatalf("Sequence() = %d, want 42", pub.Sequence())
	}
}
