package usage

import (
	"math"
	"sync"
	"testing"

	"conclave/internal/types"
)

func TestTracker_RecordAccumulates(t *testing.T) {
	tr := NewTracker()

	tr.Record("debate", types.UsageMetadata{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, CostUSD: 0.01})
	tr.Record("debate", types.UsageMetadata{InputTokens: 200, OutputTokens: 100, TotalTokens: 300, CostUSD: 0.02})
	tr.Record("synthesis", types.UsageMetadata{TotalTokens: 500, CostUSD: 0.05})

	if got := tr.TotalTokens(); got != 950 {
		t.Fatalf("TotalTokens() = %d, want 950", got)
	}
	if got := tr.TotalCost(); math.Abs(got-0.08) > 1e-9 {
		t.Fatalf("TotalCost() = %f, want 0.08", got)
	}

	snap := tr.Snapshot()
	debate := snap.ByPhase["debate"]
	if debate.Calls != 2 || debate.Total != 450 {
		t.Fatalf("debate phase = %+v, want 2 calls / 450 tokens", debate)
	}
	if snap.ByPhase["synthesis"].Calls != 1 {
		t.Fatalf("synthesis calls = %d, want 1", snap.ByPhase["synthesis"].Calls)
	}
}

func TestTracker_SnapshotIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Record("vote", types.UsageMetadata{TotalTokens: 10, CostUSD: 0.001})

	snap := tr.Snapshot()
	snap.ByPhase["vote"] = PhaseCounts{Total: 9999}

	if got := tr.Snapshot().ByPhase["vote"].Total; got != 10 {
		t.Fatalf("tracker mutated through snapshot: total = %d, want 10", got)
	}
}

func TestTracker_RestoreRoundTrip(t *testing.T) {
	tr := NewTracker()
	tr.Record("decompose", types.UsageMetadata{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, CostUSD: 0.03})
	tr.Record("debate", types.UsageMetadata{InputTokens: 20, OutputTokens: 10, TotalTokens: 30, CostUSD: 0.07})
	snap := tr.Snapshot()

	restored := NewTracker()
	restored.Restore(snap)

	if got := restored.TotalCost(); math.Abs(got-0.10) > 1e-9 {
		t.Fatalf("TotalCost() after restore = %f, want 0.10", got)
	}
	if got := restored.TotalTokens(); got != 45 {
		t.Fatalf("TotalTokens() after restore = %d, want 45", got)
	}

	// Spending after a restore keeps accumulating on top of the old total,
	// never resetting it.
	restored.Record("debate", types.UsageMetadata{TotalTokens: 5, CostUSD: 0.01})
	if got := restored.TotalCost(); math.Abs(got-0.11) > 1e-9 {
		t.Fatalf("TotalCost() = %f, want 0.11", got)
	}
}

func TestTracker_ConcurrentRecord(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record("debate", types.UsageMetadata{TotalTokens: 1, CostUSD: 0.001})
		}()
	}
	wg.Wait()

	if got := tr.TotalTokens(); got != 50 {
		t.Fatalf("TotalTokens() = %d, want 50", got)
	}
	if got := tr.Snapshot().ByPhase["debate"].Calls; got != 50 {
		t.Fatalf("Calls = %d, want 50", got)
	}
}
