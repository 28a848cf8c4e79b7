// Package usage tracks token and cost consumption for a deliberation
// session. The tracker is the single monotonic cost counter read by the
// cost governor; only the node that incurred a cost records it.
package usage

import (
	"sync"

	"conclave/internal/types"
)

// PhaseCounts holds token/cost sums for one phase.
type PhaseCounts struct {
	Input   int64   `json:"input"`
	Output  int64   `json:"output"`
	Total   int64   `json:"total"`
	Calls   int     `json:"calls"`
	CostUSD float64 `json:"cost_usd"`
}

func (p *PhaseCounts) add(u types.UsageMetadata) {
	p.Input += int64(u.InputTokens)
	p.Output += int64(u.OutputTokens)
	p.Total += int64(u.TotalTokens)
	p.Calls++
	p.CostUSD += u.CostUSD
}

// Snapshot is an immutable view of accumulated usage, embedded in
// checkpoints and in the phase_cost_breakdown event payload.
type Snapshot struct {
	TotalCostUSD float64                `json:"total_cost_usd"`
	TotalTokens  int64                  `json:"total_tokens"`
	ByPhase      map[string]PhaseCounts `json:"by_phase"`
}

// Tracker accumulates usage per phase. Safe for concurrent use; panel
// fan-out records from multiple goroutines.
type Tracker struct {
	mu      sync.Mutex
	total   PhaseCounts
	byPhase map[string]PhaseCounts
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{byPhase: make(map[string]PhaseCounts)}
}

// Record accumulates one call's usage under a phase tag.
func (t *Tracker) Record(phase string, u types.UsageMetadata) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.add(u)
	pc := t.byPhase[phase]
	pc.add(u)
	t.byPhase[phase] = pc
}

// TotalCost returns the monotonic total cost in USD.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total.CostUSD
}

// TotalTokens returns cumulative token count.
func (t *Tracker) TotalTokens() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total.Total
}

// Snapshot returns a copy of the accumulated usage.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	byPhase := make(map[string]PhaseCounts, len(t.byPhase))
	for k, v := range t.byPhase {
		byPhase[k] = v
	}
	return Snapshot{
		TotalCostUSD: t.total.CostUSD,
		TotalTokens:  t.total.Total,
		ByPhase:      byPhase,
	}
}

// Restore replaces the tracker contents from a snapshot. Used on resume;
// the restored totals keep the monotonic-cost invariant because a
// checkpointed snapshot always reflects everything spent so far.
func (t *Tracker) Restore(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total = PhaseCounts{CostUSD: s.TotalCostUSD, Total: s.TotalTokens}
	t.byPhase = make(map[string]PhaseCounts, len(s.ByPhase))
	var input, output int64
	var calls int
	for k, v := range s.ByPhase {
		t.byPhase[k] = v
		input += v.Input
		output += v.Output
		calls += v.Calls
	}
	t.total.Input = input
	t.total.Output = output
	t.total.Calls = calls
}
