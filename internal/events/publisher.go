package events

import (
	"sync"
	"time"
)

// Publisher assigns contiguous per-session sequence numbers and pushes
// envelopes to the bus. High-frequency per-expert lifecycle events for the
// same participant inside the coalescing window are merged into a single
// expert_contribution_complete event carrying the union of their payload
// fields; events from different participants are never merged with each
// other. Synchronous event types flush all pending buffers first so the
// session stream stays in sequence order.
type Publisher struct {
	mu        sync.Mutex
	bus       *Bus
	sessionID string
	seq       uint64
	window    time.Duration
	pending   map[string]*pendingBatch
	order     []string // participants in first-buffered order
	now       func() time.Time
}

type pendingBatch struct {
	fields       map[string]any
	constituents []Type
	timer        *time.Timer
}

// NewPublisher creates a publisher for one session. window is the
// per-participant coalescing window; zero disables buffering.
func NewPublisher(bus *Bus, sessionID string, window time.Duration) *Publisher {
	return &Publisher{
		bus:       bus,
		sessionID: sessionID,
		window:    window,
		pending:   make(map[string]*pendingBatch),
		now:       time.Now,
	}
}

// RestoreSequence sets the last-emitted sequence number. Used on resume so
// the stream continues contiguously from the checkpointed counter.
func (p *Publisher) RestoreSequence(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq = seq
}

// Sequence returns the last emitted sequence number.
func (p *Publisher) Sequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Publish routes one event through the pipeline. Buffered types must carry
// the participant code under data["participant"]; an event without one
// cannot be merged and is emitted directly.
func (p *Publisher) Publish(t Type, data map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if Synchronous(t) {
		p.flushAllLocked()
		p.emitLocked(t, data)
		return
	}

	participant, _ := data["participant"].(string)
	if participant == "" || p.window <= 0 {
		p.emitLocked(t, data)
		return
	}

	batch, ok := p.pending[participant]
	if !ok {
		batch = &pendingBatch{fields: make(map[string]any)}
		p.pending[participant] = batch
		p.order = append(p.order, participant)
		batch.timer = time.AfterFunc(p.window, func() {
			p.mu.Lock()
			p.flushParticipantLocked(participant)
			p.mu.Unlock()
		})
	}
	for k, v := range data {
		batch.fields[k] = v
	}
	batch.constituents = append(batch.constituents, t)
}

// Flush forces all buffered events out immediately.
func (p *Publisher) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushAllLocked()
}

func (p *Publisher) flushAllLocked() {
	// flushParticipantLocked mutates p.order, so drain from the front
	// rather than ranging over the slice.
	for len(p.order) > 0 {
		p.flushParticipantLocked(p.order[0])
	}
}

func (p *Publisher) flushParticipantLocked(participant string) {
	batch, ok := p.pending[participant]
	if !ok {
		return
	}
	delete(p.pending, participant)
	if batch.timer != nil {
		batch.timer.Stop()
	}
	for i, code := range p.order {
		if code == participant {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	if len(batch.constituents) == 1 {
		p.emitLocked(batch.constituents[0], batch.fields)
		return
	}

	phases := make([]string, len(batch.constituents))
	for i, c := range batch.constituents {
		phases[i] = string(c)
	}
	batch.fields["merged"] = true
	batch.fields["phases"] = phases
	p.emitLocked(TypeExpertContributionComplete, batch.fields)
}

// emitLocked assigns the next sequence number and publishes. Sequence
// numbers are assigned at emission, so a merged event takes the sequence
// position of its last constituent and the session stream stays gap-free.
func (p *Publisher) emitLocked(t Type, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	p.seq++
	p.bus.Publish(Event{
		Type:          t,
		SessionID:     p.sessionID,
		Sequence:      p.seq,
		Timestamp:     p.now(),
		Data:          data,
		SchemaVersion: SchemaVersion,
	})
}
