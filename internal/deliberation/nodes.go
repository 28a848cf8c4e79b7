package deliberation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conclave/internal/events"
	"conclave/internal/types"

	"go.uber.org/zap"
)

// Phase tags recorded on contributions and used for cost breakdown.
const (
	phaseDecompose   = "decompose"
	phasePanel       = "select_panel"
	phaseInitial     = "initial"
	phaseDebate      = "debate"
	phaseFacilitator = "facilitator"
	phaseModeration  = "moderation"
	phaseResearch    = "research"
	phaseVote        = "vote"
	phaseSynthesis   = "synthesis"
)

// clarificationWindow is how long the engine waits for an external answer
// before the recorded default choice applies.
const clarificationWindow = 10 * time.Minute

// runNode executes the current node and returns the next one. Every
// return value must be a legal successor in the graph; the run loop
// treats anything else as a fatal routing fault.
func (e *Executor) runNode(ctx context.Context, r *run) (Node, error) {
	st := r.st

	// Termination flag: panel-call nodes and convergence scoring no
	// longer execute, only synthesis and export. A vote already called
	// is skipped the same way; its ballots would still be billable
	// panel calls.
	if st.Terminated && (panelCallNodes[st.Node] || st.Node == NodeCheckConvergence) {
		return NodeSynthesize, nil
	}
	// Round-policy and consensus stops still allow the voting round
	// first.
	if st.Node == NodeFacilitatorDecide && st.StopReason != StopNone && st.StopReason != StopVoteCalled {
		return NodeVote, nil
	}

	switch st.Node {
	case NodeDecompose:
		return e.runDecompose(ctx, r)
	case NodeSelectPanel:
		return e.runSelectPanel(ctx, r)
	case NodeInitialRound:
		return e.runInitialRound(ctx, r)
	case NodeContribute:
		return e.runContribute(ctx, r)
	case NodeFacilitatorDecide:
		return e.runFacilitatorDecide(ctx, r)
	case NodeCheckConvergence:
		return e.runCheckConvergence(ctx, r)
	case NodeModeratorIntervene:
		return e.runModeratorIntervene(ctx, r)
	case NodeResearch:
		return e.runResearch(ctx, r)
	case NodeVote:
		return e.runVote(ctx, r)
	case NodeSynthesize:
		return e.runSynthesize(ctx, r)
	case NodeNextSubproblem:
		return e.runNextSubproblem(ctx, r)
	case NodeMetaSynthesize:
		return e.runMetaSynthesize(ctx, r)
	default:
		return "", fmt.Errorf("no handler for node %s", st.Node)
	}
}

func (e *Executor) runDecompose(ctx context.Context, r *run) (Node, error) {
	st := r.st

	res, err := e.call(ctx, r, phaseDecompose, "", buildDecomposePrompt(st.Problem))
	if err != nil {
		return "", fmt.Errorf("decompose: %w", err)
	}

	var raw []struct {
		ID        string   `json:"id"`
		Goal      string   `json:"goal"`
		DependsOn []string `json:"depends_on"`
	}
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &raw); err != nil || len(raw) == 0 {
		// A decomposition we cannot parse is not fatal: deliberate the
		// problem as a single sub-problem and tell the observer.
		st.Warnings = append(st.Warnings, "decomposition unparseable, using single sub-problem")
		r.pub.Publish(events.TypeContextInsufficient, map[string]any{
			"stage":  phaseDecompose,
			"detail": "decomposition output was not valid JSON",
		})
		raw = nil
	}

	const maxSubProblems = 4
	for i, sp := range raw {
		if i >= maxSubProblems {
			break
		}
		id := sp.ID
		if id == "" {
			id = fmt.Sprintf("sp-%d", i+1)
		}
		st.SubProblems = append(st.SubProblems, SubProblem{ID: id, Goal: sp.Goal, DependsOn: sp.DependsOn})
	}
	if len(st.SubProblems) == 0 {
		st.SubProblems = []SubProblem{{ID: "sp-1", Goal: st.Problem}}
	}

	subs := make([]map[string]any, len(st.SubProblems))
	for i, sp := range st.SubProblems {
		subs[i] = map[string]any{"id": sp.ID, "goal": sp.Goal}
	}
	r.pub.Publish(events.TypeDecompositionComplete, map[string]any{
		"sub_problems": subs,
	})
	return NodeSelectPanel, nil
}

func (e *Executor) runSelectPanel(ctx context.Context, r *run) (Node, error) {
	st := r.st
	minSize, maxSize := e.cfg.Engine.MinPanelSize, e.cfg.Engine.MaxPanelSize

	res, err := e.call(ctx, r, phasePanel, "", buildPanelPrompt(st.Problem, st.SubProblems, minSize, maxSize))
	if err != nil {
		return "", fmt.Errorf("select_panel: %w", err)
	}

	var raw []Participant
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &raw); err != nil {
		st.Warnings = append(st.Warnings, "panel selection unparseable, using default panel")
	}
	panel := make([]Participant, 0, maxSize)
	seen := make(map[string]bool)
	for _, p := range raw {
		if p.Code == "" || seen[p.Code] || len(panel) >= maxSize {
			continue
		}
		seen[p.Code] = true
		panel = append(panel, p)
	}
	if len(panel) < minSize {
		panel = defaultPanel()
	}
	st.Panel = panel

	for _, p := range st.Panel {
		r.pub.Publish(events.TypePersonaSelected, map[string]any{
			"participant":  p.Code,
			"display_name": p.DisplayName,
			"archetype":    p.Archetype,
			"domain_tags":  p.DomainTags,
		})
	}
	r.pub.Publish(events.TypePersonaSelectionComplete, map[string]any{
		"panel_size": len(st.Panel),
	})
	return NodeInitialRound, nil
}

// defaultPanel is the fallback when persona selection fails to produce a
// usable panel. Three archetypes cover the minimum spread of viewpoints.
func defaultPanel() []Participant {
	return []Participant{
		{Code: "pragmatist", DisplayName: "The Pragmatist", Archetype: "operational realist", DomainTags: []string{"operations"}},
		{Code: "skeptic", DisplayName: "The Skeptic", Archetype: "risk analyst", DomainTags: []string{"risk"}},
		{Code: "visionary", DisplayName: "The Visionary", Archetype: "growth strategist", DomainTags: []string{"strategy"}},
	}
}

func (e *Executor) runInitialRound(ctx context.Context, r *run) (Node, error) {
	st := r.st
	active := st.Active()
	if active == nil {
		return "", fmt.Errorf("initial_round: no active sub-problem")
	}

	r.pub.Publish(events.TypeSubproblemStarted, map[string]any{
		"sub_problem": active.ID,
		"goal":        active.Goal,
		"index":       st.ActiveSubProblem,
	})
	r.pub.Publish(events.TypeInitialRoundStarted, map[string]any{
		"sub_problem": active.ID,
	})

	st.Round = 1
	collected, err := e.collectContributions(ctx, r, phaseInitial)
	if err != nil {
		return "", err
	}
	if collected == 0 {
		return "", fmt.Errorf("initial_round: every panel member failed")
	}
	return NodeFacilitatorDecide, nil
}

func (e *Executor) runContribute(ctx context.Context, r *run) (Node, error) {
	st := r.st
	st.Round++
	r.pub.Publish(events.TypeRoundStarted, map[string]any{
		"sub_problem": st.Active().ID,
		"round":       st.Round,
	})

	collected, err := e.collectContributions(ctx, r, phaseDebate)
	if err != nil {
		return "", err
	}
	if collected == 0 {
		return "", fmt.Errorf("contribute: every panel member failed in round %d", st.Round)
	}
	return NodeCheckConvergence, nil
}

// collectContributions fans out over the panel concurrently. Each member
// gets one retry, then is omitted from the round with a recorded warning;
// a missing member never blocks the round. Results are merged into state
// only after every call has returned, failed, or timed out.
func (e *Executor) collectContributions(ctx context.Context, r *run, phase string) (int, error) {
	st := r.st
	goal := st.Active().Goal

	var mu sync.Mutex
	results := make(map[string]Contribution, len(st.Panel))
	var warnings []string

	g := new(errgroup.Group)
	for _, p := range st.Panel {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, e.participantTimeout)
			defer cancel()

			r.pub.Publish(events.TypeExpertStarted, map[string]any{
				"participant": p.Code,
				"round":       st.Round,
				"phase":       phase,
			})

			res, err := e.completeWithRetry(pctx, personaSystemPrompt(p, goal), buildContributionPrompt(st, p, phase))
			if err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("participant %s omitted from round %d: %v", p.Code, st.Round, err))
				mu.Unlock()
				r.pub.Publish(events.TypeExpertConcluded, map[string]any{
					"participant": p.Code,
					"round":       st.Round,
					"failed":      true,
					"error":       err.Error(),
				})
				return nil
			}

			r.tracker.Record(phase, res.Usage)
			mu.Lock()
			results[p.Code] = Contribution{
				Participant: p.Code,
				SubProblem:  st.Active().ID,
				Round:       st.Round,
				Phase:       phase,
				Text:        res.Text,
				Usage:       res.Usage,
			}
			mu.Unlock()

			r.pub.Publish(events.TypeContribution, map[string]any{
				"participant": p.Code,
				"round":       st.Round,
				"phase":       phase,
				"chars":       len(res.Text),
			})
			r.pub.Publish(events.TypeExpertConcluded, map[string]any{
				"participant": p.Code,
				"round":       st.Round,
				"tokens":      res.Usage.TotalTokens,
			})
			return nil
		})
	}
	_ = g.Wait()

	// Atomic merge in panel order after all calls settled.
	for _, p := range st.Panel {
		if c, ok := results[p.Code]; ok {
			st.Contributions = append(st.Contributions, c)
		}
	}
	st.Warnings = append(st.Warnings, warnings...)
	return len(results), nil
}

func (e *Executor) runFacilitatorDecide(ctx context.Context, r *run) (Node, error) {
	st := r.st

	// A clarification answer (or expired deadline default) lands in the
	// discussion before the facilitator decides again.
	if cl := st.Clarification; cl != nil {
		answer := cl.Answer
		source := "answer"
		if !cl.Answered {
			answer = cl.Default
			source = "default"
		}
		st.Contributions = append(st.Contributions, Contribution{
			Participant: "operator",
			SubProblem:  st.Active().ID,
			Round:       st.Round,
			Phase:       "clarification",
			Text:        fmt.Sprintf("Q: %s\nA: %s", cl.Question, answer),
		})
		r.pub.Publish(events.TypeClarificationAnswered, map[string]any{
			"question": cl.Question,
			"answer":   answer,
			"source":   source,
		})
		st.Clarification = nil
	}

	recent := st.RoundContributions(st.Round)
	res, err := e.call(ctx, r, phaseFacilitator, "", buildFacilitatorPrompt(st, recent, e.cfg.Engine.DriftSignalCount))
	if err != nil {
		return "", fmt.Errorf("facilitator_decide: %w", err)
	}

	var decision struct {
		Action        string `json:"action"`
		Reason        string `json:"reason"`
		Question      string `json:"question"`
		DefaultChoice string `json:"default_choice"`
	}
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &decision); err != nil {
		decision.Action = "continue"
	}

	switch decision.Action {
	case "vote":
		st.recordStop(StopVoteCalled, false)
		return NodeVote, nil
	case "moderate":
		return NodeModeratorIntervene, nil
	case "research":
		return NodeResearch, nil
	case "clarify":
		if decision.Question == "" {
			return NodeContribute, nil
		}
		st.Clarification = &Clarification{
			Question: decision.Question,
			Deadline: time.Now().Add(clarificationWindow),
			Default:  decision.DefaultChoice,
		}
		st.Status = StatusWaitingClarification
		r.pub.Publish(events.TypeClarificationRequired, map[string]any{
			"question":       decision.Question,
			"default_choice": decision.DefaultChoice,
			"deadline":       st.Clarification.Deadline,
		})
		return NodeFacilitatorDecide, nil
	default:
		return NodeContribute, nil
	}
}

func (e *Executor) runCheckConvergence(ctx context.Context, r *run) (Node, error) {
	st := r.st
	active := st.Active()

	var current []string
	for _, c := range st.RoundContributions(st.Round) {
		if c.Phase == phaseInitial || c.Phase == phaseDebate {
			current = append(current, c.Text)
		}
	}
	var history []string
	for _, c := range st.SubProblemContributions(active.ID) {
		if c.Round < st.Round && (c.Phase == phaseInitial || c.Phase == phaseDebate) {
			history = append(history, c.Text)
		}
	}

	result, err := e.convergence.Evaluate(ctx, active.Goal, current, history, st.Round)
	if err != nil {
		// Scoring is advisory: an embedding outage must not kill a
		// session the safety layers already bound. Treat as not
		// converged and keep going.
		st.Warnings = append(st.Warnings, fmt.Sprintf("convergence scoring failed in round %d: %v", st.Round, err))
		e.log.Warn("convergence scoring failed",
			zap.String("session_id", st.SessionID),
			zap.Int("round", st.Round),
			zap.Error(err))
		result = &ConvergenceResult{NoveltyScore: 1, ConflictScore: 1}
	}

	st.ConvergenceScore = result.Score
	if result.DriftFlag {
		st.DriftFlags++
		if sc := e.cfg.Engine.DriftSignalCount; sc > 0 && st.DriftFlags >= sc {
			r.pub.Publish(events.TypeDriftSignal, map[string]any{
				"sub_problem": active.ID,
				"round":       st.Round,
				"drift_flags": st.DriftFlags,
				"threshold":   sc,
			})
		}
	}
	r.pub.Publish(events.TypeConvergence, map[string]any{
		"sub_problem":    active.ID,
		"round":          st.Round,
		"score":          result.Score,
		"converged":      result.Converged,
		"novelty_score":  result.NoveltyScore,
		"conflict_score": result.ConflictScore,
		"drift_flag":     result.DriftFlag,
		"drift_flags":    st.DriftFlags,
	})

	if result.Converged {
		st.recordStop(StopConsensus, false)
		return NodeVote, nil
	}
	return NodeFacilitatorDecide, nil
}

func (e *Executor) runModeratorIntervene(ctx context.Context, r *run) (Node, error) {
	st := r.st
	active := st.Active()

	res, err := e.call(ctx, r, phaseModeration, "", buildModeratorPrompt(active.Goal, st.RoundContributions(st.Round)))
	if err != nil {
		return "", fmt.Errorf("moderator_intervene: %w", err)
	}

	st.Contributions = append(st.Contributions, Contribution{
		Participant: "moderator",
		SubProblem:  active.ID,
		Round:       st.Round,
		Phase:       phaseModeration,
		Text:        res.Text,
		Usage:       res.Usage,
	})
	st.DriftFlags = 0
	r.pub.Publish(events.TypeModeratorIntervention, map[string]any{
		"sub_problem": active.ID,
		"round":       st.Round,
	})
	return NodeContribute, nil
}

func (e *Executor) runResearch(ctx context.Context, r *run) (Node, error) {
	st := r.st
	active := st.Active()

	res, err := e.call(ctx, r, phaseResearch, "", buildResearchPrompt(active.Goal, st.RoundContributions(st.Round)))
	if err != nil {
		return "", fmt.Errorf("research: %w", err)
	}

	st.Contributions = append(st.Contributions, Contribution{
		Participant: "researcher",
		SubProblem:  active.ID,
		Round:       st.Round,
		Phase:       phaseResearch,
		Text:        res.Text,
		Usage:       res.Usage,
	})
	r.pub.Publish(events.TypeContribution, map[string]any{
		"participant": "researcher",
		"round":       st.Round,
		"phase":       phaseResearch,
		"chars":       len(res.Text),
	})
	return NodeContribute, nil
}

func (e *Executor) runVote(ctx context.Context, r *run) (Node, error) {
	st := r.st
	active := st.Active()

	var mu sync.Mutex
	votes := make(map[string]Vote, len(st.Panel))

	g := new(errgroup.Group)
	for _, p := range st.Panel {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, e.participantTimeout)
			defer cancel()

			var own []Contribution
			for _, c := range st.SubProblemContributions(active.ID) {
				if c.Participant == p.Code {
					own = append(own, c)
				}
			}
			res, err := e.completeWithRetry(pctx, personaSystemPrompt(p, active.Goal), buildVotePrompt(active.Goal, own))
			if err != nil {
				mu.Lock()
				st.Warnings = append(st.Warnings, fmt.Sprintf("participant %s omitted from vote: %v", p.Code, err))
				mu.Unlock()
				return nil
			}
			r.tracker.Record(phaseVote, res.Usage)

			var ballot struct {
				Position  string `json:"position"`
				Rationale string `json:"rationale"`
			}
			if err := json.Unmarshal([]byte(extractJSON(res.Text)), &ballot); err != nil || ballot.Position == "" {
				ballot.Position = strings.TrimSpace(res.Text)
			}
			mu.Lock()
			votes[p.Code] = Vote{
				Participant: p.Code,
				SubProblem:  active.ID,
				Position:    ballot.Position,
				Rationale:   ballot.Rationale,
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	positions := make([]map[string]any, 0, len(votes))
	for _, p := range st.Panel {
		if v, ok := votes[p.Code]; ok {
			st.Votes = append(st.Votes, v)
			positions = append(positions, map[string]any{
				"participant": v.Participant,
				"position":    v.Position,
			})
		}
	}
	r.pub.Publish(events.TypeVotingComplete, map[string]any{
		"sub_problem": active.ID,
		"votes":       positions,
	})
	return NodeSynthesize, nil
}

func (e *Executor) runSynthesize(ctx context.Context, r *run) (Node, error) {
	st := r.st
	active := st.Active()
	if active == nil {
		return "", fmt.Errorf("synthesize: no active sub-problem")
	}

	var votes []Vote
	for _, v := range st.Votes {
		if v.SubProblem == active.ID {
			votes = append(votes, v)
		}
	}
	res, err := e.call(ctx, r, phaseSynthesis, "", buildSynthesisPrompt(active.Goal, votes, st.SubProblemContributions(active.ID)))
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}

	active.Synthesis = res.Text
	r.pub.Publish(events.TypeSynthesisComplete, map[string]any{
		"sub_problem":    active.ID,
		"stop_reason":    string(st.StopReason),
		"total_cost_usd": r.tracker.TotalCost(),
	})
	return NodeNextSubproblem, nil
}

func (e *Executor) runNextSubproblem(ctx context.Context, r *run) (Node, error) {
	st := r.st
	if active := st.Active(); active != nil {
		active.Completed = true
	}

	if st.Terminated {
		// Remaining sub-problems are skipped, never entered: partial
		// results still flow into meta-synthesis.
		for i := st.ActiveSubProblem + 1; i < len(st.SubProblems); i++ {
			st.SubProblems[i].Skipped = true
		}
		return NodeMetaSynthesize, nil
	}

	if st.ActiveSubProblem+1 < len(st.SubProblems) {
		st.ActiveSubProblem++
		st.Round = 0
		st.DriftFlags = 0
		st.ConvergenceScore = 0
		// A round-policy or consensus stop is scoped to the finished
		// sub-problem; the next one starts fresh.
		st.StopReason = StopNone
		return NodeInitialRound, nil
	}
	return NodeMetaSynthesize, nil
}

func (e *Executor) runMetaSynthesize(ctx context.Context, r *run) (Node, error) {
	st := r.st

	var completed []SubProblem
	for _, sp := range st.SubProblems {
		if sp.Synthesis != "" {
			completed = append(completed, sp)
		}
	}

	switch len(completed) {
	case 0:
		return "", fmt.Errorf("meta_synthesize: no synthesized sub-problems")
	case 1:
		st.FinalSynthesis = completed[0].Synthesis
	default:
		res, err := e.call(ctx, r, phaseSynthesis, "", buildMetaSynthesisPrompt(st.Problem, st.SubProblems))
		if err != nil {
			return "", fmt.Errorf("meta_synthesize: %w", err)
		}
		st.FinalSynthesis = res.Text
	}

	r.pub.Publish(events.TypeMetaSynthesisComplete, map[string]any{
		"sub_problems_synthesized": len(completed),
	})

	snapshot := r.tracker.Snapshot()
	byPhase := make(map[string]any, len(snapshot.ByPhase))
	for phase, counts := range snapshot.ByPhase {
		byPhase[phase] = map[string]any{
			"cost_usd": counts.CostUSD,
			"tokens":   counts.Total,
			"calls":    counts.Calls,
		}
	}
	r.pub.Publish(events.TypePhaseCostBreakdown, map[string]any{
		"total_cost_usd": snapshot.TotalCostUSD,
		"total_tokens":   snapshot.TotalTokens,
		"by_phase":       byPhase,
	})
	return NodeTerminal, nil
}

// call runs a non-participant model call with one retry and records its
// usage under the phase tag.
func (e *Executor) call(ctx context.Context, r *run, phase, system, prompt string) (*types.CompletionResult, error) {
	res, err := e.completeWithRetry(ctx, system, prompt)
	if err != nil {
		return nil, err
	}
	r.tracker.Record(phase, res.Usage)
	return res, nil
}

// completeWithRetry retries a failed call exactly once with the same
// prompt, unless the context is already done.
func (e *Executor) completeWithRetry(ctx context.Context, system, prompt string) (*types.CompletionResult, error) {
	res, err := e.complete(ctx, system, prompt)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return e.complete(ctx, system, prompt)
}

func (e *Executor) complete(ctx context.Context, system, prompt string) (*types.CompletionResult, error) {
	if system == "" {
		return e.modelClient.Complete(ctx, prompt)
	}
	return e.modelClient.CompleteWithSystem(ctx, system, prompt)
}

// extractJSON strips markdown fences and surrounding prose from a model
// response, returning the outermost JSON value.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	starts := []byte{'{', '['}
	ends := map[byte]byte{'{': '}', '[': ']'}
	for _, open := range starts {
		if i := strings.IndexByte(text, open); i >= 0 {
			if j := strings.LastIndexByte(text, ends[open]); j > i {
				candidate := text[i : j+1]
				if json.Valid([]byte(candidate)) {
					return candidate
				}
			}
		}
	}
	return text
}
