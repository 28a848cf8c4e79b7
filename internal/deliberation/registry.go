package deliberation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conclave/internal/logging"

	"go.uber.org/zap"
)

// ErrSessionNotFound is returned for control operations on unknown
// sessions with no loadable checkpoint.
var ErrSessionNotFound = errors.New("session not found")

// Progress is a read-only snapshot of a session for status queries.
type Progress struct {
	SessionID        string     `json:"session_id"`
	Status           Status     `json:"status"`
	StopReason       StopReason `json:"stop_reason,omitempty"`
	Round            int        `json:"round"`
	MaxRounds        int        `json:"max_rounds"`
	ActiveSubProblem int        `json:"active_sub_problem"`
	TotalSubProblems int        `json:"total_sub_problems"`
	PanelSize        int        `json:"panel_size"`
	TotalCostUSD     float64    `json:"total_cost_usd"`
	ConvergenceScore float64    `json:"convergence_score"`
	Waiting          string     `json:"waiting,omitempty"`
}

// Registry is the session arena: an explicit store of live sessions keyed
// by id, with create/resume/retire as operations rather than ambient
// global state. Control operations are idempotent with respect to
// terminal states.
type Registry struct {
	mu       sync.Mutex
	executor *Executor
	sessions map[string]*session
	log      *zap.Logger
}

type session struct {
	mu       sync.Mutex
	state    *State
	controls *Controls
	cancel   context.CancelFunc
	running  bool
	done     chan struct{}
	runErr   error
}

// NewRegistry creates a registry over an executor.
func NewRegistry(executor *Executor) *Registry {
	return &Registry{
		executor: executor,
		sessions: make(map[string]*session),
		log:      logging.Get(logging.CategorySession),
	}
}

// Start creates a session for a problem and begins driving it in the
// background. Returns the session id immediately.
func (r *Registry) Start(ctx context.Context, problem string) (string, error) {
	if problem == "" {
		return "", fmt.Errorf("problem statement is required")
	}
	st := r.executor.NewSession(problem)

	sess := &session{state: st, controls: &Controls{}}
	r.mu.Lock()
	r.sessions[st.SessionID] = sess
	r.mu.Unlock()

	r.launch(ctx, sess)
	r.log.Info("session started", zap.String("session_id", st.SessionID))
	return st.SessionID, nil
}

// launch drives a session's run loop in the background until it finishes
// or suspends. Suspensions leave the session registered for resume.
func (r *Registry) launch(ctx context.Context, sess *session) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	sess.mu.Lock()
	sess.cancel = cancel
	sess.running = true
	sess.done = done
	sess.runErr = nil
	sess.mu.Unlock()

	go func() {
		defer close(done)
		err := r.executor.Run(runCtx, sess.state, sess.controls)
		cancel()

		sess.mu.Lock()
		sess.running = false
		sess.runErr = err
		sess.mu.Unlock()

		if err != nil && !errors.Is(err, ErrPaused) && !errors.Is(err, ErrAwaitingClarification) {
			r.log.Warn("session run ended",
				zap.String("session_id", sess.state.SessionID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until the session's current run finishes or suspends and
// returns the run error, if any.
func (r *Registry) Wait(sessionID string) error {
	sess, err := r.get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	done := sess.done
	sess.mu.Unlock()
	if done != nil {
		<-done
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.runErr
}

// Pause requests a checkpoint-and-stop at the next node boundary. A
// no-op on terminal sessions.
func (r *Registry) Pause(sessionID string) error {
	sess, err := r.get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state.Status.Terminal() {
		return nil
	}
	sess.controls.RequestPause()
	return nil
}

// Resume continues a paused or clarification-expired session from its
// last checkpoint, reloading it from the store if the process restarted.
// A no-op on terminal sessions; running sessions are left alone.
func (r *Registry) Resume(ctx context.Context, sessionID string) error {
	sess, err := r.get(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		st, loadErr := r.executor.LoadSession(ctx, sessionID)
		if loadErr != nil {
			return loadErr
		}
		sess = &session{state: st, controls: &Controls{}}
		r.mu.Lock()
		r.sessions[sessionID] = sess
		r.mu.Unlock()
	} else if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.state.Status.Terminal() || sess.running {
		sess.mu.Unlock()
		return nil
	}
	if cl := sess.state.Clarification; sess.state.Status == StatusWaitingClarification &&
		cl != nil && !cl.Answered && time.Now().Before(cl.Deadline) {
		sess.mu.Unlock()
		return ErrAwaitingClarification
	}
	sess.controls.ClearPause()
	sess.mu.Unlock()

	r.launch(ctx, sess)
	r.log.Info("session resumed", zap.String("session_id", sessionID))
	return nil
}

// Kill retires a session at the next node boundary, or immediately when
// it is suspended. Killing an already-terminal session is a no-op.
func (r *Registry) Kill(ctx context.Context, sessionID string) error {
	sess, err := r.get(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		st, loadErr := r.executor.LoadSession(ctx, sessionID)
		if loadErr != nil {
			return loadErr
		}
		sess = &session{state: st, controls: &Controls{}}
		r.mu.Lock()
		r.sessions[sessionID] = sess
		r.mu.Unlock()
	} else if err != nil {
		return err
	}
	sess.mu.Lock()
	if sess.state.Status.Terminal() {
		sess.mu.Unlock()
		return nil
	}
	sess.controls.RequestKill()
	running := sess.running
	sess.mu.Unlock()

	if !running {
		// Suspended session: run once more so the kill is observed at
		// the node boundary and the final event is emitted.
		r.launch(ctx, sess)
	}
	return nil
}

// SubmitClarification records the external answer a session is waiting on
// and resumes it. Answers for sessions that are not waiting are rejected.
func (r *Registry) SubmitClarification(ctx context.Context, sessionID, answer string) error {
	sess, err := r.get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	st := sess.state
	if st.Status.Terminal() {
		sess.mu.Unlock()
		return nil
	}
	if st.Status != StatusWaitingClarification || st.Clarification == nil {
		sess.mu.Unlock()
		return fmt.Errorf("session %s is not waiting on a clarification", sessionID)
	}
	st.Clarification.Answer = answer
	st.Clarification.Answered = true
	running := sess.running
	sess.mu.Unlock()

	if !running {
		r.launch(ctx, sess)
	}
	return nil
}

// Status returns a progress snapshot, falling back to the checkpoint
// store for sessions not in memory.
func (r *Registry) Status(ctx context.Context, sessionID string) (Progress, error) {
	sess, err := r.get(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		st, loadErr := r.executor.LoadSession(ctx, sessionID)
		if loadErr != nil {
			return Progress{}, loadErr
		}
		return progressOf(st), nil
	}
	if err != nil {
		return Progress{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return progressOf(sess.state), nil
}

// Retire drops a terminal session from the arena. The checkpoint remains
// until its TTL expires.
func (r *Registry) Retire(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.mu.Lock()
		terminal := sess.state.Status.Terminal()
		sess.mu.Unlock()
		if terminal {
			delete(r.sessions, sessionID)
		}
	}
}

func (r *Registry) get(sessionID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

func progressOf(st *State) Progress {
	p := Progress{
		SessionID:        st.SessionID,
		Status:           st.Status,
		StopReason:       st.StopReason,
		Round:            st.Round,
		MaxRounds:        st.MaxRounds,
		ActiveSubProblem: st.ActiveSubProblem,
		TotalSubProblems: len(st.SubProblems),
		PanelSize:        len(st.Panel),
		TotalCostUSD:     st.Usage.TotalCostUSD,
		ConvergenceScore: st.ConvergenceScore,
	}
	if st.Clarification != nil && !st.Clarification.Answered {
		p.Waiting = st.Clarification.Question
	}
	return p
}
