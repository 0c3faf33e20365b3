// Package progress records the state of one extraction session as steps run.
package progress

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/property-research/internal/model"
)

// SessionSaver persists a session snapshot.
type SessionSaver interface {
	SaveSession(ctx context.Context, s *model.Session) error
}

// StepResult is what a finished step attempt reports.
type StepResult struct {
	Step     model.StepKind
	Success  bool
	Err      error
	EntityID string
	Items    int
}

// Tracker owns one session record. Every mutation takes the same lock and
// persists before releasing it, so concurrent steps never interleave and
// stored snapshots only move forward.
type Tracker struct {
	mu      sync.Mutex
	session *model.Session
	saver   SessionSaver
	now     func() time.Time
}

// NewTracker wraps session. The session is owned by the tracker afterwards.
func NewTracker(saver SessionSaver, session *model.Session) *Tracker {
	return newTracker(saver, session, func() time.Time { return time.Now().UTC() })
}

func newTracker(saver SessionSaver, session *model.Session, now func() time.Time) *Tracker {
	if session.CompletedSteps == nil {
		session.CompletedSteps = []model.StepKind{}
	}
	if session.Errors == nil {
		session.Errors = []model.StepError{}
	}
	if session.Status == "" {
		session.Status = model.SessionStatusStarted
	}
	return &Tracker{session: session, saver: saver, now: now}
}

// ID returns the session id.
func (t *Tracker) ID() string {
	return t.session.ID
}

// Snapshot returns a copy of the current record.
func (t *Tracker) Snapshot() *model.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.Clone()
}

// Begin persists the freshly created session.
func (t *Tracker) Begin(ctx context.Context) {
	t.update(ctx, func(s *model.Session) {
		s.CreatedAt = t.now()
	})
}

// SetPolicy records the policy resolved for the run.
func (t *Tracker) SetPolicy(ctx context.Context, policy model.CachePolicy) {
	t.update(ctx, func(s *model.Session) {
		s.Policy = &policy
	})
}

// SetEntityID latches id onto the session. An empty id or a session that
// already has one is left alone.
func (t *Tracker) SetEntityID(ctx context.Context, id string) {
	t.update(ctx, func(s *model.Session) {
		latch(s, id)
	})
}

// OnStepStart marks step as running.
func (t *Tracker) OnStepStart(ctx context.Context, step model.StepKind) {
	t.update(ctx, func(s *model.Session) {
		s.CurrentStep = step
		s.Status = model.SessionStatusInProgress
	})
}

// OnStepResult records the outcome of a step attempt. Completing a step
// twice is a no-op. A failed step stays in current_step for diagnosis.
func (t *Tracker) OnStepResult(ctx context.Context, res StepResult) {
	t.update(ctx, func(s *model.Session) {
		latch(s, res.EntityID)

		if !res.Success {
			msg := "step failed"
			if res.Err != nil {
				msg = res.Err.Error()
			}
			s.Errors = append(s.Errors, model.StepError{Step: res.Step, Message: msg})
			s.CurrentStep = res.Step
			return
		}

		if !slices.Contains(s.CompletedSteps, res.Step) {
			s.CompletedSteps = append(s.CompletedSteps, res.Step)
		}
		if s.Statistics == nil {
			s.Statistics = make(map[model.StepKind]int)
		}
		s.Statistics[res.Step] = res.Items
		// Parallel siblings may have started since; only clear our own marker.
		if s.CurrentStep == res.Step {
			s.CurrentStep = ""
		}
	})
}

// PromptCache halts the session waiting for the caller's cache decision.
func (t *Tracker) PromptCache(ctx context.Context, prompt model.CachePrompt) {
	t.finish(ctx, model.SessionStatusCachePrompt, func(s *model.Session) {
		s.CachePrompt = &prompt
	})
}

// Complete marks the run as having reached the end.
func (t *Tracker) Complete(ctx context.Context) {
	t.finish(ctx, model.SessionStatusCompleted, nil)
}

// Fail marks the run as unable to proceed. step may be empty for input errors.
func (t *Tracker) Fail(ctx context.Context, step model.StepKind, err error) {
	t.finish(ctx, model.SessionStatusFailed, func(s *model.Session) {
		if err != nil {
			s.Errors = append(s.Errors, model.StepError{Step: step, Message: err.Error()})
		}
		if step != "" {
			s.CurrentStep = step
		}
	})
}

func (t *Tracker) finish(ctx context.Context, status model.SessionStatus, fn func(s *model.Session)) {
	t.update(ctx, func(s *model.Session) {
		if fn != nil {
			fn(s)
		}
		s.Status = status
		at := t.now()
		s.FinishedAt = &at
	})
}

func (t *Tracker) update(ctx context.Context, fn func(s *model.Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session.Status.Terminal() {
		zap.L().Debug("progress: ignoring update to finished session",
			zap.String("session_id", t.session.ID),
			zap.String("status", string(t.session.Status)),
		)
		return
	}

	fn(t.session)
	t.session.UpdatedAt = t.now()
	if t.session.CreatedAt.IsZero() {
		t.session.CreatedAt = t.session.UpdatedAt
	}

	if err := t.saver.SaveSession(ctx, t.session.Clone()); err != nil {
		zap.L().Warn("progress: persist session failed",
			zap.String("session_id", t.session.ID),
			zap.String("status", string(t.session.Status)),
			zap.Error(err),
		)
	}
}

func latch(s *model.Session, id string) {
	if id != "" && s.EntityID == "" {
		s.EntityID = id
	}
}
