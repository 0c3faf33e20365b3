package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/store"
)

// Run executes a session synchronously and returns its final record. The
// error is non-nil only for input errors, in which case the returned
// session is the persisted failed record.
func (o *Orchestrator) Run(ctx context.Context, target string, flags model.RunFlags) (*model.Session, error) {
	tr, p, err := o.prepare(ctx, target, flags)
	if err != nil {
		return tr.Snapshot(), err
	}
	o.execute(ctx, tr, p)
	return tr.Snapshot(), nil
}

// Start validates the request, creates the session and runs it in the
// background. The run is detached from ctx. Input errors are returned with
// the id of the failed session.
func (o *Orchestrator) Start(ctx context.Context, target string, flags model.RunFlags) (string, error) {
	tr, p, err := o.prepare(ctx, target, flags)
	if err != nil {
		return tr.ID(), err
	}

	o.mu.Lock()
	o.active[tr.ID()] = tr
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.active, tr.ID())
			o.mu.Unlock()
		}()
		o.execute(context.WithoutCancel(ctx), tr, p)
	}()

	return tr.ID(), nil
}

// Wait blocks until every background run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// GetStatus returns the current record of a session. In-flight runs are
// served from memory, everything else from the store.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*model.Session, error) {
	o.mu.Lock()
	tr, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		return tr.Snapshot(), nil
	}

	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrSessionNotFound, "pipeline: %s", id)
		}
		return nil, eris.Wrapf(err, "pipeline: get session %s", id)
	}
	return sess, nil
}

// Missing returns the steps with no persisted data for target, in
// canonical order. With no property on record every step is missing.
func (o *Orchestrator) Missing(ctx context.Context, target string) ([]model.StepKind, error) {
	t, err := model.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	prop, err := o.store.FindPropertyByURL(ctx, t.URL)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: look up property")
	}
	return o.differ.Missing(ctx, prop, model.CanonicalKinds())
}

// Resume starts a background run of only the missing steps.
func (o *Orchestrator) Resume(ctx context.Context, target string, flags model.RunFlags) (string, error) {
	flags, done, err := o.resumeFlags(ctx, target, flags)
	if err != nil {
		return "", err
	}
	if done {
		sess, err := o.completeEmpty(ctx, target, flags)
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	}
	return o.Start(ctx, target, flags)
}

// ResumeSync runs the missing steps and returns the final record.
func (o *Orchestrator) ResumeSync(ctx context.Context, target string, flags model.RunFlags) (*model.Session, error) {
	flags, done, err := o.resumeFlags(ctx, target, flags)
	if err != nil {
		return nil, err
	}
	if done {
		return o.completeEmpty(ctx, target, flags)
	}
	return o.Run(ctx, target, flags)
}

// resumeFlags narrows flags to the missing steps. done reports that
// nothing is missing. An invalid target is left for prepare to record.
func (o *Orchestrator) resumeFlags(ctx context.Context, target string, flags model.RunFlags) (model.RunFlags, bool, error) {
	if _, err := model.ParseTarget(target); err != nil {
		return flags, false, nil
	}
	missing, err := o.Missing(ctx, target)
	if err != nil {
		return flags, false, err
	}
	flags.RequestedSteps = missing
	return flags, len(missing) == 0, nil
}

// completeEmpty records a session that had nothing left to do.
func (o *Orchestrator) completeEmpty(ctx context.Context, target string, flags model.RunFlags) (*model.Session, error) {
	flags.RequestedSteps = []model.StepKind{}
	tr, _, err := o.prepare(ctx, target, flags)
	if err != nil {
		return tr.Snapshot(), err
	}
	zap.L().Info("pipeline: nothing missing, resume complete",
		zap.String("session_id", tr.ID()),
		zap.String("target", target),
	)
	tr.Complete(context.WithoutCancel(ctx))
	return tr.Snapshot(), nil
}
