package pipeline

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/property-research/internal/cache"
	"github.com/sells-group/property-research/internal/config"
	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/progress"
	"github.com/sells-group/property-research/internal/resume"
)

// Store is the persistence the orchestrator reads and writes directly.
type Store interface {
	progress.SessionSaver
	GetSession(ctx context.Context, id string) (*model.Session, error)
	FindPropertyByURL(ctx context.Context, url string) (*model.Property, error)
}

// Options tunes step execution.
type Options struct {
	// StepTimeout bounds each step invocation. Zero means no limit.
	StepTimeout time.Duration
	// MaxParallel caps concurrent steps in the parallel stage. Zero runs
	// the whole stage at once.
	MaxParallel int
}

// OptionsFromConfig maps pipeline settings onto Options.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		StepTimeout: cfg.StepTimeout(),
		MaxParallel: cfg.MaxParallel,
	}
}

// Orchestrator runs extraction sessions.
type Orchestrator struct {
	store    Store
	engine   *cache.Engine
	loader   *cache.Loader
	differ   *resume.Differ
	registry *Registry
	opts     Options
	newID    func() string

	mu     sync.Mutex
	active map[string]*progress.Tracker
	wg     sync.WaitGroup
}

// New creates an Orchestrator. All collaborators are required.
func New(st Store, engine *cache.Engine, loader *cache.Loader, differ *resume.Differ, registry *Registry, opts Options) *Orchestrator {
	return &Orchestrator{
		store:    st,
		engine:   engine,
		loader:   loader,
		differ:   differ,
		registry: registry,
		opts:     opts,
		newID:    uuid.NewString,
		active:   make(map[string]*progress.Tracker),
	}
}

// plan is a validated run request.
type plan struct {
	target model.Target
	flags  model.RunFlags
	steps  []model.StepKind
}

// prepare validates the request and creates the session. On an input error
// the session is persisted as failed before any step runs and the error is
// returned alongside the tracker.
func (o *Orchestrator) prepare(ctx context.Context, raw string, flags model.RunFlags) (*progress.Tracker, *plan, error) {
	target, err := model.ParseTarget(raw)
	var steps []model.StepKind
	if err == nil {
		steps, err = model.CanonicalOrder(flags.RequestedSteps)
	}

	sess := &model.Session{
		ID:             o.newID(),
		Target:         strings.TrimSpace(raw),
		Domain:         target.Domain,
		RequestedSteps: slices.Clone(flags.RequestedSteps),
	}
	if target.URL != "" {
		sess.Target = target.URL
	}
	tr := progress.NewTracker(o.store, sess)

	if err != nil {
		zap.L().Warn("pipeline: rejected run request",
			zap.String("session_id", sess.ID),
			zap.String("target", raw),
			zap.Error(err),
		)
		tr.Fail(context.WithoutCancel(ctx), "", err)
		return tr, nil, err
	}

	tr.Begin(ctx)
	return tr, &plan{target: target, flags: flags, steps: steps}, nil
}

// run is the per-execution state shared by the stages.
type run struct {
	o   *Orchestrator
	tr  *progress.Tracker
	log *zap.Logger

	target  model.Target
	policy  model.CachePolicy
	content *cache.RunLoader

	mu         sync.Mutex
	propertyID string
	prior      map[model.StepKind]*StepOutput
}

// execute drives a prepared run to a terminal status. Session writes use a
// context that outlives ctx so the final state is recorded even when the
// caller gives up.
func (o *Orchestrator) execute(ctx context.Context, tr *progress.Tracker, p *plan) {
	log := zap.L().With(
		zap.String("session_id", tr.ID()),
		zap.String("domain", p.target.Domain),
	)
	persist := context.WithoutCancel(ctx)
	start := time.Now()
	log.Info("pipeline: starting run", zap.Int("steps", len(p.steps)))

	decision, err := o.engine.Decide(ctx, p.target.Domain, model.ContentPages, p.flags)
	if err != nil {
		tr.Fail(persist, "", eris.Wrap(err, "pipeline: resolve cache policy"))
		return
	}
	if decision.Prompt {
		log.Info("pipeline: cache decision deferred to caller",
			zap.Duration("cache_age", decision.CacheAge),
		)
		tr.PromptCache(persist, model.CachePrompt{
			Domain:     p.target.Domain,
			Kind:       model.ContentPages,
			AgeSeconds: int64(decision.CacheAge / time.Second),
		})
		return
	}
	tr.SetPolicy(persist, decision.Policy)

	r := &run{
		o:       o,
		tr:      tr,
		log:     log,
		target:  p.target,
		policy:  decision.Policy,
		content: o.loader.ForRun(decision.Policy),
		prior:   make(map[model.StepKind]*StepOutput),
	}

	steps := p.steps
	if !slices.Contains(steps, model.StepProperty) {
		prop, err := o.store.FindPropertyByURL(ctx, p.target.URL)
		if err != nil {
			tr.Fail(persist, model.StepProperty, eris.Wrap(err, "pipeline: look up property"))
			return
		}
		if prop != nil {
			r.propertyID = prop.ID
			tr.SetEntityID(persist, prop.ID)
		} else {
			log.Info("pipeline: no property on record, adding leader step")
			steps = append([]model.StepKind{model.StepProperty}, steps...)
		}
	}

	var parallel, dependent []model.StepKind
	for _, kind := range steps {
		desc, _ := model.Descriptor(kind)
		switch desc.Stage {
		case model.StageParallel:
			parallel = append(parallel, kind)
		case model.StageDependent:
			dependent = append(dependent, kind)
		}
	}

	// Leader.
	if slices.Contains(steps, model.StepProperty) {
		_, err := r.runStep(ctx, model.StepProperty)
		if r.prompted(persist, err) {
			return
		}
		if err != nil {
			log.Error("pipeline: leader step failed, ending run", zap.Error(err))
			tr.Fail(persist, model.StepProperty, nil)
			return
		}
	}

	if r.runParallel(ctx, persist, parallel) {
		return
	}

	for _, kind := range dependent {
		_, err := r.runStep(ctx, kind)
		if r.prompted(persist, err) {
			return
		}
	}

	tr.Complete(persist)
	snap := tr.Snapshot()
	log.Info("pipeline: run complete",
		zap.Int("completed", len(snap.CompletedSteps)),
		zap.Int("errors", len(snap.Errors)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// runParallel fans the stage out and waits for every dispatched step. It
// reports whether the run halted on a cache prompt; once one is seen no
// further steps are dispatched.
func (r *run) runParallel(ctx, persist context.Context, kinds []model.StepKind) bool {
	if len(kinds) == 0 {
		return false
	}

	var (
		mu     sync.Mutex
		halted bool
	)

	g := new(errgroup.Group)
	limit := r.o.opts.MaxParallel
	if limit <= 0 {
		limit = len(kinds)
	}
	g.SetLimit(limit)

	for _, kind := range kinds {
		mu.Lock()
		stop := halted
		mu.Unlock()
		if stop {
			break
		}

		g.Go(func() error {
			// The slot may free up only after a sibling prompted.
			mu.Lock()
			stop := halted
			mu.Unlock()
			if stop {
				return nil
			}

			_, err := r.runStep(ctx, kind)
			var pe *CachePromptError
			if errors.As(err, &pe) {
				mu.Lock()
				if !halted {
					halted = true
					r.tr.PromptCache(persist, pe.Prompt())
				}
				mu.Unlock()
			}
			// Step failures are recorded on the session and never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()
	return halted
}

// prompted halts the run when err is a cache prompt signal.
func (r *run) prompted(persist context.Context, err error) bool {
	var pe *CachePromptError
	if !errors.As(err, &pe) {
		return false
	}
	r.log.Info("pipeline: step requested a cache decision, halting",
		zap.String("kind", string(pe.Kind)),
		zap.Duration("cache_age", pe.Age),
	)
	r.tr.PromptCache(persist, pe.Prompt())
	return true
}

func (r *run) input() StepInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return StepInput{
		Target:     r.target,
		PropertyID: r.propertyID,
		Policy:     r.policy,
		Content:    r.content,
		Prior:      maps.Clone(r.prior),
	}
}

// runStep executes one step under its own timeout and records the outcome
// before returning. A cache prompt is returned to the caller unrecorded.
func (r *run) runStep(ctx context.Context, kind model.StepKind) (*StepOutput, error) {
	persist := context.WithoutCancel(ctx)
	exec, ok := r.o.registry.Get(kind)
	if !ok {
		err := eris.Wrapf(model.ErrUnknownStep, "pipeline: no executor for %s", kind)
		r.tr.OnStepResult(persist, progress.StepResult{Step: kind, Err: err})
		return nil, err
	}

	r.tr.OnStepStart(persist, kind)
	in := r.input()

	stepCtx := ctx
	if r.o.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.o.opts.StepTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := invoke(stepCtx, exec, in)
	duration := time.Since(start).Milliseconds()

	if err == nil {
		if desc, _ := model.Descriptor(kind); desc.Stage == model.StageLeader && out.PropertyID == "" {
			err = eris.Errorf("pipeline: %s step returned no entity id", kind)
		}
	}

	var pe *CachePromptError
	if errors.As(err, &pe) {
		return nil, err
	}

	if err != nil {
		r.log.Error("pipeline: step failed",
			zap.String("step", string(kind)),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
		r.tr.OnStepResult(persist, progress.StepResult{Step: kind, Err: err})
		return nil, err
	}

	r.log.Info("pipeline: step complete",
		zap.String("step", string(kind)),
		zap.Int("items", out.Items),
		zap.Int64("duration_ms", duration),
	)

	r.mu.Lock()
	r.prior[kind] = out
	if out.PropertyID != "" && r.propertyID == "" {
		r.propertyID = out.PropertyID
	}
	r.mu.Unlock()

	r.tr.OnStepResult(persist, progress.StepResult{
		Step:     kind,
		Success:  true,
		EntityID: out.PropertyID,
		Items:    out.Items,
	})
	return out, nil
}

// invoke calls the executor, turning a panic into a step error.
func invoke(ctx context.Context, exec Executor, in StepInput) (out *StepOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = eris.Errorf("pipeline: %s step panicked: %v", exec.Kind(), rec)
		}
	}()

	out, err = exec.Execute(ctx, in)
	if err == nil && out == nil {
		out = &StepOutput{}
	}
	return out, err
}
