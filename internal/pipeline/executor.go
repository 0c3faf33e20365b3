// Package pipeline sequences the extraction steps of a run: a leader step
// that creates the property, a concurrent stage of independent steps and a
// sequential stage of steps that depend on the leader's output.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-research/internal/cache"
	"github.com/sells-group/property-research/internal/model"
)

// ErrSessionNotFound is returned by GetStatus for an unknown session id.
var ErrSessionNotFound = eris.New("session not found")

// StepInput is everything an executor receives. Policy is the run's
// resolved cache policy and is the same value for every step.
type StepInput struct {
	Target     model.Target
	PropertyID string
	Policy     model.CachePolicy
	Content    *cache.RunLoader
	// Prior holds the outputs of steps that already succeeded in this run.
	Prior map[model.StepKind]*StepOutput
}

// StepOutput is what a successful step reports back.
type StepOutput struct {
	// PropertyID is set by the leader step.
	PropertyID string
	// Items is the number of records the step produced.
	Items int
	Data  any
}

// Executor runs one extraction step.
type Executor interface {
	Kind() model.StepKind
	Execute(ctx context.Context, in StepInput) (*StepOutput, error)
}

// CachePromptError is returned by a step that cannot proceed without the
// caller deciding whether cached content may be reused. The run halts with
// status cache_prompt.
type CachePromptError struct {
	Domain string
	Kind   model.ContentKind
	Age    time.Duration
}

func (e *CachePromptError) Error() string {
	return fmt.Sprintf("cache decision required for %s/%s (age %s)", e.Domain, e.Kind, e.Age.Round(time.Second))
}

// Prompt converts the error into the session's prompt record.
func (e *CachePromptError) Prompt() model.CachePrompt {
	return model.CachePrompt{
		Domain:     e.Domain,
		Kind:       e.Kind,
		AgeSeconds: int64(e.Age / time.Second),
	}
}

// Registry maps every canonical step kind to its executor.
type Registry struct {
	execs map[model.StepKind]Executor
}

// NewRegistry validates that execs covers each canonical step exactly once.
func NewRegistry(execs ...Executor) (*Registry, error) {
	r := &Registry{execs: make(map[model.StepKind]Executor, len(execs))}
	for _, e := range execs {
		if e == nil {
			return nil, eris.New("pipeline: nil executor")
		}
		kind := e.Kind()
		if _, ok := model.Descriptor(kind); !ok {
			return nil, eris.Wrapf(model.ErrUnknownStep, "pipeline: executor for %q", string(kind))
		}
		if _, dup := r.execs[kind]; dup {
			return nil, eris.Errorf("pipeline: duplicate executor for %s", kind)
		}
		r.execs[kind] = e
	}
	for _, kind := range model.CanonicalKinds() {
		if _, ok := r.execs[kind]; !ok {
			return nil, eris.Errorf("pipeline: no executor registered for %s", kind)
		}
	}
	return r, nil
}

// Get returns the executor for kind.
func (r *Registry) Get(kind model.StepKind) (Executor, bool) {
	e, ok := r.execs[kind]
	return e, ok
}
