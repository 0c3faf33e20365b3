package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-research/internal/model"
)

// recordingSaver keeps every snapshot it is handed.
type recordingSaver struct {
	mu        sync.Mutex
	snapshots []*model.Session
}

func (r *recordingSaver) SaveSession(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *recordingSaver) last() *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[len(r.snapshots)-1]
}

type mockSaver struct {
	mock.Mock
}

func (m *mockSaver) SaveSession(ctx context.Context, s *model.Session) error {
	return m.Called(ctx, s).Error(0)
}

var fixedNow = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func newTestTracker(saver SessionSaver) *Tracker {
	return newTracker(saver, &model.Session{ID: "s-1", Target: "https://oakridge.com"}, func() time.Time { return fixedNow })
}

func TestTracker_InitialState(t *testing.T) {
	t.Parallel()

	saver := &recordingSaver{}
	tr := newTestTracker(saver)
	tr.Begin(context.Background())

	got := saver.last()
	assert.Equal(t, model.SessionStatusStarted, got.Status)
	assert.Empty(t, got.CompletedSteps)
	assert.NotNil(t, got.CompletedSteps, "encodes as [] not null")
	assert.NotNil(t, got.Errors)
	assert.Equal(t, fixedNow, got.CreatedAt)
	assert.Equal(t, "s-1", tr.ID())
}

func TestTracker_StepStartMovesToInProgress(t *testing.T) {
	t.Parallel()

	saver := &recordingSaver{}
	tr := newTestTracker(saver)
	tr.OnStepStart(context.Background(), model.StepProperty)

	got := tr.Snapshot()
	assert.Equal(t, model.SessionStatusInProgress, got.Status)
	assert.Equal(t, model.StepProperty, got.CurrentStep)
	assert.Equal(t, got, saver.last())
}

func TestTracker_SuccessAppendsOnceAndClearsCurrent(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(&recordingSaver{})
	ctx := context.Background()

	tr.OnStepStart(ctx, model.StepProperty)
	tr.OnStepResult(ctx, StepResult{Step: model.StepProperty, Success: true, EntityID: "p-1", Items: 1})
	tr.OnStepResult(ctx, StepResult{Step: model.StepProperty, Success: true, Items: 1})

	got := tr.Snapshot()
	assert.Equal(t, []model.StepKind{model.StepProperty}, got.CompletedSteps)
	assert.Empty(t, got.CurrentStep)
	assert.Equal(t, "p-1", got.EntityID)
	assert.Equal(t, 1, got.Statistics[model.StepProperty])
}

func TestTracker_FailureRecordsErrorAndKeepsCurrent(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(&recordingSaver{})
	ctx := context.Background()

	tr.OnStepStart(ctx, model.StepOffers)
	tr.OnStepResult(ctx, StepResult{Step: model.StepOffers, Err: errors.New("llm: timeout")})

	got := tr.Snapshot()
	assert.Empty(t, got.CompletedSteps)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, model.StepError{Step: model.StepOffers, Message: "llm: timeout"}, got.Errors[0])
	assert.Equal(t, model.StepOffers, got.CurrentStep)
	assert.Equal(t, model.SessionStatusInProgress, got.Status)
}

func TestTracker_EntityIDLatches(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(&recordingSaver{})
	ctx := context.Background()

	tr.OnStepResult(ctx, StepResult{Step: model.StepProperty, Success: true, EntityID: "p-1"})
	tr.OnStepResult(ctx, StepResult{Step: model.StepImages, Success: true})
	tr.OnStepResult(ctx, StepResult{Step: model.StepBranding, Success: true, EntityID: "p-2"})
	tr.SetEntityID(ctx, "")

	assert.Equal(t, "p-1", tr.Snapshot().EntityID)
}

func TestTracker_ConcurrentResultsDoNotInterleave(t *testing.T) {
	t.Parallel()

	saver := &recordingSaver{}
	tr := newTestTracker(saver)
	ctx := context.Background()

	parallel := []model.StepKind{
		model.StepImages, model.StepBranding, model.StepAmenities, model.StepFloorPlans, model.StepOffers,
	}
	var wg sync.WaitGroup
	for i, step := range parallel {
		wg.Add(1)
		go func(i int, step model.StepKind) {
			defer wg.Done()
			tr.OnStepStart(ctx, step)
			if step == model.StepOffers {
				tr.OnStepResult(ctx, StepResult{Step: step, Err: fmt.Errorf("boom %d", i)})
				return
			}
			tr.OnStepResult(ctx, StepResult{Step: step, Success: true, Items: i})
		}(i, step)
	}
	wg.Wait()

	got := tr.Snapshot()
	assert.ElementsMatch(t, parallel[:4], got.CompletedSteps)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, model.StepOffers, got.Errors[0].Step)

	// Persisted snapshots only ever grow.
	prev := 0
	for _, snap := range saver.snapshots {
		assert.GreaterOrEqual(t, len(snap.CompletedSteps), prev)
		prev = len(snap.CompletedSteps)
	}
}

func TestTracker_CompleteIsTerminal(t *testing.T) {
	t.Parallel()

	saver := &recordingSaver{}
	tr := newTestTracker(saver)
	ctx := context.Background()

	tr.OnStepResult(ctx, StepResult{Step: model.StepProperty, Success: true, EntityID: "p-1"})
	tr.Complete(ctx)
	n := len(saver.snapshots)

	tr.OnStepResult(ctx, StepResult{Step: model.StepImages, Success: true})
	got := tr.Snapshot()
	assert.Equal(t, model.SessionStatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, []model.StepKind{model.StepProperty}, got.CompletedSteps)
	assert.Len(t, saver.snapshots, n, "no writes after a terminal status")
}

func TestTracker_Fail(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(&recordingSaver{})
	tr.Fail(context.Background(), model.StepProperty, errors.New("crawl: no pages"))

	got := tr.Snapshot()
	assert.Equal(t, model.SessionStatusFailed, got.Status)
	assert.Equal(t, model.StepProperty, got.CurrentStep)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "crawl: no pages", got.Errors[0].Message)
}

func TestTracker_FailInputErrorHasNoStep(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(&recordingSaver{})
	tr.Fail(context.Background(), "", errors.New("invalid target"))

	got := tr.Snapshot()
	assert.Equal(t, model.SessionStatusFailed, got.Status)
	assert.Empty(t, got.CurrentStep)
	assert.Empty(t, got.CompletedSteps)
}

func TestTracker_PromptCache(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(&recordingSaver{})
	tr.PromptCache(context.Background(), model.CachePrompt{Domain: "oakridge.com", Kind: model.ContentPages, AgeSeconds: 7200})

	got := tr.Snapshot()
	assert.Equal(t, model.SessionStatusCachePrompt, got.Status)
	require.NotNil(t, got.CachePrompt)
	assert.Equal(t, int64(7200), got.CachePrompt.AgeSeconds)
}

func TestTracker_PersistErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	saver := &mockSaver{}
	saver.On("SaveSession", mock.Anything, mock.Anything).Return(errors.New("database is locked"))
	tr := newTestTracker(saver)

	tr.OnStepStart(context.Background(), model.StepProperty)
	tr.OnStepResult(context.Background(), StepResult{Step: model.StepProperty, Success: true, EntityID: "p-1"})

	got := tr.Snapshot()
	assert.Equal(t, []model.StepKind{model.StepProperty}, got.CompletedSteps)
	saver.AssertNumberOfCalls(t, "SaveSession", 2)
}

func TestTracker_SnapshotIsIsolated(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(&recordingSaver{})
	tr.OnStepResult(context.Background(), StepResult{Step: model.StepProperty, Success: true})

	snap := tr.Snapshot()
	snap.CompletedSteps[0] = model.StepOffers
	assert.Equal(t, model.StepProperty, tr.Snapshot().CompletedSteps[0])
}

func TestTracker_SetPolicy(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(&recordingSaver{})
	tr.SetPolicy(context.Background(), model.CachePolicy{ForceRefresh: true})
	require.NotNil(t, tr.Snapshot().Policy)
	assert.True(t, tr.Snapshot().Policy.ForceRefresh)
}
