package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-research/internal/cache"
	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/resume"
	"github.com/sells-group/property-research/internal/store"
)

// --- In-memory store ---

type memStore struct {
	mu         sync.Mutex
	sessions   map[string]*model.Session
	history    map[string][]*model.Session
	properties map[string]*model.Property
	present    map[string]map[model.StepKind]bool
	cacheAges  map[string]time.Duration
	findErr    error
}

func newMemStore() *memStore {
	return &memStore{
		sessions:   make(map[string]*model.Session),
		history:    make(map[string][]*model.Session),
		properties: make(map[string]*model.Property),
		present:    make(map[string]map[model.StepKind]bool),
		cacheAges:  make(map[string]time.Duration),
	}
}

func (m *memStore) SaveSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	m.history[s.ID] = append(m.history[s.ID], s.Clone())
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "session %s", id)
	}
	return s.Clone(), nil
}

func (m *memStore) FindPropertyByURL(_ context.Context, url string) (*model.Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	p, ok := m.properties[url]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) HasExtraction(_ context.Context, propertyID string, kind model.StepKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present[propertyID][kind], nil
}

func (m *memStore) CacheAge(_ context.Context, domain string, kind model.ContentKind) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	age, ok := m.cacheAges[domain+"|"+string(kind)]
	return age, ok, nil
}

func (m *memStore) GetCache(_ context.Context, domain string, kind model.ContentKind) (*model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	age, ok := m.cacheAges[domain+"|"+string(kind)]
	if !ok {
		return nil, nil
	}
	return &model.CacheEntry{
		Domain:    domain,
		Kind:      kind,
		Payload:   []byte(`"cached"`),
		CreatedAt: time.Now().UTC().Add(-age),
	}, nil
}

func (m *memStore) PutCache(_ context.Context, domain string, kind model.ContentKind, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheAges[domain+"|"+string(kind)] = 0
	return nil
}

func (m *memStore) addProperty(url, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.properties[url] = &model.Property{ID: id, SourceURL: url}
}

func (m *memStore) markPresent(id string, kinds ...model.StepKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.present[id] == nil {
		m.present[id] = make(map[model.StepKind]bool)
	}
	for _, k := range kinds {
		m.present[id][k] = true
	}
}

func (m *memStore) setCacheAge(domain string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheAges[domain+"|"+string(model.ContentPages)] = age
}

func (m *memStore) snapshots(id string) []*model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Session(nil), m.history[id]...)
}

// --- Fake executor ---

type fakeExec struct {
	kind  model.StepKind
	store *memStore
	fn    func(ctx context.Context, in StepInput) (*StepOutput, error)

	mu     sync.Mutex
	inputs []StepInput
}

func (f *fakeExec) Kind() model.StepKind { return f.kind }

func (f *fakeExec) Execute(ctx context.Context, in StepInput) (*StepOutput, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, in)
	}
	if f.kind == model.StepProperty {
		f.store.addProperty(in.Target.URL, "p-1")
		return &StepOutput{PropertyID: "p-1", Items: 1}, nil
	}
	f.store.markPresent(in.PropertyID, f.kind)
	return &StepOutput{Items: 2}, nil
}

func (f *fakeExec) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func (f *fakeExec) received() []StepInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StepInput(nil), f.inputs...)
}

// --- Harness ---

type harness struct {
	store *memStore
	execs map[model.StepKind]*fakeExec
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	st := newMemStore()
	h := &harness{store: st, execs: make(map[model.StepKind]*fakeExec)}

	var list []Executor
	for _, kind := range model.CanonicalKinds() {
		e := &fakeExec{kind: kind, store: st}
		h.execs[kind] = e
		list = append(list, e)
	}
	reg, err := NewRegistry(list...)
	require.NoError(t, err)

	engine := cache.NewEngine(st, 24*time.Hour, 12*time.Hour)
	loader := cache.NewLoader(st, 24*time.Hour)
	h.orch = New(st, engine, loader, resume.NewDiffer(st), reg, opts)

	var (
		idMu sync.Mutex
		n    int
	)
	h.orch.newID = func() string {
		idMu.Lock()
		defer idMu.Unlock()
		n++
		return fmt.Sprintf("s-%d", n)
	}
	return h
}

func (h *harness) totalCalls(kinds ...model.StepKind) int {
	total := 0
	for _, k := range kinds {
		total += h.execs[k].calls()
	}
	return total
}

var nonLeader = []model.StepKind{
	model.StepImages, model.StepBranding, model.StepAmenities, model.StepFloorPlans,
	model.StepOffers, model.StepReviews, model.StepCompetitors,
}

var parallelKinds = []model.StepKind{
	model.StepImages, model.StepBranding, model.StepAmenities, model.StepFloorPlans, model.StepOffers,
}
