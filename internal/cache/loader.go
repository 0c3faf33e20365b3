package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/property-research/internal/model"
)

// ContentStore is the subset of the cache store the loader uses.
type ContentStore interface {
	GetCache(ctx context.Context, domain string, kind model.ContentKind) (*model.CacheEntry, error)
	PutCache(ctx context.Context, domain string, kind model.ContentKind, payload []byte) error
}

// FetchFunc fetches fresh content for a key.
type FetchFunc func(ctx context.Context) ([]byte, error)

// defaultFetchTimeout bounds a shared fetch, which outlives any single caller.
const defaultFetchTimeout = 5 * time.Minute

// Loader is shared by every run in the process. Concurrent fetches of the
// same (domain, kind) collapse into one.
type Loader struct {
	store        ContentStore
	ttl          time.Duration
	fetchTimeout time.Duration
	group        singleflight.Group
	now          func() time.Time
}

// NewLoader creates a Loader over store. Entries at or past ttl are ignored.
func NewLoader(store ContentStore, ttl time.Duration) *Loader {
	return &Loader{
		store:        store,
		ttl:          ttl,
		fetchTimeout: defaultFetchTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ForRun returns a loader bound to one run's resolved policy.
func (l *Loader) ForRun(policy model.CachePolicy) *RunLoader {
	return &RunLoader{
		loader: l,
		policy: policy,
		memo:   make(map[string][]byte),
	}
}

// RunLoader serves content for a single run. It reads the policy but never
// changes it. Anything fetched during the run is memoized so sibling steps
// reuse it instead of refetching.
type RunLoader struct {
	loader *Loader
	policy model.CachePolicy

	mu   sync.Mutex
	memo map[string][]byte
}

// Policy returns the policy the run was started with.
func (r *RunLoader) Policy() model.CachePolicy {
	return r.policy
}

func cacheKey(domain string, kind model.ContentKind) string {
	return domain + "|" + string(kind)
}

// Load returns content for (domain, kind), reading the cache only when the
// policy allows it and otherwise fetching and storing fresh content.
func (r *RunLoader) Load(ctx context.Context, domain string, kind model.ContentKind, fetch FetchFunc) ([]byte, error) {
	key := cacheKey(domain, kind)

	r.mu.Lock()
	if payload, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return payload, nil
	}
	r.mu.Unlock()

	if r.policy.UseCache {
		if payload, ok := r.loader.cached(ctx, domain, kind); ok {
			r.remember(key, payload)
			return payload, nil
		}
	}

	// The flight is detached from the caller that started it so a joiner
	// from another run never inherits that caller's cancellation. Each
	// caller still stops waiting when its own ctx is done.
	ch := r.loader.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loader.fetchTimeout)
		defer cancel()

		payload, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		if err := r.loader.store.PutCache(fetchCtx, domain, kind, payload); err != nil {
			zap.L().Warn("cache: store fetched content failed",
				zap.String("domain", domain),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
		return payload, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "cache: fetch %s", key)
	}
	if res.Err != nil {
		return nil, eris.Wrapf(res.Err, "cache: fetch %s", key)
	}
	if res.Shared {
		zap.L().Debug("cache: joined in-flight fetch", zap.String("key", key))
	}

	payload := res.Val.([]byte)
	r.remember(key, payload)
	return payload, nil
}

func (r *RunLoader) remember(key string, payload []byte) {
	r.mu.Lock()
	r.memo[key] = payload
	r.mu.Unlock()
}

func (l *Loader) cached(ctx context.Context, domain string, kind model.ContentKind) ([]byte, bool) {
	entry, err := l.store.GetCache(ctx, domain, kind)
	if err != nil {
		zap.L().Warn("cache: read failed, fetching fresh",
			zap.String("domain", domain),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil, false
	}
	if entry == nil || entry.Age(l.now()) >= l.ttl {
		return nil, false
	}
	return entry.Payload, true
}

// LoadJSON is Load for JSON-encoded content.
func LoadJSON[T any](ctx context.Context, r *RunLoader, domain string, kind model.ContentKind, fetch func(ctx context.Context) (T, error)) (T, error) {
	var out T
	payload, err := r.Load(ctx, domain, kind, func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, eris.Wrapf(err, "cache: decode %s", cacheKey(domain, kind))
	}
	return out, nil
}
