// Package cache decides whether fetched content can be reused and loads it
// for a run without duplicate fetches.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/property-research/internal/model"
)

// AgeReader reports how old the cache entry for a key is.
type AgeReader interface {
	CacheAge(ctx context.Context, domain string, kind model.ContentKind) (time.Duration, bool, error)
}

// Decision is the outcome of a staleness check.
type Decision struct {
	Policy model.CachePolicy
	// Prompt is set when the caller asked to be consulted and a valid entry
	// exists. The run must pause with status cache_prompt.
	Prompt   bool
	CacheAge time.Duration
	HasEntry bool
}

// Engine resolves the cache policy for a run. It only reads cache ages.
type Engine struct {
	ages      AgeReader
	ttl       time.Duration
	autoReuse time.Duration
}

// NewEngine creates an Engine. ttl bounds entry validity; entries younger
// than autoReuse are reused by unattended runs.
func NewEngine(ages AgeReader, ttl, autoReuse time.Duration) *Engine {
	return &Engine{ages: ages, ttl: ttl, autoReuse: autoReuse}
}

// TTL returns the entry validity window.
func (e *Engine) TTL() time.Duration { return e.ttl }

// Decide resolves flags into a policy for (domain, kind). Lookup failures
// are logged and treated as a missing entry. The only error returned is a
// done context.
func (e *Engine) Decide(ctx context.Context, domain string, kind model.ContentKind, flags model.RunFlags) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	if flags.ForceRefresh {
		return Decision{Policy: model.CachePolicy{UseCache: false, ForceRefresh: true}}, nil
	}
	if flags.UseCache == model.UseCacheFalse {
		return Decision{}, nil
	}

	age, ok := e.lookup(ctx, domain, kind)
	valid := ok && age < e.ttl
	d := Decision{HasEntry: ok, CacheAge: age}

	switch {
	case flags.UseCache == model.UseCacheTrue:
		d.Policy.UseCache = valid
	case !valid:
		// Nothing usable: fetch fresh without asking.
	case flags.Interactive:
		d.Prompt = true
	default:
		d.Policy.UseCache = age < e.autoReuse
	}
	return d, nil
}

func (e *Engine) lookup(ctx context.Context, domain string, kind model.ContentKind) (time.Duration, bool) {
	age, ok, err := e.ages.CacheAge(ctx, domain, kind)
	if err != nil {
		zap.L().Warn("cache: age lookup failed, treating as miss",
			zap.String("domain", domain),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return 0, false
	}
	return age, ok
}
