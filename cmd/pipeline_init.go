package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-research/internal/cache"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/resilience"
	"github.com/sells-group/property-research/internal/resume"
	"github.com/sells-group/property-research/internal/steps"
	"github.com/sells-group/property-research/internal/store"
	anthropicpkg "github.com/sells-group/property-research/pkg/anthropic"
	"github.com/sells-group/property-research/pkg/firecrawl"
	"github.com/sells-group/property-research/pkg/google"
	"github.com/sells-group/property-research/pkg/jina"
)

// pipelineEnv holds the store and the orchestrator used by the extract,
// resume and serve commands.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
}

// Close waits for background runs and releases the store.
func (pe *pipelineEnv) Close() {
	if pe.Orchestrator != nil {
		pe.Orchestrator.Wait()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store, builds the API
// clients and step executors, and wires the orchestrator. Callers should
// defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	orch, err := buildOrchestrator(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &pipelineEnv{Store: st, Orchestrator: orch}, nil
}

func buildOrchestrator(st store.Store) (*pipeline.Orchestrator, error) {
	retry := resilience.FromConfig(cfg.Pipeline.Retry)

	var jinaClient jina.Client
	if cfg.Jina.Key != "" {
		jinaClient = jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL))
	}

	var firecrawlClient firecrawl.Client
	if cfg.Firecrawl.Key != "" {
		firecrawlClient = firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
	} else {
		zap.L().Debug("PROPERTY_FIRECRAWL_KEY not set, scrape fallback disabled")
	}

	// Reviews and competitors fail per step without a Places key.
	var googleClient google.Client
	if cfg.Google.Key != "" {
		googleClient = google.NewClient(cfg.Google.Key, google.WithBaseURL(cfg.Google.BaseURL))
		zap.L().Info("google places api enabled")
	} else {
		zap.L().Warn("PROPERTY_GOOGLE_KEY not set, reviews and competitors steps will fail")
	}

	prompts, err := steps.DefaultCatalogue()
	if err != nil {
		return nil, eris.Wrap(err, "load prompts")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	execs := steps.NewExecutors(steps.Deps{
		Store:     st,
		Pages:     steps.NewPageFetcher(jinaClient, firecrawlClient, cfg.Pipeline.MaxPages, retry),
		Extractor: steps.NewExtractor(anthropicClient, cfg.Anthropic, retry, prompts),
		Places:    steps.NewPlacesLookup(googleClient, st, cfg.Google, retry),
	})
	reg, err := pipeline.NewRegistry(execs...)
	if err != nil {
		return nil, eris.Wrap(err, "build step registry")
	}

	engine := cache.NewEngine(st, cfg.Cache.TTL(), cfg.Cache.AutoReuse())
	loader := cache.NewLoader(st, cfg.Cache.TTL())
	differ := resume.NewDiffer(st)

	zap.L().Info("pipeline ready",
		zap.Int("steps", len(execs)),
		zap.Duration("cache_ttl", cfg.Cache.TTL()),
		zap.Duration("auto_reuse", cfg.Cache.AutoReuse()),
	)

	return pipeline.New(st, engine, loader, differ, reg, pipeline.OptionsFromConfig(cfg.Pipeline)), nil
}
