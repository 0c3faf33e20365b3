package steps

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-research/internal/cache"
	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/resilience"
	"github.com/sells-group/property-research/internal/store"
	"github.com/sells-group/property-research/pkg/anthropic"
	"github.com/sells-group/property-research/pkg/firecrawl"
	"github.com/sells-group/property-research/pkg/jina"
)

// --- Jina Mock ---

// mockJinaClient records whether read options were passed so tests can tell
// the markdown read from the HTML read.
type mockJinaClient struct {
	mock.Mock
}

func (m *mockJinaClient) Read(ctx context.Context, targetURL string, opts ...jina.ReadOption) (*jina.ReadResponse, error) {
	args := m.Called(ctx, targetURL, len(opts) > 0)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.ReadResponse), args.Error(1)
}

// --- Firecrawl Mock ---

type mockFirecrawlClient struct {
	mock.Mock
}

func (m *mockFirecrawlClient) Crawl(ctx context.Context, req firecrawl.CrawlRequest) (*firecrawl.CrawlResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*firecrawl.CrawlResponse), args.Error(1)
}

func (m *mockFirecrawlClient) GetCrawlStatus(ctx context.Context, id string) (*firecrawl.CrawlStatusResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*firecrawl.CrawlStatusResponse), args.Error(1)
}

func (m *mockFirecrawlClient) Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*firecrawl.ScrapeResponse), args.Error(1)
}

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

// forStep matches requests whose task mentions the given phrase.
func forStep(phrase string) any {
	return mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1 && strings.Contains(req.Messages[0].Content, phrase)
	})
}

// --- Property store ---

// memProps is an in-memory store.PropertyStore.
type memProps struct {
	mu          sync.Mutex
	properties  map[string]*model.Property
	images      map[string][]model.Image
	branding    map[string]model.Branding
	amenities   map[string][]model.Amenity
	floorPlans  map[string][]model.FloorPlan
	offers      map[string][]model.Offer
	summaries   map[string]*model.ReviewSummary
	reviews     map[string][]model.Review
	competitors map[string][]model.Competitor
	saveErr     error
}

var _ store.PropertyStore = (*memProps)(nil)

func newMemProps() *memProps {
	return &memProps{
		properties:  make(map[string]*model.Property),
		images:      make(map[string][]model.Image),
		branding:    make(map[string]model.Branding),
		amenities:   make(map[string][]model.Amenity),
		floorPlans:  make(map[string][]model.FloorPlan),
		offers:      make(map[string][]model.Offer),
		summaries:   make(map[string]*model.ReviewSummary),
		reviews:     make(map[string][]model.Review),
		competitors: make(map[string][]model.Competitor),
	}
}

func (s *memProps) FindPropertyByURL(_ context.Context, sourceURL string) (*model.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.properties {
		if p.SourceURL == sourceURL {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memProps) GetProperty(_ context.Context, id string) (*model.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memProps) UpsertProperty(_ context.Context, p *model.Property) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return "", s.saveErr
	}
	for id, existing := range s.properties {
		if existing.SourceURL == p.SourceURL {
			cp := *p
			cp.ID = id
			s.properties[id] = &cp
			return id, nil
		}
	}
	id := "prop-1"
	cp := *p
	cp.ID = id
	s.properties[id] = &cp
	return id, nil
}

func (s *memProps) SaveImages(_ context.Context, id string, images []model.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[id] = images
	return s.saveErr
}

func (s *memProps) SaveBranding(_ context.Context, id string, b model.Branding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branding[id] = b
	return s.saveErr
}

func (s *memProps) SaveAmenities(_ context.Context, id string, amenities []model.Amenity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amenities[id] = amenities
	return s.saveErr
}

func (s *memProps) SaveFloorPlans(_ context.Context, id string, plans []model.FloorPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floorPlans[id] = plans
	return s.saveErr
}

func (s *memProps) SaveOffers(_ context.Context, id string, offers []model.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[id] = offers
	return s.saveErr
}

func (s *memProps) SaveReviews(_ context.Context, id string, summary *model.ReviewSummary, reviews []model.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[id] = summary
	s.reviews[id] = reviews
	return s.saveErr
}

func (s *memProps) SaveCompetitors(_ context.Context, id string, comps []model.Competitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitors[id] = comps
	return s.saveErr
}

// --- helpers ---

// noRetry makes every external call a single attempt.
var noRetry = resilience.RetryConfig{MaxAttempts: 1}

func testTarget() model.Target {
	return model.Target{URL: "https://www.oakridge.com", Domain: "oakridge.com"}
}

func stepInput(propertyID string) pipeline.StepInput {
	return pipeline.StepInput{
		Target:     testTarget(),
		PropertyID: propertyID,
		Prior:      map[model.StepKind]*pipeline.StepOutput{},
	}
}

const homeHTML = `<html><head>
<title>Oak Ridge Apartments</title>
<meta property="og:image" content="/media/exterior-aerial.jpg">
<meta property="og:description" content="Luxury living in the heart of Austin">
<meta name="theme-color" content="#1A2B3C">
<meta name="msapplication-TileColor" content="#ffffff">
<link rel="shortcut icon" href="/favicon.png">
</head><body>
<header><a href="/"><img class="site-logo" src="/img/oak-logo.png" alt="Oak Ridge"></a></header>
<nav>
<a href="/amenities">Amenities</a>
<a href="/floor-plans">Floor Plans</a>
<a href="/gallery">Photos</a>
<a href="https://www.oakridge.com/specials#now">Specials</a>
<a href="https://facebook.com/oakridge">Facebook</a>
<a href="/brochure.pdf">Brochure</a>
<a href="mailto:leasing@oakridge.com">Email</a>
</nav>
<img src="/media/pool.jpg" alt="Resort-style pool">
<img src="/media/pixel.gif" width="1" height="1">
</body></html>`

const galleryHTML = `<html><body>
<img data-src="/media/kitchen.jpg" src="data:image/gif;base64,AAA" alt="Gourmet kitchen">
<img srcset="/media/bedroom-800.jpg 800w, /media/bedroom-1600.jpg 1600w" alt="Bedroom">
<img src="/media/tiny.jpg" width="32" height="32">
<img src="/media/pool.jpg" alt="Pool again">
</body></html>`

func longMarkdown(s string) string {
	return s + "\n\n" + strings.Repeat("Oak Ridge offers spacious homes near downtown. ", 10)
}

func jinaPage(title, content string) *jina.ReadResponse {
	return &jina.ReadResponse{Code: 200, Data: jina.ReadData{Title: title, Content: content}}
}

func jinaHTML(html string) *jina.ReadResponse {
	return &jina.ReadResponse{Code: 200, Data: jina.ReadData{HTML: html}}
}

// samplePages is a crawled site as the page fetcher would return it.
func samplePages() *model.PageSet {
	return &model.PageSet{
		Domain: "oakridge.com",
		Source: "jina",
		Pages: []model.CrawledPage{
			{URL: "https://www.oakridge.com", Title: "Oak Ridge Apartments", Markdown: longMarkdown("# Oak Ridge"), HTML: homeHTML, Type: model.PageTypeHomepage},
			{URL: "https://www.oakridge.com/gallery", Title: "Gallery", Markdown: longMarkdown("# Gallery"), HTML: galleryHTML, Type: model.PageTypeGallery},
			{URL: "https://www.oakridge.com/amenities", Title: "Amenities", Markdown: longMarkdown("# Amenities\n- Pool\n- Fitness center"), Type: model.PageTypeAmenities},
		},
	}
}

// --- Content cache ---

// memContent is an in-memory cache.ContentStore.
type memContent struct {
	mu      sync.Mutex
	entries map[string]*model.CacheEntry
	puts    int
}

func newMemContent() *memContent {
	return &memContent{entries: make(map[string]*model.CacheEntry)}
}

func (c *memContent) GetCache(_ context.Context, domain string, kind model.ContentKind) (*model.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[domain+"|"+string(kind)], nil
}

func (c *memContent) PutCache(_ context.Context, domain string, kind model.ContentKind, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.entries[domain+"|"+string(kind)] = &model.CacheEntry{
		Domain:    domain,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// contentWith returns a run loader that reuses the given cached payloads.
func contentWith(t *testing.T, entries map[model.ContentKind]any) *cache.RunLoader {
	t.Helper()
	cs := newMemContent()
	for kind, v := range entries {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, cs.PutCache(context.Background(), "oakridge.com", kind, b))
	}
	return cache.NewLoader(cs, 24*time.Hour).ForRun(model.CachePolicy{UseCache: true})
}

func preloaded(t *testing.T, pages *model.PageSet) *cache.RunLoader {
	return contentWith(t, map[model.ContentKind]any{model.ContentPages: pages})
}

// offlineFetcher has no page readers, so it can only serve cached pages.
func offlineFetcher() *PageFetcher {
	return NewPageFetcher(nil, nil, 0, noRetry)
}
