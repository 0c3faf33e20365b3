package steps

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/property-research/internal/cache"
	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/resilience"
	"github.com/sells-group/property-research/pkg/firecrawl"
	"github.com/sells-group/property-research/pkg/jina"
)

const (
	defaultMaxPages = 8
	fetchFanOut     = 4
)

// PageFetcher crawls a property site: Jina Reader first, Firecrawl scrape
// per page when Jina is blocked, and a Firecrawl crawl when the homepage
// cannot be read at all. Either client may be nil.
type PageFetcher struct {
	jina      jina.Client
	firecrawl firecrawl.Client
	maxPages  int
	retry     resilience.RetryConfig
	pollOpts  []firecrawl.PollOption
	now       func() time.Time
}

// NewPageFetcher creates a PageFetcher that reads at most maxPages pages.
func NewPageFetcher(j jina.Client, fc firecrawl.Client, maxPages int, retry resilience.RetryConfig) *PageFetcher {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &PageFetcher{
		jina:      j,
		firecrawl: fc,
		maxPages:  maxPages,
		retry:     retry,
		pollOpts: []firecrawl.PollOption{
			firecrawl.WithPollInterval(2 * time.Second),
			firecrawl.WithPollCap(10 * time.Second),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Load returns the site's pages for a step, from cache when the run's
// policy allows it.
func (f *PageFetcher) Load(ctx context.Context, in pipeline.StepInput) (*model.PageSet, error) {
	return loadJSON(ctx, in.Content, in.Target.Domain, model.ContentPages, func(ctx context.Context) (*model.PageSet, error) {
		return f.Fetch(ctx, in.Target)
	})
}

// Fetch crawls the site fresh.
func (f *PageFetcher) Fetch(ctx context.Context, target model.Target) (*model.PageSet, error) {
	log := zap.L().With(zap.String("domain", target.Domain))

	home, source, err := f.fetchPage(ctx, target.URL, true)
	if err != nil {
		log.Warn("pages: homepage unreadable, falling back to crawl", zap.Error(err))
		return f.crawl(ctx, target)
	}
	home.Type = model.PageTypeHomepage

	links := discoverLinks(home.HTML, target.URL, f.maxPages-1)
	sub := make([]*model.CrawledPage, len(links))

	g := new(errgroup.Group)
	g.SetLimit(fetchFanOut)
	for i, link := range links {
		g.Go(func() error {
			pt := model.ClassifyURL(link)
			page, _, err := f.fetchPage(ctx, link, pt == model.PageTypeGallery)
			if err != nil {
				log.Debug("pages: skipping subpage", zap.String("url", link), zap.Error(err))
				return nil
			}
			page.Type = pt
			sub[i] = page
			return nil
		})
	}
	_ = g.Wait()

	set := &model.PageSet{
		Domain:    target.Domain,
		Source:    source,
		Pages:     []model.CrawledPage{*home},
		FetchedAt: f.now(),
	}
	for _, p := range sub {
		if p != nil {
			set.Pages = append(set.Pages, *p)
		}
	}

	log.Info("pages: fetched site",
		zap.String("source", source),
		zap.Int("discovered", len(links)),
		zap.Int("pages", len(set.Pages)),
	)
	return set, nil
}

// fetchPage reads one URL. withHTML also fetches the raw HTML, which the
// image and branding steps parse.
func (f *PageFetcher) fetchPage(ctx context.Context, pageURL string, withHTML bool) (*model.CrawledPage, string, error) {
	var jinaErr error
	if f.jina != nil {
		page, err := f.viaJina(ctx, pageURL, withHTML)
		if err == nil {
			return page, "jina", nil
		}
		jinaErr = err
		zap.L().Debug("pages: jina read failed, trying firecrawl", zap.String("url", pageURL), zap.Error(err))
	}

	if f.firecrawl == nil {
		if jinaErr == nil {
			jinaErr = eris.New("no page reader configured")
		}
		return nil, "", eris.Wrapf(jinaErr, "pages: read %s", pageURL)
	}

	page, err := f.viaFirecrawl(ctx, pageURL)
	if err != nil {
		return nil, "", eris.Wrapf(err, "pages: read %s", pageURL)
	}
	return page, "firecrawl", nil
}

func (f *PageFetcher) viaJina(ctx context.Context, pageURL string, withHTML bool) (*model.CrawledPage, error) {
	retry := f.retry.WithLogger("jina", "read")
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*jina.ReadResponse, error) {
		return f.jina.Read(ctx, pageURL)
	})
	if err != nil {
		return nil, err
	}
	if needsFallback(resp) {
		return nil, eris.New("jina: response needs fallback")
	}

	page := &model.CrawledPage{
		URL:        pageURL,
		Title:      resp.Data.Title,
		Markdown:   resp.Data.Content,
		StatusCode: resp.Code,
	}
	if withHTML {
		htmlResp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*jina.ReadResponse, error) {
			return f.jina.Read(ctx, pageURL, jina.WithFormat("html"))
		})
		if err != nil {
			return nil, eris.Wrap(err, "jina: read html")
		}
		page.HTML = htmlResp.Data.HTML
	}
	return page, nil
}

func (f *PageFetcher) viaFirecrawl(ctx context.Context, pageURL string) (*model.CrawledPage, error) {
	resp, err := resilience.DoVal(ctx, f.retry.WithLogger("firecrawl", "scrape"), func(ctx context.Context) (*firecrawl.ScrapeResponse, error) {
		return f.firecrawl.Scrape(ctx, firecrawl.ScrapeRequest{
			URL:     pageURL,
			Formats: []string{firecrawl.FormatMarkdown, firecrawl.FormatRawHTML},
		})
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, eris.New("firecrawl: scrape not successful")
	}
	return toCrawledPage(pageURL, resp.Data), nil
}

// crawl runs a Firecrawl crawl of the whole site and waits for it.
func (f *PageFetcher) crawl(ctx context.Context, target model.Target) (*model.PageSet, error) {
	if f.firecrawl == nil {
		return nil, eris.Errorf("pages: %s unreadable and no crawler configured", target.URL)
	}

	started, err := f.firecrawl.Crawl(ctx, firecrawl.CrawlRequest{
		URL:           target.URL,
		MaxDepth:      2,
		Limit:         f.maxPages,
		ScrapeOptions: &firecrawl.ScrapeOptions{Formats: []string{firecrawl.FormatMarkdown, firecrawl.FormatRawHTML}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "pages: firecrawl start")
	}

	status, err := firecrawl.PollCrawl(ctx, f.firecrawl, started.ID, f.pollOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "pages: firecrawl poll")
	}

	set := &model.PageSet{Domain: target.Domain, Source: "firecrawl", FetchedAt: f.now()}
	haveHome := false
	for _, d := range status.Data {
		page := toCrawledPage(d.Metadata.SourceURL, d)
		if page.Markdown == "" {
			continue
		}
		page.Type = model.ClassifyURL(page.URL)
		if page.Type == model.PageTypeHomepage {
			if haveHome {
				continue
			}
			haveHome = true
		}
		set.Pages = append(set.Pages, *page)
	}
	if len(set.Pages) == 0 {
		return nil, eris.Errorf("pages: crawl of %s returned no content", target.URL)
	}
	return set, nil
}

func toCrawledPage(fallbackURL string, d firecrawl.PageData) *model.CrawledPage {
	u := d.Metadata.SourceURL
	if u == "" {
		u = fallbackURL
	}
	return &model.CrawledPage{
		URL:        u,
		Title:      d.Metadata.Title,
		Markdown:   d.Markdown,
		HTML:       d.RawHTML,
		StatusCode: d.Metadata.StatusCode,
	}
}

// loadJSON goes through the run's content loader when there is one.
func loadJSON[T any](ctx context.Context, r *cache.RunLoader, domain string, kind model.ContentKind, fetch func(ctx context.Context) (T, error)) (T, error) {
	if r == nil {
		return fetch(ctx)
	}
	return cache.LoadJSON(ctx, r, domain, kind, fetch)
}
