package steps

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/store"
)

const maxTaglineLen = 200

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}){1,2}$`)

// BrandingStep reads the logo, favicon, theme colors and tagline from the
// homepage HTML.
type BrandingStep struct {
	pages *PageFetcher
	store store.PropertyStore
}

// Kind implements pipeline.Executor.
func (s *BrandingStep) Kind() model.StepKind { return model.StepBranding }

// Execute implements pipeline.Executor.
func (s *BrandingStep) Execute(ctx context.Context, in pipeline.StepInput) (*pipeline.StepOutput, error) {
	if err := requireProperty(in); err != nil {
		return nil, eris.Wrap(err, "branding")
	}
	pages, err := s.pages.Load(ctx, in)
	if err != nil {
		return nil, eris.Wrap(err, "branding: load pages")
	}

	home := pages.Homepage()
	if home == nil || home.HTML == "" {
		return nil, eris.Wrap(ErrNoContent, "branding: homepage html")
	}

	b, err := parseBranding(home.URL, home.HTML)
	if err != nil {
		return nil, eris.Wrap(err, "branding: parse")
	}
	if err := s.store.SaveBranding(ctx, in.PropertyID, b); err != nil {
		return nil, eris.Wrap(err, "branding: save")
	}

	items := 0
	if !b.Empty() {
		items = 1
	}
	return &pipeline.StepOutput{Items: items, Data: b}, nil
}

func parseBranding(pageURL, html string) (model.Branding, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return model.Branding{}, err
	}

	var b model.Branding
	b.LogoURL = findLogo(doc, pageURL)

	doc.Find("link[rel]").EachWithBreak(func(_ int, l *goquery.Selection) bool {
		rel := strings.ToLower(l.AttrOr("rel", ""))
		if !strings.Contains(rel, "icon") {
			return true
		}
		if u, ok := absoluteURL(pageURL, l.AttrOr("href", "")); ok {
			b.FaviconURL = u
			return false
		}
		return true
	})

	b.PrimaryColor = metaColor(doc, `meta[name="theme-color"]`)
	b.SecondaryColor = metaColor(doc, `meta[name="msapplication-TileColor"]`)
	if b.SecondaryColor == b.PrimaryColor {
		b.SecondaryColor = ""
	}

	tagline := strings.TrimSpace(doc.Find(`meta[property="og:description"]`).AttrOr("content", ""))
	if tagline == "" {
		tagline = strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", ""))
	}
	b.Tagline = truncate(tagline, maxTaglineLen)

	return b, nil
}

// findLogo prefers images marked as a logo inside the header, then
// anywhere on the page, then the og:image.
func findLogo(doc *goquery.Document, pageURL string) string {
	isLogo := func(img *goquery.Selection) bool {
		attrs := strings.ToLower(strings.Join([]string{
			img.AttrOr("class", ""), img.AttrOr("id", ""), img.AttrOr("alt", ""), img.AttrOr("src", ""),
		}, " "))
		if strings.Contains(attrs, "logo") {
			return true
		}
		return img.ParentsFiltered(`[class*="logo"],[id*="logo"]`).Length() > 0
	}

	for _, scope := range []string{"header img, nav img", "img"} {
		var found string
		doc.Find(scope).EachWithBreak(func(_ int, img *goquery.Selection) bool {
			if !isLogo(img) {
				return true
			}
			if u, ok := absoluteURL(pageURL, imageSource(img)); ok {
				found = u
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}

	if u, ok := absoluteURL(pageURL, doc.Find(`meta[property="og:image"]`).AttrOr("content", "")); ok {
		return u
	}
	return ""
}

func metaColor(doc *goquery.Document, selector string) string {
	c := strings.TrimSpace(doc.Find(selector).AttrOr("content", ""))
	if !hexColor.MatchString(c) {
		return ""
	}
	return strings.ToLower(c)
}
