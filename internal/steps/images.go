package steps

import (
	"context"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/store"
)

const (
	maxImages    = 60
	minImageSide = 64
)

// imageCategories maps alt text or URL keywords to a category. The first
// match wins.
var imageCategories = []struct {
	category string
	keywords []string
}{
	{"floor_plan", []string{"floorplan", "floor-plan", "floor plan", "floor_plan"}},
	{"amenity", []string{"pool", "fitness", "gym", "clubhouse", "lounge", "amenit", "dog park", "grill", "spa"}},
	{"interior", []string{"kitchen", "bedroom", "bath", "living", "interior", "closet", "dining"}},
	{"exterior", []string{"exterior", "building", "aerial", "facade", "entrance", "courtyard"}},
}

var skipImageKeywords = []string{"logo", "icon", "favicon", "pixel", "tracking", "spacer", "1x1", "badge", "sprite", "equal-housing"}

// ImagesStep collects property photos from the site's HTML.
type ImagesStep struct {
	pages *PageFetcher
	store store.PropertyStore
}

// Kind implements pipeline.Executor.
func (s *ImagesStep) Kind() model.StepKind { return model.StepImages }

// Execute implements pipeline.Executor.
func (s *ImagesStep) Execute(ctx context.Context, in pipeline.StepInput) (*pipeline.StepOutput, error) {
	if err := requireProperty(in); err != nil {
		return nil, eris.Wrap(err, "images")
	}
	pages, err := s.pages.Load(ctx, in)
	if err != nil {
		return nil, eris.Wrap(err, "images: load pages")
	}

	images := collectImages(pages)
	if err := s.store.SaveImages(ctx, in.PropertyID, images); err != nil {
		return nil, eris.Wrap(err, "images: save")
	}
	return &pipeline.StepOutput{Items: len(images), Data: images}, nil
}

// collectImages walks every page with HTML, gallery pages first.
func collectImages(pages *model.PageSet) []model.Image {
	if pages == nil {
		return nil
	}
	ordered := append(pages.ByType(model.PageTypeGallery), pages.ByType(model.PageTypeHomepage)...)
	for _, p := range pages.Pages {
		if p.Type != model.PageTypeGallery && p.Type != model.PageTypeHomepage {
			ordered = append(ordered, p)
		}
	}

	seen := make(map[string]bool)
	var out []model.Image
	add := func(img model.Image) {
		if len(out) >= maxImages || seen[img.URL] {
			return
		}
		seen[img.URL] = true
		out = append(out, img)
	}

	for _, page := range ordered {
		if page.HTML == "" {
			continue
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
		if err != nil {
			continue
		}

		doc.Find(`meta[property="og:image"]`).Each(func(_ int, m *goquery.Selection) {
			content, _ := m.Attr("content")
			if u, ok := absoluteURL(page.URL, content); ok && !skipImage(u, "") {
				add(model.Image{URL: u, Category: categorize(u, "")})
			}
		})

		doc.Find("img").Each(func(_ int, img *goquery.Selection) {
			src := imageSource(img)
			u, ok := absoluteURL(page.URL, src)
			if !ok {
				return
			}
			alt := strings.TrimSpace(img.AttrOr("alt", ""))
			if skipImage(u, alt) || tooSmall(img) {
				return
			}
			add(model.Image{URL: u, Alt: alt, Category: categorize(u, alt)})
		})
	}
	return out
}

// imageSource prefers lazy-load attributes, then the first srcset entry.
func imageSource(img *goquery.Selection) string {
	for _, attr := range []string{"data-src", "data-lazy-src", "src"} {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	if srcset := img.AttrOr("srcset", ""); srcset != "" {
		if f := strings.Fields(strings.Split(srcset, ",")[0]); len(f) > 0 {
			return f[0]
		}
	}
	return ""
}

func skipImage(u, alt string) bool {
	lower := strings.ToLower(u + " " + alt)
	for _, k := range skipImageKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	switch strings.ToLower(path.Ext(strings.SplitN(u, "?", 2)[0])) {
	case ".svg", ".ico", ".gif":
		return true
	}
	return false
}

func tooSmall(img *goquery.Selection) bool {
	for _, attr := range []string{"width", "height"} {
		if v, ok := img.Attr(attr); ok {
			if n, err := strconv.Atoi(strings.TrimSuffix(v, "px")); err == nil && n > 0 && n < minImageSide {
				return true
			}
		}
	}
	return false
}

func categorize(u, alt string) string {
	lower := strings.ToLower(alt + " " + u)
	for _, c := range imageCategories {
		for _, k := range c.keywords {
			if strings.Contains(lower, k) {
				return c.category
			}
		}
	}
	return "other"
}
