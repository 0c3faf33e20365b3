package model

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// PageType represents a classified page category on a property site.
type PageType string

const (
	PageTypeHomepage     PageType = "homepage"
	PageTypeAmenities    PageType = "amenities"
	PageTypeFloorPlans   PageType = "floor_plans"
	PageTypeSpecials     PageType = "specials"
	PageTypeGallery      PageType = "gallery"
	PageTypeContact      PageType = "contact"
	PageTypeNeighborhood PageType = "neighborhood"
	PageTypeOther        PageType = "other"
)

// AllPageTypes returns all defined page types.
func AllPageTypes() []PageType {
	return []PageType{
		PageTypeHomepage,
		PageTypeAmenities,
		PageTypeFloorPlans,
		PageTypeSpecials,
		PageTypeGallery,
		PageTypeContact,
		PageTypeNeighborhood,
		PageTypeOther,
	}
}

// pathKeywords maps URL path fragments to page types. Order matters: the
// first match wins.
var pathKeywords = []struct {
	keyword string
	pt      PageType
}{
	{"floor-plan", PageTypeFloorPlans},
	{"floorplan", PageTypeFloorPlans},
	{"floor_plan", PageTypeFloorPlans},
	{"availability", PageTypeFloorPlans},
	{"amenit", PageTypeAmenities},
	{"features", PageTypeAmenities},
	{"special", PageTypeSpecials},
	{"offer", PageTypeSpecials},
	{"promotion", PageTypeSpecials},
	{"gallery", PageTypeGallery},
	{"photos", PageTypeGallery},
	{"tour", PageTypeGallery},
	{"contact", PageTypeContact},
	{"neighborhood", PageTypeNeighborhood},
	{"location", PageTypeNeighborhood},
}

// ClassifyURL guesses the page type from the URL path.
func ClassifyURL(raw string) PageType {
	u, err := url.Parse(raw)
	if err != nil {
		return PageTypeOther
	}
	path := strings.ToLower(strings.Trim(u.Path, "/"))
	if path == "" || path == "index.html" || path == "home" {
		return PageTypeHomepage
	}
	for _, k := range pathKeywords {
		if strings.Contains(path, k.keyword) {
			return k.pt
		}
	}
	return PageTypeOther
}

// CrawledPage represents a page fetched during crawling.
type CrawledPage struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Markdown   string   `json:"markdown"`
	HTML       string   `json:"html,omitempty"`
	StatusCode int      `json:"status_code"`
	Type       PageType `json:"page_type,omitempty"`
}

// PageSet is the crawled content for one domain. It is the payload cached
// under ContentPages.
type PageSet struct {
	Domain    string        `json:"domain"`
	Source    string        `json:"source"` // "jina" or "firecrawl"
	Pages     []CrawledPage `json:"pages"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Homepage returns the homepage, or the first page when none is classified
// as one.
func (ps *PageSet) Homepage() *CrawledPage {
	if ps == nil || len(ps.Pages) == 0 {
		return nil
	}
	for i := range ps.Pages {
		if ps.Pages[i].Type == PageTypeHomepage {
			return &ps.Pages[i]
		}
	}
	return &ps.Pages[0]
}

// ByType returns the pages of the given types, in crawl order.
func (ps *PageSet) ByType(types ...PageType) []CrawledPage {
	if ps == nil {
		return nil
	}
	var out []CrawledPage
	for _, p := range ps.Pages {
		for _, t := range types {
			if p.Type == t {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Markdown concatenates page markdown for LLM context, truncated to at most
// limit bytes. limit <= 0 means no limit.
func Markdown(pages []CrawledPage, limit int) string {
	var b strings.Builder
	for _, p := range pages {
		if p.Markdown == "" {
			continue
		}
		b.WriteString("## ")
		b.WriteString(p.URL)
		b.WriteString("\n\n")
		b.WriteString(p.Markdown)
		b.WriteString("\n\n")
		if limit > 0 && b.Len() >= limit {
			break
		}
	}
	s := b.String()
	if limit > 0 {
		s = TruncateUTF8(s, limit)
	}
	return s
}

// TruncateUTF8 cuts s to at most n bytes without splitting a rune.
func TruncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
