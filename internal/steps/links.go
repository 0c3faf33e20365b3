package steps

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sells-group/property-research/internal/model"
)

var skipExtensions = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".svg": true, ".zip": true, ".mp4": true, ".doc": true, ".docx": true,
}

// discoverLinks returns same-site links from the homepage HTML, picking at
// most one URL per page type in the order of model.AllPageTypes and
// skipping the homepage and unclassified pages. At most limit URLs are
// returned.
func discoverLinks(html, baseURL string, limit int) []string {
	if html == "" || limit <= 0 {
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	byType := make(map[model.PageType]string)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, ok := resolveSameSite(base, href)
		if !ok {
			return
		}
		pt := model.ClassifyURL(abs)
		if pt == model.PageTypeHomepage || pt == model.PageTypeOther {
			return
		}
		if _, seen := byType[pt]; !seen {
			byType[pt] = abs
		}
	})

	var out []string
	for _, pt := range model.AllPageTypes() {
		if u, ok := byType[pt]; ok {
			out = append(out, u)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// resolveSameSite resolves href against base and keeps it only when it
// points at the same site. A leading "www." is ignored on both hosts.
func resolveSameSite(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "sms:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if siteHost(abs.Host) != siteHost(base.Host) {
		return "", false
	}
	if skipExtensions[strings.ToLower(path.Ext(abs.Path))] {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

func siteHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// absoluteURL resolves ref against page and reports whether the result is
// a usable http(s) URL.
func absoluteURL(page, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(strings.ToLower(ref), "data:") {
		return "", false
	}
	base, err := url.Parse(page)
	if err != nil {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}
