package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"martetl/internal/config"
)

// Manifest narrows which anchors of an index page count as extract files.
type Manifest struct {
	// Selector is a goquery selector for the anchors to consider. Empty
	// scans every a[href] in the document.
	Selector string

	// Suffixes keep only links whose URL path ends in one of them, compared
	// case-insensitively (".csv", ".jsonl"). Empty keeps every link.
	Suffixes []string

	// SameHost drops links pointing off the index page's host.
	SameHost bool
}

// ExtractLinks parses an HTML index page and returns the absolute URLs of
// matching anchors, in document order with duplicates removed.
//
// Relative hrefs resolve against pageURL. Non-http(s) schemes (mailto:,
// javascript:) are dropped, and fragments are stripped so the same file
// linked twice stays one entry.
func ExtractLinks(r io.Reader, pageURL string, m Manifest) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", pageURL, err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: bad page url %q: %w", pageURL, err)
	}

	sel := m.Selector
	if sel == "" {
		sel = "a[href]"
	}

	seen := make(map[string]struct{})
	var out []string
	doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}

		u, ok := resolveLink(base, href)
		if !ok {
			return
		}
		if m.SameHost && u.Host != base.Host {
			return
		}
		if !matchSuffix(u.Path, m.Suffixes) {
			return
		}

		abs := u.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out, nil
}

// FetchLinks fetches an index page and extracts its matching links.
func FetchLinks(ctx context.Context, pageURL string, timeout time.Duration, m Manifest) ([]string, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	body, err := openHTTP(ctx, config.HTTPSource{URL: pageURL, Timeout: timeout.String()})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return ExtractLinks(body, pageURL, m)
}

// resolveLink resolves href against base and keeps only web URLs. Fragments
// are stripped so the same document is never listed twice.
func resolveLink(base *url.URL, href string) (*url.URL, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return nil, false
	}
	resolved.Fragment = ""
	return resolved, true
}

func matchSuffix(path string, suffixes []string) bool {
	if len(suffixes) == 0 {
		return true
	}
	p := strings.ToLower(path)
	for _, s := range suffixes {
		if strings.HasSuffix(p, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
