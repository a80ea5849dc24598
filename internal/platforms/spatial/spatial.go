// Package spatial indexes public spaces listed in the Spatial.io sitemap.
package spatial

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
	"github.com/JakeFAU/metaverse-indexer/internal/retry"
)

// Platform is the registry and source_platform identifier.
const Platform = "spatial"

// DefaultSitemapURL is used when api_endpoints.sitemap is unset.
const DefaultSitemapURL = "https://www.spatial.io/root.xml"

const defaultMaxItems = 100

// spacePath matches /s/<slug>-<hex id> at the end of a query-less URL.
var spacePath = regexp.MustCompile(`/s/(.+)-([a-f0-9]+)$`)

// Indexer implements indexer.Indexer for Spatial.io.
type Indexer struct {
	indexer.DefaultExtractor
}

// New returns a Spatial adapter.
func New() indexer.Indexer { return &Indexer{} }

// Platform implements indexer.Indexer.
func (*Indexer) Platform() string { return Platform }

// RobotsExemptOrigins implements indexer.RobotsExempter; spatial.io serves
// no robots.txt and the sitemap exists to be crawled.
func (*Indexer) RobotsExemptOrigins() []string {
	return []string{"https://www.spatial.io", "https://spatial.io"}
}

// FetchItems reads the sitemap fresh on every run and keeps the first
// max_items space URLs.
func (*Indexer) FetchItems(ctx context.Context, env *indexer.Env) ([]indexer.RawItem, error) {
	limit := env.Config.MaxItems
	if limit <= 0 {
		limit = defaultMaxItems
	}
	sitemap := env.Config.Endpoint("sitemap", DefaultSitemapURL)
	resp, err := retry.Value(ctx, env.Retry, func(ctx context.Context) (crawler.Response, error) {
		return env.Fetcher.Fetch(ctx, crawler.Request{
			Method: http.MethodGet,
			URL:    sitemap,
			Header: http.Header{"Accept": {"application/xml,text/xml"}},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("spatial sitemap: %w", err)
	}
	urls, err := SpaceURLs(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("spatial sitemap: %w", err)
	}
	env.Logger.Info("found space urls in sitemap", zap.Int("count", len(urls)))
	if len(urls) > limit {
		urls = urls[:limit]
	}

	spaces := make([]indexer.RawItem, 0, len(urls))
	for _, u := range urls {
		if space, ok := ParseSpaceURL(u); ok {
			spaces = append(spaces, space)
		}
	}
	env.Logger.Info("parsed spaces from sitemap", zap.Int("spaces", len(spaces)))
	return spaces, nil
}

// SpaceURLs returns every sitemap <loc> that points at a space.
func SpaceURLs(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	var out []string
	doc.Find("url loc").Each(func(_ int, s *goquery.Selection) {
		if loc := strings.TrimSpace(s.Text()); strings.Contains(loc, "/s/") {
			out = append(out, loc)
		}
	})
	return out, nil
}

// ParseSpaceURL derives a space record from its URL. ok is false when the
// path carries no slug and id.
func ParseSpaceURL(spaceURL string) (indexer.RawItem, bool) {
	clean, _, _ := strings.Cut(spaceURL, "?")
	m := spacePath.FindStringSubmatch(clean)
	if m == nil {
		return nil, false
	}
	name, id := m[1], m[2]
	title := cases.Title(language.English).String(strings.ReplaceAll(name, "-", " "))
	return indexer.RawItem{
		"external_id": id,
		"space_id":    id,
		"space_name":  name,
		"title":       title,
		"url":         spaceURL,
		"description": "A virtual space on Spatial.io: " + title,
	}, true
}

// ProcessItem implements indexer.Indexer.
func (*Indexer) ProcessItem(_ context.Context, item indexer.RawItem) (indexer.RawItem, error) {
	return item, nil
}

// ExtractExternalID uses the hex id, then any id field, then the URL.
func (*Indexer) ExtractExternalID(item indexer.RawItem) string {
	for _, key := range []string{"external_id", "id", "url"} {
		if v := indexer.String(item, key); v != "" {
			return v
		}
	}
	return ""
}

// ExtractContentType implements indexer.Extractor.
func (*Indexer) ExtractContentType(indexer.RawItem) string { return "space" }

// ExtractTitle implements indexer.Extractor.
func (*Indexer) ExtractTitle(item indexer.RawItem) string {
	if t := indexer.String(item, "title"); t != "" {
		return t
	}
	return "Spatial Space"
}

// ExtractDescription implements indexer.Extractor.
func (*Indexer) ExtractDescription(item indexer.RawItem) string {
	if d := indexer.String(item, "description"); d != "" {
		return d
	}
	return "A virtual space on Spatial.io"
}

// ExtractAuthor implements indexer.Extractor; the sitemap names no creator.
func (*Indexer) ExtractAuthor(item indexer.RawItem) string {
	return indexer.String(item, "creator")
}

// ExtractCoordinates implements indexer.Extractor; spaces have no map position.
func (*Indexer) ExtractCoordinates(indexer.RawItem) *crawler.Coordinates { return nil }

// ExtractMetadata implements indexer.Extractor.
func (*Indexer) ExtractMetadata(item indexer.RawItem) map[string]any {
	return map[string]any{
		"source_url": item["url"],
		"space_id":   item["space_id"],
		"space_name": item["space_name"],
	}
}
