// Package sandbox indexes experiences listed in The Sandbox's experiences
// sitemap. The site sits behind Cloudflare, so the sitemap is fetched in
// rendered mode and the main sitemap is tried when a challenge comes back.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
	"github.com/JakeFAU/metaverse-indexer/internal/retry"
)

// Platform is the registry and source_platform identifier.
const Platform = "sandbox"

// Default sitemap locations.
const (
	DefaultSitemapURL  = "https://www.sandbox.game/__sitemap__/experiences.xml"
	DefaultFallbackURL = "https://www.sandbox.game/sitemap.xml"
)

var (
	experiencePath = regexp.MustCompile(`/experiences/([^/]+)/([a-f0-9-]{36})/page`)
	percentEscape  = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	whitespace     = regexp.MustCompile(`\s+`)
)

// Indexer implements indexer.Indexer and indexer.Reconciler for The Sandbox.
type Indexer struct {
	indexer.DefaultExtractor
}

// New returns a Sandbox adapter.
func New() indexer.Indexer { return &Indexer{} }

// Platform implements indexer.Indexer.
func (*Indexer) Platform() string { return Platform }

// FetchItems renders the experiences sitemap. A Cloudflare challenge falls
// back to the main sitemap; a generic bot wall yields no items.
func (*Indexer) FetchItems(ctx context.Context, env *indexer.Env) ([]indexer.RawItem, error) {
	primary := env.Config.Endpoint("sitemap", DefaultSitemapURL)
	items, err := fetchSitemap(ctx, env, primary)
	if err == nil {
		env.Logger.Info("fetched sandbox experiences", zap.Int("count", len(items)))
		return items, nil
	}

	var (
		cf  *crawler.CloudflareBlockError
		bot *crawler.BotProtectionError
	)
	switch {
	case errors.As(err, &cf):
		env.Logger.Error("cloudflare blocked the sitemap, trying fallback", zap.Error(err))
		fallback := env.Config.Endpoint("fallback_sitemap", DefaultFallbackURL)
		items, ferr := fetchSitemap(ctx, env, fallback)
		if ferr != nil {
			env.Logger.Warn("fallback sitemap failed", zap.Error(ferr))
			return nil, nil
		}
		return items, nil
	case errors.As(err, &bot):
		env.Logger.Error("bot protection blocked the sitemap", zap.Error(err))
		return nil, nil
	default:
		return nil, fmt.Errorf("sandbox sitemap: %w", err)
	}
}

func fetchSitemap(ctx context.Context, env *indexer.Env, rawURL string) ([]indexer.RawItem, error) {
	resp, err := retry.Value(ctx, env.Retry, func(ctx context.Context) (crawler.Response, error) {
		return env.Fetcher.Fetch(ctx, crawler.Request{
			Method: http.MethodGet,
			URL:    rawURL,
			Header: http.Header{"Accept": {"text/html,application/xhtml+xml"}},
		})
	})
	if err != nil {
		return nil, err
	}
	return ParseSitemap(resp.Body)
}

// ParseSitemap extracts experiences from either the XML urlset or the HTML
// table the browser renders for it.
func ParseSitemap(body []byte) ([]indexer.RawItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	var links []string
	if bytes.Contains(body, []byte("<?xml")) || bytes.Contains(body, []byte("<urlset")) {
		doc.Find("url loc").Each(func(_ int, s *goquery.Selection) {
			links = append(links, strings.TrimSpace(s.Text()))
		})
	} else {
		doc.Find("table#sitemap tbody tr").Each(func(_ int, row *goquery.Selection) {
			href, _ := row.Find("td").First().Find("a").Attr("href")
			links = append(links, href)
		})
	}

	var out []indexer.RawItem
	for i, link := range links {
		m := experiencePath.FindStringSubmatch(link)
		if m == nil {
			continue
		}
		out = append(out, indexer.RawItem{
			"title":     DecodeTitle(m[1]),
			"uuid":      m[2],
			"url":       link,
			"row_index": i + 1,
		})
	}
	return out, nil
}

// ProcessItem implements indexer.Indexer.
func (*Indexer) ProcessItem(_ context.Context, item indexer.RawItem) (indexer.RawItem, error) {
	return item, nil
}

// Reconcile deletes stored experiences that are no longer in the sitemap.
// An empty sitemap is treated as a failed read and prunes nothing.
func (*Indexer) Reconcile(ctx context.Context, env *indexer.Env, items []indexer.RawItem) (int, error) {
	if len(items) == 0 {
		env.Logger.Warn("empty sitemap, skipping reconcile")
		return 0, nil
	}
	seen := make([]string, 0, len(items))
	for _, item := range items {
		if id := indexer.String(item, "uuid"); id != "" {
			seen = append(seen, id)
		}
	}
	return indexer.PruneMissing(ctx, env.Content, Platform, seen)
}

// ExtractExternalID implements indexer.Extractor.
func (*Indexer) ExtractExternalID(item indexer.RawItem) string {
	return indexer.String(item, "uuid")
}

// ExtractContentType implements indexer.Extractor.
func (*Indexer) ExtractContentType(indexer.RawItem) string { return "experience" }

// ExtractTitle implements indexer.Extractor.
func (*Indexer) ExtractTitle(item indexer.RawItem) string {
	return CleanTitle(indexer.String(item, "title"))
}

// ExtractDescription implements indexer.Extractor; the sitemap has none.
func (*Indexer) ExtractDescription(indexer.RawItem) string { return "" }

// ExtractAuthor implements indexer.Extractor; the sitemap has none.
func (*Indexer) ExtractAuthor(indexer.RawItem) string { return "" }

// ExtractMetadata implements indexer.Extractor.
func (*Indexer) ExtractMetadata(item indexer.RawItem) map[string]any {
	return map[string]any{
		"source_url":     item["url"],
		"sitemap_row":    item["row_index"],
		"original_title": item["title"],
	}
}

// DecodeTitle unescapes the slug segment of an experience URL.
func DecodeTitle(encoded string) string {
	title, err := url.QueryUnescape(encoded)
	if err != nil {
		title = strings.ReplaceAll(encoded, "+", " ")
	}
	return strings.TrimSpace(title)
}

// CleanTitle removes escape leftovers and collapses whitespace.
func CleanTitle(title string) string {
	title = percentEscape.ReplaceAllString(title, " ")
	return strings.TrimSpace(whitespace.ReplaceAllString(title, " "))
}
