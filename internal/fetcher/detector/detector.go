// Package detector recognizes challenge pages and bot walls inside fetched
// bodies, which the fetch layer surfaces as content-detected block errors.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// Rules lists the markers checked by a Detector. Keywords match
// case-insensitively anywhere in the body; selectors and titles are matched
// against the parsed DOM.
type Rules struct {
	CloudflareSelectors []string
	CloudflareTitles    []string
	CloudflareKeywords  []string
	BotSelectors        []string
	BotKeywords         []string
}

// DefaultRules covers Cloudflare interstitials and common bot walls.
func DefaultRules() Rules {
	return Rules{
		CloudflareSelectors: []string{
			"#challenge-form",
			"#challenge-running",
			"#cf-wrapper",
			"#cf-challenge-running",
			".cf-browser-verification",
			".cf-error-details",
		},
		CloudflareTitles: []string{
			"just a moment...",
			"attention required! | cloudflare",
			"please wait... | cloudflare",
		},
		CloudflareKeywords: []string{
			"cf-chl-",
			"/cdn-cgi/challenge-platform/",
			"cf_chl_opt",
		},
		BotSelectors: []string{
			"#px-captcha",
			".g-recaptcha",
			".h-captcha",
			"iframe[src*='captcha']",
		},
		BotKeywords: []string{
			"access denied",
			"are you a robot",
			"verify you are human",
			"unusual traffic",
			"bot protection",
		},
	}
}

// Detector implements crawler.BlockDetector.
type Detector struct {
	rules       Rules
	cfKeywords  [][]byte
	botKeywords [][]byte
}

// New builds a Detector from rules.
func New(rules Rules) *Detector {
	return &Detector{
		rules:       rules,
		cfKeywords:  lowerAll(rules.CloudflareKeywords),
		botKeywords: lowerAll(rules.BotKeywords),
	}
}

// Detect returns CloudflareBlockError or BotProtectionError when the
// response is a challenge page, and nil otherwise. A 403 that reached the
// renderer is always treated as a block.
func (d *Detector) Detect(resp crawler.Response) error {
	if d == nil {
		return nil
	}
	doc := parse(resp.Body)
	if marker := d.cloudflareMarker(resp, doc); marker != "" {
		return &crawler.CloudflareBlockError{URL: resp.URL, StatusCode: resp.StatusCode, Marker: marker}
	}
	if marker := d.botMarker(resp.Body, doc); marker != "" {
		return &crawler.BotProtectionError{URL: resp.URL, StatusCode: resp.StatusCode, Marker: marker}
	}
	if resp.StatusCode == http.StatusForbidden {
		return &crawler.BotProtectionError{URL: resp.URL, StatusCode: resp.StatusCode, Marker: "HTTP 403"}
	}
	return nil
}

func (d *Detector) cloudflareMarker(resp crawler.Response, doc *goquery.Document) string {
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header != nil && resp.Header.Get("Cf-Mitigated") == "challenge" {
			return "cf-mitigated: challenge"
		}
	}
	if kw := containsAny(resp.Body, d.cfKeywords); kw != "" {
		return kw
	}
	if doc == nil {
		return ""
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, t := range d.rules.CloudflareTitles {
		if title == t {
			return "title: " + t
		}
	}
	return firstSelector(doc, d.rules.CloudflareSelectors)
}

func (d *Detector) botMarker(body []byte, doc *goquery.Document) string {
	if kw := containsAny(body, d.botKeywords); kw != "" {
		return kw
	}
	if doc == nil {
		return ""
	}
	return firstSelector(doc, d.rules.BotSelectors)
}

func parse(body []byte) *goquery.Document {
	if len(body) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	return doc
}

func firstSelector(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() > 0 {
			return sel
		}
	}
	return ""
}

func containsAny(body []byte, keywords [][]byte) string {
	if len(body) == 0 || len(keywords) == 0 {
		return ""
	}
	lower := bytes.ToLower(body)
	for _, kw := range keywords {
		if len(kw) > 0 && bytes.Contains(lower, kw) {
			return string(kw)
		}
	}
	return ""
}

func lowerAll(in []string) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(kw)))
	}
	return out
}
