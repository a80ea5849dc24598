package detector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

func TestDetect_CloudflareTitle(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	err := d.Detect(crawler.Response{
		URL:        "https://www.sandbox.game/__sitemap__/experiences.xml",
		StatusCode: 200,
		Body:       []byte(`<html><head><title>Just a moment...</title></head><body></body></html>`),
	})
	var cf *crawler.CloudflareBlockError
	require.ErrorAs(t, err, &cf)
	require.Equal(t, "title: just a moment...", cf.Marker)
}

func TestDetect_CloudflareSelector(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	err := d.Detect(crawler.Response{
		StatusCode: 200,
		Body:       []byte(`<html><body><div id="cf-wrapper"><p>Checking</p></div></body></html>`),
	})
	var cf *crawler.CloudflareBlockError
	require.ErrorAs(t, err, &cf)
	require.Equal(t, "#cf-wrapper", cf.Marker)
}

func TestDetect_CloudflareKeyword(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	err := d.Detect(crawler.Response{
		StatusCode: 200,
		Body:       []byte(`<script src="/cdn-cgi/challenge-platform/h/b/orchestrate/jsch/v1"></script>`),
	})
	var cf *crawler.CloudflareBlockError
	require.ErrorAs(t, err, &cf)
}

func TestDetect_CloudflareMitigatedHeader(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	err := d.Detect(crawler.Response{
		StatusCode: http.StatusForbidden,
		Header:     http.Header{"Cf-Mitigated": {"challenge"}},
	})
	var cf *crawler.CloudflareBlockError
	require.ErrorAs(t, err, &cf)
	require.Equal(t, http.StatusForbidden, cf.StatusCode)
}

func TestDetect_BotWall(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	err := d.Detect(crawler.Response{
		StatusCode: 200,
		Body:       []byte(`<html><body><h1>Access Denied</h1></body></html>`),
	})
	var bot *crawler.BotProtectionError
	require.ErrorAs(t, err, &bot)
	require.Equal(t, "access denied", bot.Marker)
}

func TestDetect_RenderedForbiddenIsBlock(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	err := d.Detect(crawler.Response{
		StatusCode: http.StatusForbidden,
		Body:       []byte(`<html><body><p>nope</p></body></html>`),
	})
	var bot *crawler.BotProtectionError
	require.ErrorAs(t, err, &bot)
}

func TestDetect_RealContentPasses(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	body := `<?xml version="1.0" encoding="UTF-8"?>
<urlset><url><loc>https://www.sandbox.game/en/experiences/Zombie%20Island/0b2f8a52-3c1e-4a5b-9a55-1b9b1c2d3e4f/page</loc></url></urlset>`
	require.NoError(t, d.Detect(crawler.Response{StatusCode: 200, Body: []byte(body)}))
	require.NoError(t, d.Detect(crawler.Response{StatusCode: 200}))
}

func TestDetect_NilDetector(t *testing.T) {
	t.Parallel()

	var d *Detector
	require.NoError(t, d.Detect(crawler.Response{StatusCode: 403}))
}
