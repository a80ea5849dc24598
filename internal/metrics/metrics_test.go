package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Peer.Decentraland.org/content", "peer.decentraland.org"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchRequestsTotal == nil || policyEventsTotal == nil || waitSeconds == nil || retriesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservePolicyEvent(t *testing.T) {
	Init()
	before := testutil.ToFloat64(policyEventsTotal.WithLabelValues("blocked.test", EventBlocked))
	ObservePolicyEvent("https://blocked.test/api", EventBlocked)
	ObservePolicyEvent("https://BLOCKED.test/other", EventBlocked)
	after := testutil.ToFloat64(policyEventsTotal.WithLabelValues("blocked.test", EventBlocked))
	if after-before != 2 {
		t.Errorf("expected 2 blocked events, got %f", after-before)
	}
}

func TestObserveFetch(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchRequestsTotal.WithLabelValues("fetch.test", "json", "200"))
	ObserveFetch("https://fetch.test/scenes", "json", 200, 512, 40*time.Millisecond)
	after := testutil.ToFloat64(fetchRequestsTotal.WithLabelValues("fetch.test", "json", "200"))
	if after-before != 1 {
		t.Errorf("expected one fetch, got %f", after-before)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("fetch.test")); val < 512 {
		t.Errorf("expected at least 512 bytes, got %f", val)
	}
}

func TestObserveRetry(t *testing.T) {
	Init()
	ObserveRetry("rate_limit")
	if val := testutil.ToFloat64(retriesTotal.WithLabelValues("rate_limit")); val < 1 {
		t.Errorf("expected rate_limit retry to be counted, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://api.neos.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
