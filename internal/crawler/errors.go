package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by stores and the run tracker.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateContent  = errors.New("indexed content already exists")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// RobotsDisallowedError means robots.txt (or the fail-closed fallback) denied the URL.
type RobotsDisallowedError struct {
	URL string
}

func (e *RobotsDisallowedError) Error() string {
	return fmt.Sprintf("robots.txt disallows %s", e.URL)
}

// RateLimitError is transient backpressure communicated by the server.
type RateLimitError struct {
	Domain     string
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s (HTTP %d), retry after %s", e.Domain, e.StatusCode, e.RetryAfter)
}

// ForbiddenAccessError is a hard block; the domain stays quarantined until BlockedUntil.
type ForbiddenAccessError struct {
	Domain       string
	BlockedUntil time.Time
}

func (e *ForbiddenAccessError) Error() string {
	return fmt.Sprintf("access to %s forbidden until %s", e.Domain, e.BlockedUntil.UTC().Format(time.RFC3339))
}

// CloudflareBlockError is raised when a fetched body is a Cloudflare challenge or interstitial.
type CloudflareBlockError struct {
	URL        string
	StatusCode int
	Marker     string
}

func (e *CloudflareBlockError) Error() string {
	return fmt.Sprintf("cloudflare block on %s (HTTP %d, marker %q)", e.URL, e.StatusCode, e.Marker)
}

// BotProtectionError is raised when a fetched body is a generic bot wall or access-denied page.
type BotProtectionError struct {
	URL        string
	StatusCode int
	Marker     string
}

func (e *BotProtectionError) Error() string {
	return fmt.Sprintf("bot protection on %s (HTTP %d, marker %q)", e.URL, e.StatusCode, e.Marker)
}

// HTTPError is an unsuccessful HTTP status that no policy handled.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// DailyLimitError means the platform exhausted its daily request budget.
type DailyLimitError struct {
	Platform string
	Limit    int
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("daily request limit %d reached for %s", e.Limit, e.Platform)
}

// ErrorClass names the most specific typed error in err's chain.
func ErrorClass(err error) string {
	var (
		robots    *RobotsDisallowedError
		rate      *RateLimitError
		forbidden *ForbiddenAccessError
		cf        *CloudflareBlockError
		bot       *BotProtectionError
		httpErr   *HTTPError
		daily     *DailyLimitError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &robots):
		return "RobotsDisallowedError"
	case errors.As(err, &rate):
		return "RateLimitError"
	case errors.As(err, &forbidden):
		return "ForbiddenAccessError"
	case errors.As(err, &cf):
		return "CloudflareBlockError"
	case errors.As(err, &bot):
		return "BotProtectionError"
	case errors.As(err, &daily):
		return "DailyLimitError"
	case errors.As(err, &httpErr):
		return "HTTPError"
	default:
		for {
			inner := errors.Unwrap(err)
			if inner == nil {
				return fmt.Sprintf("%T", err)
			}
			err = inner
		}
	}
}
