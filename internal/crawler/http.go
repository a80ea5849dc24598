package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Request describes one outbound exchange.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Accept returns the Accept header of the request.
func (r Request) Accept() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Accept")
}

// WantsRendered reports whether the caller asked for an HTML page, which
// selects the headless rendering mode.
func (r Request) WantsRendered() bool {
	return strings.Contains(strings.ToLower(r.Accept()), "text/html")
}

// Response is the uniform result of either fetch mode.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Rendered   bool
	Duration   time.Duration
}

// Success reports a 2xx status.
func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ParsedBody decodes the body as JSON into generic values. Non-JSON bodies
// return the raw string.
func (r Response) ParsedBody() any {
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return string(r.Body)
	}
	return v
}

// DecodeJSON unmarshals the body into v.
func (r Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.URL, err)
	}
	return nil
}
