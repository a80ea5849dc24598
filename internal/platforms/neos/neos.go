// Package neos indexes public sessions from the NeosVR cloud API.
package neos

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
)

// Platform is the registry and source_platform identifier.
const Platform = "neos"

// API origin and default sessions endpoint.
const (
	APIOrigin               = "https://api.neos.com"
	DefaultSessionsEndpoint = APIOrigin + "/api/sessions"
)

const defaultMaxItems = 100

// outageStatuses are answered by the API while it is down; they end the
// fetch with no items instead of failing the run.
var outageStatuses = map[int]bool{
	http.StatusNotFound:            true,
	http.StatusInternalServerError: true,
	http.StatusServiceUnavailable:  true,
}

// Indexer implements indexer.Indexer for NeosVR.
type Indexer struct {
	indexer.DefaultExtractor
}

// New returns a NeosVR adapter.
func New() indexer.Indexer { return &Indexer{} }

// Platform implements indexer.Indexer.
func (*Indexer) Platform() string { return Platform }

// RobotsExemptOrigins implements indexer.RobotsExempter; the API serves no
// robots.txt.
func (*Indexer) RobotsExemptOrigins() []string { return []string{APIOrigin} }

// FetchItems lists sessions open to anyone.
func (*Indexer) FetchItems(ctx context.Context, env *indexer.Env) ([]indexer.RawItem, error) {
	limit := env.Config.MaxItems
	if limit <= 0 {
		limit = defaultMaxItems
	}
	endpoint := env.Config.Endpoint("sessions", DefaultSessionsEndpoint)

	var body any
	if err := env.GetJSON(ctx, endpoint+"?accessLevel=Anyone", &body); err != nil {
		var httpErr *crawler.HTTPError
		if errors.As(err, &httpErr) && outageStatuses[httpErr.StatusCode] {
			env.Logger.Warn("neos api appears to be down", zap.Int("status", httpErr.StatusCode))
			return nil, nil
		}
		return nil, fmt.Errorf("neos api: %w", err)
	}
	list, ok := body.([]any)
	if !ok {
		env.Logger.Warn("unexpected neos response, expected an array",
			zap.String("type", fmt.Sprintf("%T", body)))
		return nil, nil
	}

	out := make([]indexer.RawItem, 0, min(limit, len(list)))
	for _, entry := range list {
		if len(out) == limit {
			break
		}
		if session, ok := entry.(map[string]any); ok {
			out = append(out, session)
		}
	}
	env.Logger.Info("fetched neos sessions", zap.Int("total", len(list)), zap.Int("kept", len(out)))
	return out, nil
}

// ProcessItem maps the API's SessionInfo onto snake_case fields.
func (*Indexer) ProcessItem(_ context.Context, s indexer.RawItem) (indexer.RawItem, error) {
	id := indexer.String(s, "sessionId")
	if id == "" {
		id = indexer.String(s, "id")
	}
	name := indexer.String(s, "name")
	if name == "" {
		name = "Unnamed Session"
	}
	users, _ := s["sessionUsers"].([]any)
	out := indexer.RawItem{
		"session_id":          id,
		"name":                name,
		"description":         indexer.String(s, "description"),
		"host_username":       indexer.String(s, "hostUsername"),
		"host_user_id":        s["hostUserId"],
		"max_users":           s["maxUsers"],
		"active_users":        s["activeUsers"],
		"access_level":        s["accessLevel"],
		"has_ended":           s["hasEnded"],
		"is_valid":            s["isValid"],
		"universe_id":         s["universeId"],
		"app_version":         s["appVersion"],
		"headless_host":       s["headlessHost"],
		"compatible_version":  s["compatibleVersion"],
		"thumbnail":           s["thumbnail"],
		"tags":                s["tags"],
		"session_users_count": len(users),
	}
	if id != "" {
		out["session_url"] = "neos:///sessions/" + id
	}
	return out, nil
}

// ExtractExternalID uses the session ID, falling back to the name.
func (*Indexer) ExtractExternalID(item indexer.RawItem) string {
	if id := indexer.String(item, "session_id"); id != "" {
		return id
	}
	return indexer.String(item, "name")
}

// ExtractContentType implements indexer.Extractor.
func (*Indexer) ExtractContentType(indexer.RawItem) string { return "session" }

// ExtractTitle implements indexer.Extractor.
func (*Indexer) ExtractTitle(item indexer.RawItem) string {
	return indexer.String(item, "name")
}

// ExtractDescription returns the session description or one built from the
// user counts and host.
func (*Indexer) ExtractDescription(item indexer.RawItem) string {
	if d := strings.TrimSpace(indexer.String(item, "description")); d != "" {
		return d
	}
	var b strings.Builder
	b.WriteString("NeosVR session")
	active, capacity := indexer.String(item, "active_users"), indexer.String(item, "max_users")
	if active != "" && capacity != "" {
		fmt.Fprintf(&b, " (%s/%s users)", active, capacity)
	}
	if host := indexer.String(item, "host_username"); host != "" {
		b.WriteString(" hosted by " + host)
	}
	return b.String()
}

// ExtractAuthor implements indexer.Extractor.
func (*Indexer) ExtractAuthor(item indexer.RawItem) string {
	return indexer.String(item, "host_username")
}

// ExtractMetadata keeps every session field that is set.
func (*Indexer) ExtractMetadata(item indexer.RawItem) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		switch k {
		case "name", "description", "host_username":
			continue
		}
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
