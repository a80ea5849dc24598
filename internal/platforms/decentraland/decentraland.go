// Package decentraland indexes scenes from the Decentraland Catalyst content
// service.
package decentraland

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
)

// Platform is the registry and source_platform identifier.
const Platform = "decentraland"

// DefaultContentServer is used when api_endpoints.catalyst_content is unset.
const DefaultContentServer = "https://peer.decentraland.org/content"

const (
	defaultMaxItems = 10
	pointersPerCall = 5
)

// ErrNoScenes is returned when every pointer lookup came back empty.
var ErrNoScenes = errors.New("no scenes found in the requested coordinate range")

// landmarks are parcels known to carry deployed scenes: Genesis Plaza and
// its neighbours first, then the larger districts.
var landmarks = [][2]int{
	{-9, -9}, {0, 0}, {-1, 0}, {1, 0}, {0, -1},
	{-20, -20}, {20, 20}, {-50, 50}, {75, -75}, {-100, 0},
}

// Indexer implements indexer.Indexer for Decentraland.
type Indexer struct {
	indexer.DefaultExtractor
}

// New returns a Decentraland adapter.
func New() indexer.Indexer { return &Indexer{} }

// Platform implements indexer.Indexer.
func (*Indexer) Platform() string { return Platform }

// FetchItems looks up scenes by parcel pointer, a few pointers per request.
// Replies are cached for the run's cache_duration.
func (*Indexer) FetchItems(ctx context.Context, env *indexer.Env) ([]indexer.RawItem, error) {
	limit := env.Config.MaxItems
	if limit <= 0 {
		limit = defaultMaxItems
	}
	server := strings.TrimRight(env.Config.Endpoint("catalyst_content", DefaultContentServer), "/")
	pointers := Pointers(limit)

	var scenes []indexer.RawItem
	for start := 0; start < len(pointers); start += pointersPerCall {
		end := min(start+pointersPerCall, len(pointers))
		var body any
		if err := env.GetJSONCached(ctx, ScenesURL(server, pointers[start:end]), &body); err != nil {
			return nil, fmt.Errorf("catalyst scenes: %w", err)
		}
		list, ok := body.([]any)
		if !ok {
			env.Logger.Warn("unexpected catalyst response, expected an array",
				zap.String("type", fmt.Sprintf("%T", body)))
			continue
		}
		for _, entry := range list {
			if scene, ok := entry.(map[string]any); ok {
				scenes = append(scenes, scene)
			}
		}
	}
	env.Logger.Info("retrieved scenes from catalyst", zap.Int("scenes", len(scenes)))
	if len(scenes) == 0 {
		return nil, ErrNoScenes
	}
	return scenes, nil
}

// ProcessItem lifts coordinates and display fields out of a Catalyst entity.
func (*Indexer) ProcessItem(_ context.Context, scene indexer.RawItem) (indexer.RawItem, error) {
	out := indexer.RawItem{
		"id":            scene["id"],
		"type":          scene["type"],
		"timestamp":     scene["timestamp"],
		"pointers":      scene["pointers"],
		"metadata":      scene["metadata"],
		"content_files": scene["content"],
	}
	if ptrs, ok := scene["pointers"].([]any); ok && len(ptrs) > 0 {
		if first, ok := ptrs[0].(string); ok {
			if x, y, err := ParsePointer(first); err == nil {
				out["x"], out["y"] = x, y
			}
		}
	}
	if meta, ok := scene["metadata"].(map[string]any); ok {
		if display, ok := meta["display"].(map[string]any); ok {
			out["scene_title"] = indexer.String(display, "title")
			out["scene_description"] = indexer.String(display, "description")
			out["scene_thumbnail"] = indexer.String(display, "navmapThumbnail")
		}
	}
	return out, nil
}

// ExtractExternalID uses the entity hash, falling back to the parcel.
func (*Indexer) ExtractExternalID(item indexer.RawItem) string {
	if id := indexer.String(item, "id"); id != "" {
		return id
	}
	x, y, ok := coords(item)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d,%d", x, y)
}

// ExtractContentType implements indexer.Extractor.
func (*Indexer) ExtractContentType(item indexer.RawItem) string {
	if t := indexer.String(item, "type"); t != "" {
		return t
	}
	return "scene"
}

// ExtractTitle implements indexer.Extractor.
func (*Indexer) ExtractTitle(item indexer.RawItem) string {
	if t := indexer.String(item, "scene_title"); t != "" {
		return t
	}
	x, y, _ := coords(item)
	return fmt.Sprintf("Scene (%d, %d)", x, y)
}

// ExtractDescription implements indexer.Extractor.
func (*Indexer) ExtractDescription(item indexer.RawItem) string {
	if d := indexer.String(item, "scene_description"); d != "" {
		return d
	}
	x, y, _ := coords(item)
	return fmt.Sprintf("Decentraland scene at coordinates (%d, %d)", x, y)
}

// ExtractAuthor reads metadata.contact.name, then metadata.owner.
func (*Indexer) ExtractAuthor(item indexer.RawItem) string {
	meta, ok := item["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	if contact, ok := meta["contact"].(map[string]any); ok {
		if name := indexer.String(contact, "name"); name != "" {
			return name
		}
	}
	return indexer.String(meta, "owner")
}

// ExtractCoordinates implements indexer.Extractor.
func (*Indexer) ExtractCoordinates(item indexer.RawItem) *crawler.Coordinates {
	x, y, ok := coords(item)
	if !ok {
		return nil
	}
	return &crawler.Coordinates{X: float64(x), Y: float64(y), Platform: Platform}
}

// ExtractMetadata implements indexer.Extractor.
func (*Indexer) ExtractMetadata(item indexer.RawItem) map[string]any {
	files, _ := item["content_files"].([]any)
	out := map[string]any{
		"scene_id":            item["id"],
		"scene_type":          item["type"],
		"timestamp":           item["timestamp"],
		"pointers":            item["pointers"],
		"content_files_count": len(files),
	}
	if x, y, ok := coords(item); ok {
		out["coordinates"] = map[string]any{"x": x, "y": y}
	}
	if meta, ok := item["metadata"].(map[string]any); ok {
		scene := map[string]any{}
		for src, dst := range map[string]string{
			"display":               "display",
			"scene":                 "scene",
			"spawnPoints":           "spawn_points",
			"requiredPermissions":   "permissions",
			"allowedMediaHostnames": "allowed_media",
		} {
			if v, ok := meta[src]; ok && v != nil {
				scene[dst] = v
			}
		}
		out["scene_metadata"] = scene
	}
	if len(files) > 0 {
		list := make([]map[string]any, 0, len(files))
		for _, f := range files {
			if m, ok := f.(map[string]any); ok {
				list = append(list, map[string]any{"file": m["file"], "hash": m["hash"]})
			}
		}
		out["content_files"] = list
	}
	return out
}

// Pointers returns up to n parcel pointers in "x,y" form.
func Pointers(n int) []string {
	n = min(n, len(landmarks))
	out := make([]string, n)
	for i := range n {
		out[i] = fmt.Sprintf("%d,%d", landmarks[i][0], landmarks[i][1])
	}
	return out
}

// ScenesURL builds the entities query for pointers against server.
func ScenesURL(server string, pointers []string) string {
	q := url.Values{"pointer": pointers}
	return server + "/entities/scenes?" + q.Encode()
}

// ParsePointer splits an "x,y" parcel pointer.
func ParsePointer(p string) (int, int, error) {
	xs, ys, ok := strings.Cut(p, ",")
	if !ok {
		return 0, 0, fmt.Errorf("pointer %q: missing comma", p)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return 0, 0, fmt.Errorf("pointer %q: %w", p, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return 0, 0, fmt.Errorf("pointer %q: %w", p, err)
	}
	return x, y, nil
}

func coords(item indexer.RawItem) (int, int, bool) {
	x, okX := item["x"].(int)
	y, okY := item["y"].(int)
	return x, y, okX && okY
}
