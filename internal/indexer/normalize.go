package indexer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// ErrMissingExternalID is returned when an item has no usable external ID.
var ErrMissingExternalID = errors.New("item has no external id")

// MaxTitleLength bounds stored titles.
const MaxTitleLength = 255

// standardKeys are lifted into dedicated columns and excluded from metadata.
var standardKeys = []string{"id", "tokenId", "title", "name", "description", "author", "owner"}

// DefaultExtractor implements Extractor for items shaped like generic JSON
// listings. Adapters embed it and override only what differs.
type DefaultExtractor struct{}

// ExtractExternalID reads id, falling back to tokenId.
func (DefaultExtractor) ExtractExternalID(item RawItem) string {
	if id := String(item, "id"); id != "" {
		return id
	}
	return String(item, "tokenId")
}

// ExtractContentType returns "unknown".
func (DefaultExtractor) ExtractContentType(RawItem) string {
	return "unknown"
}

// ExtractTitle reads title, falling back to name.
func (DefaultExtractor) ExtractTitle(item RawItem) string {
	if t := String(item, "title"); t != "" {
		return t
	}
	return String(item, "name")
}

// ExtractDescription reads description.
func (DefaultExtractor) ExtractDescription(item RawItem) string {
	return String(item, "description")
}

// ExtractAuthor reads owner.id or owner.address when owner is an object,
// otherwise author, then owner.
func (DefaultExtractor) ExtractAuthor(item RawItem) string {
	if owner, ok := item["owner"].(map[string]any); ok {
		if id := String(owner, "id"); id != "" {
			return id
		}
		return String(owner, "address")
	}
	if a := String(item, "author"); a != "" {
		return a
	}
	return String(item, "owner")
}

// ExtractMetadata returns every non-standard key.
func (DefaultExtractor) ExtractMetadata(item RawItem) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		out[k] = v
	}
	for _, k := range standardKeys {
		delete(out, k)
	}
	return out
}

// ExtractCoordinates returns nil; spatial adapters override it.
func (DefaultExtractor) ExtractCoordinates(RawItem) *crawler.Coordinates {
	return nil
}

// Normalize builds the IndexedContent for item. Timestamps are left for the
// persistence step.
func Normalize(platform string, ex Extractor, item RawItem) (crawler.IndexedContent, error) {
	id := strings.TrimSpace(ex.ExtractExternalID(item))
	if id == "" {
		return crawler.IndexedContent{}, ErrMissingExternalID
	}
	return crawler.IndexedContent{
		SourcePlatform: platform,
		ExternalID:     id,
		ContentType:    ex.ExtractContentType(item),
		Title:          Truncate(strings.TrimSpace(ex.ExtractTitle(item)), MaxTitleLength),
		Description:    ex.ExtractDescription(item),
		Author:         ex.ExtractAuthor(item),
		Metadata:       ex.ExtractMetadata(item),
		Coordinates:    ex.ExtractCoordinates(item),
	}, nil
}

// String renders item[key] as a string. Numbers are formatted without
// exponent so numeric token IDs survive; nil and absent keys yield "".
func String(item map[string]any, key string) string {
	switch v := item[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
