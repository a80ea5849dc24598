package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/metaverse-indexer/internal/config"
	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
)

type nopIndexer struct {
	indexer.DefaultExtractor
	platform string
}

func (n nopIndexer) Platform() string { return n.platform }

func (nopIndexer) FetchItems(context.Context, *indexer.Env) ([]indexer.RawItem, error) {
	return nil, nil
}

func (nopIndexer) ProcessItem(_ context.Context, item indexer.RawItem) (indexer.RawItem, error) {
	return item, nil
}

func descriptor(name string) Descriptor {
	return Descriptor{
		Platform: name,
		New:      func() indexer.Indexer { return nopIndexer{platform: name} },
	}
}

type countingSource struct {
	config.IndexerDocument
	calls int
}

func (c *countingSource) PlatformConfig(platform string) (map[string]any, bool) {
	c.calls++
	return c.IndexerDocument.PlatformConfig(platform)
}

func TestEnabledIsFailClosed(t *testing.T) {
	doc := config.IndexerDocument{
		Environment: "production",
		Base: map[string]map[string]any{
			"decentraland": {"enabled": true},
			"neos":         {"enabled": true},
			"sandbox":      {"enabled": "yes please"},
			"spatial":      {"max_items": 10},
		},
		Overrides: map[string]map[string]any{
			"neos": {"enabled": false},
		},
	}
	r, err := New(doc, []Descriptor{
		descriptor("sandbox"),
		descriptor("decentraland"),
		descriptor("neos"),
		descriptor("spatial"),
		descriptor("unconfigured"),
	})
	require.NoError(t, err)

	enabled := r.Enabled()
	require.Len(t, enabled, 1)
	require.Equal(t, "decentraland", enabled[0].Platform)

	require.False(t, r.IsEnabled("unconfigured"))
	require.False(t, r.IsEnabled("spatial"))
	require.False(t, r.IsEnabled("sandbox"))
}

func TestEnabledAcceptsStringBooleans(t *testing.T) {
	doc := config.IndexerDocument{Base: map[string]map[string]any{
		"neos": {"enabled": "true"},
	}}
	r, err := New(doc, []Descriptor{descriptor("neos")})
	require.NoError(t, err)
	require.True(t, r.IsEnabled("NEOS"))
}

func TestFindAndNames(t *testing.T) {
	r, err := New(config.IndexerDocument{}, []Descriptor{descriptor("sandbox"), descriptor("Neos")})
	require.NoError(t, err)

	require.Equal(t, []string{"neos", "sandbox"}, r.PlatformNames())

	d, ok := r.Find("neos")
	require.True(t, ok)
	require.Equal(t, "neos", d.New().Platform())

	_, ok = r.Find("spatial")
	require.False(t, ok)
}

func TestDiscoveryIsStable(t *testing.T) {
	src := &countingSource{IndexerDocument: config.IndexerDocument{Base: map[string]map[string]any{
		"neos": {"enabled": true},
	}}}
	r, err := New(src, []Descriptor{descriptor("neos"), descriptor("sandbox")})
	require.NoError(t, err)

	first := r.All()
	first[0].Platform = "mutated"
	require.Equal(t, []string{"neos", "sandbox"}, r.PlatformNames())

	require.Len(t, r.Enabled(), 1)
	require.Len(t, r.Enabled(), 1)
	// enabled state is read per call so config reloads are observed
	require.Equal(t, 4, src.calls)
}

func TestNewValidatesDescriptors(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)

	_, err = New(config.IndexerDocument{}, []Descriptor{{Platform: " "}})
	require.ErrorContains(t, err, "no platform")

	_, err = New(config.IndexerDocument{}, []Descriptor{{Platform: "neos"}})
	require.ErrorContains(t, err, "no constructor")

	_, err = New(config.IndexerDocument{}, []Descriptor{descriptor("neos"), descriptor("NEOS")})
	require.ErrorContains(t, err, "registered twice")
}
