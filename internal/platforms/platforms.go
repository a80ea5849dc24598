// Package platforms lists the adapters compiled into the indexer.
package platforms

import (
	"github.com/JakeFAU/metaverse-indexer/internal/platforms/decentraland"
	"github.com/JakeFAU/metaverse-indexer/internal/platforms/neos"
	"github.com/JakeFAU/metaverse-indexer/internal/platforms/sandbox"
	"github.com/JakeFAU/metaverse-indexer/internal/platforms/spatial"
	"github.com/JakeFAU/metaverse-indexer/internal/registry"
)

// Descriptors returns one descriptor per built-in adapter.
func Descriptors() []registry.Descriptor {
	return []registry.Descriptor{
		{
			Platform:    decentraland.Platform,
			Description: "Decentraland scenes from the Catalyst content service",
			New:         decentraland.New,
		},
		{
			Platform:    neos.Platform,
			Description: "NeosVR public sessions",
			New:         neos.New,
		},
		{
			Platform:    sandbox.Platform,
			Description: "The Sandbox experiences sitemap",
			New:         sandbox.New,
		},
		{
			Platform:    spatial.Platform,
			Description: "Spatial.io spaces sitemap",
			New:         spatial.New,
		},
	}
}
