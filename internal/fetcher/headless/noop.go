package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// ErrRendererDisabled is returned by Noop when rendered mode is requested but
// headless Chrome is turned off in configuration.
var ErrRendererDisabled = errors.New("headless renderer not configured")

// Noop implements crawler.Renderer for deployments without Chrome.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails with ErrRendererDisabled.
func (Noop) Render(_ context.Context, _ crawler.Request) (crawler.Response, error) {
	return crawler.Response{}, ErrRendererDisabled
}
