package service

import (
	"context"

	"github.com/ketolab/ketorank/internal/embed"
)

// unavailableEmbedder stands in for a provider that could not be reached at
// startup. Every call returns the startup error.
type unavailableEmbedder struct {
	provider string
	model    string
	err      error
}

var _ embed.Embedder = (*unavailableEmbedder)(nil)

func (u *unavailableEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, u.err
}

func (u *unavailableEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, u.err
}

func (u *unavailableEmbedder) Dimensions() int { return 0 }

func (u *unavailableEmbedder) ModelName() string {
	if u.model != "" {
		return u.model
	}
	return u.provider
}

func (u *unavailableEmbedder) Available(context.Context) bool { return false }

func (u *unavailableEmbedder) Close() error { return nil }
