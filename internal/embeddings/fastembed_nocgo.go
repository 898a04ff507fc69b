//go:build !cgo

package embeddings

import "errors"

// ErrFastEmbedNotAvailable is returned by the fastembed provider in builds
// without cgo.
var ErrFastEmbedNotAvailable = errors.New("fastembed requires a cgo build; use the openai provider")

func newFastEmbed(FastEmbedConfig) (Provider, error) {
	return nil, ErrFastEmbedNotAvailable
}
