package persist

import (
	"fmt"
	"sort"
	"strings"
)

// TransformOptions describe which rendition of a source asset an entry
// holds. The core treats the descriptor as opaque key material; only
// SourceID and Derivative are also surfaced in cache tags.
type TransformOptions struct {
	// SourceID identifies the source asset.
	SourceID string

	// Derivative names the quality variant.
	Derivative string

	// Params carries any further transform parameters.
	Params map[string]string
}

// Key generates a deterministic storage key for a path and its
// transform options.
// Format: video:path:derivative=name:source=id:param1=val1
//
// Example:
//
//	video:videos/clip.mp4:derivative=mobile:source=abc123
func Key(path string, opts TransformOptions) string {
	parts := []string{"video"}

	trimmed := strings.Trim(path, "/")
	if trimmed != "" {
		parts = append(parts, trimmed)
	}

	if opts.Derivative != "" {
		parts = append(parts, fmt.Sprintf("derivative=%s", opts.Derivative))
	}
	if opts.SourceID != "" {
		parts = append(parts, fmt.Sprintf("source=%s", opts.SourceID))
	}

	// Extra params sorted for determinism.
	if len(opts.Params) > 0 {
		keys := make([]string, 0, len(opts.Params))
		for key := range opts.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, opts.Params[key]))
		}
	}

	return strings.Join(parts, ":")
}
