// Package source opens raw extract streams for the pipeline. Extracts either
// sit on local disk or are pulled straight from an HTTP endpoint; index pages
// that list extract files are handled by the manifest functions.
package source

import (
	"context"
	"fmt"
	"io"
	"os"

	"martetl/internal/config"
)

// OpenFunc matches Open. The pipeline engine takes one as a seam so tests can
// feed in-memory streams without files or servers.
type OpenFunc func(ctx context.Context, s config.Source) (io.ReadCloser, error)

// Open returns the raw byte stream for a configured source. The caller owns
// the returned closer.
func Open(ctx context.Context, s config.Source) (io.ReadCloser, error) {
	switch s.Kind {
	case "file":
		if s.File == nil || s.File.Path == "" {
			return nil, fmt.Errorf("source: file source requires a path")
		}
		f, err := os.Open(s.File.Path)
		if err != nil {
			return nil, fmt.Errorf("source: open %s: %w", s.File.Path, err)
		}
		return f, nil

	case "http":
		if s.HTTP == nil || s.HTTP.URL == "" {
			return nil, fmt.Errorf("source: http source requires a url")
		}
		return openHTTP(ctx, *s.HTTP)

	case "":
		return nil, fmt.Errorf("source: kind is required")
	default:
		return nil, fmt.Errorf("source: unknown kind %q", s.Kind)
	}
}
