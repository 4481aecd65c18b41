// Package docstore resolves document file references and downloads their
// bytes, and renders the text formats the extraction pipeline can read.
package docstore

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/config"
)

// Store locates and fetches document files.
type Store interface {
	// FileURL resolves a file reference to a downloadable URL. It returns ""
	// when the reference is unknown.
	FileURL(ctx context.Context, fileRef string) (string, error)

	// Download fetches the bytes behind url.
	Download(ctx context.Context, url string) ([]byte, error)
}

// FromConfig builds the configured Store.
func FromConfig(cfg config.DocStoreConfig) (Store, error) {
	switch cfg.Driver {
	case "local", "":
		return NewLocalStore(cfg.Root, cfg.MaxBytes)
	case "http":
		return NewHTTPStore(HTTPOptions{
			BaseURL:           cfg.BaseURL,
			Token:             cfg.Token,
			MaxBytes:          cfg.MaxBytes,
			Timeout:           time.Duration(cfg.TimeoutSecs) * time.Second,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	default:
		return nil, eris.Errorf("docstore: unknown driver %q", cfg.Driver)
	}
}
