package docstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/resilience"
)

// LocalStore serves documents from a directory. File references are paths
// relative to the root.
type LocalStore struct {
	root     string
	maxBytes int64
}

// NewLocalStore creates a LocalStore rooted at root.
func NewLocalStore(root string, maxBytes int64) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: resolve root %s", root)
	}
	return &LocalStore{root: abs, maxBytes: maxBytes}, nil
}

// FileURL implements Store.
func (s *LocalStore) FileURL(_ context.Context, fileRef string) (string, error) {
	path, err := s.resolve(fileRef)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "docstore: stat %s", fileRef)
	}
	if info.IsDir() {
		return "", nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

// Download implements Store for file:// URLs under the root.
func (s *LocalStore) Download(_ context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return nil, eris.Errorf("docstore: not a file url: %q", rawURL)
	}
	path := filepath.FromSlash(u.Path)
	if !s.within(path) {
		return nil, eris.Errorf("docstore: %s is outside %s", path, s.root)
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, resilience.NewNotFoundError("file", rawURL)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return readLimited(f, s.maxBytes, rawURL)
}

func (s *LocalStore) resolve(fileRef string) (string, error) {
	ref := strings.TrimSpace(fileRef)
	if ref == "" {
		return "", eris.New("docstore: empty file reference")
	}
	path := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(ref, "/")))
	if !s.within(path) {
		return "", eris.Errorf("docstore: file reference %q escapes the document root", fileRef)
	}
	return path, nil
}

func (s *LocalStore) within(path string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// readLimited reads r, failing with a ContentError past maxBytes.
func readLimited(r io.Reader, maxBytes int64, name string) ([]byte, error) {
	if maxBytes <= 0 {
		b, err := io.ReadAll(r)
		return b, eris.Wrapf(err, "docstore: read %s", name)
	}
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: read %s", name)
	}
	if int64(len(b)) > maxBytes {
		return nil, resilience.NewContentError("document " + name + " exceeds size limit")
	}
	return b, nil
}
