package docstore

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/docintel/internal/resilience"
)

// HTTPOptions configures an HTTPStore.
type HTTPOptions struct {
	BaseURL           string
	Token             string
	UserAgent         string
	MaxBytes          int64
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             resilience.RetryConfig
}

// HTTPStore fetches documents from an object store or file service over
// HTTP. File references are paths under BaseURL, or absolute http(s) URLs.
type HTTPStore struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	opts    HTTPOptions
}

// NewHTTPStore creates an HTTPStore.
func NewHTTPStore(opts HTTPOptions) (*HTTPStore, error) {
	var base *url.URL
	if opts.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
		if err != nil {
			return nil, eris.Wrapf(err, "docstore: parse base url %q", opts.BaseURL)
		}
		base = u
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "docintel/1.0"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Retry.ShouldRetry == nil {
		opts.Retry.ShouldRetry = resilience.IsTransient
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("docstore", "download")
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPStore{
		base:    base,
		client:  &http.Client{Timeout: opts.Timeout, Transport: transport},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(1, int(opts.RequestsPerSecond))),
		opts:    opts,
	}, nil
}

// FileURL implements Store.
func (s *HTTPStore) FileURL(_ context.Context, fileRef string) (string, error) {
	ref := strings.TrimSpace(fileRef)
	if ref == "" {
		return "", nil
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	if s.base == nil {
		return "", nil
	}

	var segments []string
	for _, seg := range strings.Split(ref, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		segments = append(segments, seg)
	}
	return s.base.JoinPath(segments...).String(), nil
}

// Download implements Store. 429 and 5xx responses are retried; 404 is a
// NotFoundError.
func (s *HTTPStore) Download(ctx context.Context, rawURL string) ([]byte, error) {
	return resilience.DoVal(ctx, s.opts.Retry, func(ctx context.Context) ([]byte, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "docstore: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "docstore: create request")
		}
		req.Header.Set("User-Agent", s.opts.UserAgent)
		if s.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.opts.Token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "docstore: get %s", rawURL)
		}
		defer resp.Body.Close() //nolint:errcheck

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			return nil, resilience.NewNotFoundError("file", rawURL)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			zap.L().Warn("docstore: transient status",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
			)
			return nil, resilience.NewTransientError(
				eris.Errorf("docstore: http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
		default:
			return nil, eris.Errorf("docstore: unexpected status %d from %s", resp.StatusCode, rawURL)
		}

		if resp.ContentLength > 0 && s.opts.MaxBytes > 0 && resp.ContentLength > s.opts.MaxBytes {
			return nil, resilience.NewContentError("document " + rawURL + " exceeds size limit")
		}
		return readLimited(resp.Body, s.opts.MaxBytes, rawURL)
	})
}
