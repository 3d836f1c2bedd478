package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Fetcher retrieves a document or payload by locator. Locators are either
// absolute URLs or paths relative to the fetcher's base.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// StatusError is returned for a non-2xx HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// NewFetcher picks a fetcher for base: http(s) URLs fetch over HTTP,
// file:// URLs and plain paths read from disk.
func NewFetcher(base string, log *zap.Logger) (Fetcher, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPFetcher(base, log)
	case "file":
		return &FileFetcher{Root: u.Path}, nil
	case "":
		return &FileFetcher{Root: base}, nil
	}
	return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// HTTPFetcher fetches over HTTP, retrying transport errors and 5xx
// responses with exponential backoff.
type HTTPFetcher struct {
	Base       *url.URL
	Client     *http.Client
	MaxElapsed time.Duration
	log        *zap.Logger
}

func NewHTTPFetcher(base string, log *zap.Logger) (*HTTPFetcher, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base %q: %w", base, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPFetcher{
		Base:       u,
		Client:     &http.Client{Timeout: 30 * time.Second},
		MaxElapsed: 10 * time.Second,
		log:        log.Named("fetch"),
	}, nil
}

// Resolve returns the absolute URL for locator.
func (f *HTTPFetcher) Resolve(locator string) (string, error) {
	ref, err := url.Parse(strings.TrimLeft(locator, "/"))
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	return f.Base.ResolveReference(ref).String(), nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	target, err := f.Resolve(locator)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", locator, err)
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &StatusError{URL: target, Code: resp.StatusCode}
			if resp.StatusCode >= 500 {
				return serr
			}
			return backoff.Permanent(serr)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = f.MaxElapsed
	notify := func(err error, wait time.Duration) {
		f.log.Warn("fetch retry", zap.String("url", target), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}

// FileFetcher reads locators relative to a local directory.
type FileFetcher struct {
	Root string
}

func (f *FileFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p, ok := strings.CutPrefix(locator, "file://"); ok {
		return os.ReadFile(p)
	}
	return os.ReadFile(filepath.Join(f.Root, filepath.FromSlash(strings.TrimLeft(locator, "/"))))
}

// IsNotFound reports whether err means the locator does not exist.
func IsNotFound(err error) bool {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Code == http.StatusNotFound
	}
	return errors.Is(err, os.ErrNotExist)
}
