package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// maxManifestBody bounds the body read in verify mode.
const maxManifestBody = 1 << 20

// errEmptyPlaylist marks a manifest that parses but lists nothing to play yet.
var errEmptyPlaylist = errors.New("playlist has no segments or variants")

// Outcome classifies one manifest existence check.
type Outcome int

const (
	NotFound Outcome = iota
	Found
	TransportError
)

func (o Outcome) String() string {
	switch o {
	case NotFound:
		return "not_found"
	case Found:
		return "found"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Checker performs a single existence check against a manifest URL.
type Checker interface {
	Check(ctx context.Context, url string) (Outcome, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, url string) (Outcome, error)

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context, url string) (Outcome, error) { return f(ctx, url) }

// HTTPChecker checks manifests over HTTP. By default it issues HEAD and falls
// back to GET when the server rejects HEAD. With Verify set it always GETs and
// requires a parseable playlist with content before reporting Found.
type HTTPChecker struct {
	Client *http.Client
	Verify bool
}

// NewHTTPChecker returns an HTTPChecker with a short per-check timeout.
func NewHTTPChecker(verify bool) *HTTPChecker {
	return &HTTPChecker{Client: &http.Client{Timeout: 5 * time.Second}, Verify: verify}
}

// Check implements Checker.
func (c *HTTPChecker) Check(ctx context.Context, url string) (Outcome, error) {
	method := http.MethodHead
	if c.Verify {
		method = http.MethodGet
	}

	resp, err := c.do(ctx, method, url)
	if err != nil {
		return TransportError, err
	}
	if method == http.MethodHead && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp.Body.Close()
		method = http.MethodGet
		if resp, err = c.do(ctx, method, url); err != nil {
			return TransportError, err
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return NotFound, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return TransportError, fmt.Errorf("manifest check: unexpected status %d", resp.StatusCode)
	}

	if !c.Verify {
		return Found, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBody))
	if err != nil {
		return TransportError, fmt.Errorf("read manifest: %w", err)
	}
	if err := verifyPlaylist(body); err != nil {
		// A half-written manifest is just not ready yet.
		return NotFound, err
	}
	return Found, nil
}

func (c *HTTPChecker) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

func verifyPlaylist(body []byte) error {
	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	switch p := pl.(type) {
	case *playlist.Media:
		if len(p.Segments) == 0 {
			return errEmptyPlaylist
		}
	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return errEmptyPlaylist
		}
	}
	return nil
}
