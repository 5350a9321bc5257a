package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const maxRedirects = 5

// Provenance records where a component's bytes came from.
type Provenance struct {
	Origin    string    `json:"origin"`
	Digest    string    `json:"digest,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Loader fetches component artifacts. Safe for concurrent use.
type Loader struct {
	cache    *Cache
	client   *http.Client
	maxBytes int64
}

// New creates a loader with the given cache directory and fetch size
// ceiling.
func New(cacheDir string, maxBytes int64) (*Loader, error) {
	cache, err := NewCache(cacheDir)
	if err != nil {
		return nil, err
	}
	return &Loader{
		cache:    cache,
		maxBytes: maxBytes,
		client: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				if req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to non-https URL %s", req.URL)
				}
				return nil
			},
		},
	}, nil
}

// Cache exposes the underlying content-addressed cache.
func (l *Loader) Cache() *Cache { return l.cache }

// Fetch resolves an origin reference and returns the artifact bytes
// with provenance. No partial state survives a failure.
func (l *Loader) Fetch(ctx context.Context, origin *Origin) ([]byte, *Provenance, error) {
	switch origin.Scheme {
	case SchemeFile:
		return l.fetchFile(origin)
	case SchemeHTTPS:
		return l.fetchHTTPS(ctx, origin)
	case SchemeOCI:
		return l.fetchOCI(ctx, origin)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrOriginScheme, origin.Scheme)
	}
}

func (l *Loader) fetchFile(origin *Origin) ([]byte, *Provenance, error) {
	info, err := os.Stat(origin.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, origin.Path)
		}
		return nil, nil, fmt.Errorf("%w: stat %s: %v", ErrTransport, origin.Path, err)
	}
	if info.Size() > l.maxBytes {
		return nil, nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrTooLarge, origin.Path, info.Size(), l.maxBytes)
	}
	data, err := os.ReadFile(origin.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", ErrTransport, origin.Path, err)
	}
	return data, &Provenance{
		Origin:    origin.Raw,
		Digest:    digestOf(data),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (l *Loader) fetchHTTPS(ctx context.Context, origin *Origin) ([]byte, *Provenance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin.URL.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, origin.URL)
	case resp.StatusCode != http.StatusOK:
		return nil, nil, fmt.Errorf("%w: HTTP %d from %s", ErrTransport, resp.StatusCode, origin.URL)
	}
	if resp.ContentLength > l.maxBytes {
		return nil, nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, resp.ContentLength, l.maxBytes)
	}

	// Read one byte past the ceiling so an unannounced oversize body is
	// detected rather than truncated.
	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, l.maxBytes)
	}

	log.Debug().Str("url", origin.URL.String()).Int("bytes", len(data)).Msg("Fetched component over https")
	return data, &Provenance{
		Origin:    origin.Raw,
		Digest:    digestOf(data),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func crossDeviceErr() error { return syscall.EXDEV }
