// Package loader fetches component artifacts from their origins and
// delivers raw bytes plus provenance metadata. Three origin schemes
// are supported:
//
//	file://  absolute path to a local .wasm file
//	https:// TLS-only HTTP fetch with bounded redirects and body size
//	oci://   registry artifact, resolved and pulled via ORAS, backed by
//	         a content-addressed on-disk cache
//
// The loader never validates that the bytes form a well-formed
// component; that is the lifecycle manager's next step. All loader
// failures are recoverable: a failed load installs no state anywhere.
package loader

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Failure taxa. The lifecycle manager maps these onto MCP error codes.
var (
	ErrOriginScheme = errors.New("unsupported origin scheme")
	ErrNotFound     = errors.New("artifact not found")
	ErrTooLarge     = errors.New("artifact exceeds size limit")
	ErrTransport    = errors.New("transport error")
	ErrCacheIO      = errors.New("component cache I/O error")
)

// Scheme is a recognized origin scheme.
type Scheme string

const (
	SchemeFile  Scheme = "file"
	SchemeHTTPS Scheme = "https"
	SchemeOCI   Scheme = "oci"
)

// Origin is a parsed origin reference.
type Origin struct {
	Scheme Scheme
	Raw    string

	// Path is set for file origins: the canonicalized absolute path.
	Path string

	// URL is set for https origins.
	URL *url.URL

	// Reference is set for oci origins: "registry/repository:tag" or
	// "registry/repository@digest" without the scheme prefix.
	Reference string
}

// ParseOrigin parses and validates an origin reference. Relative
// filesystem paths, non-.wasm local paths, plain http, and unknown
// schemes are all rejected here, before any I/O happens.
func ParseOrigin(raw string) (*Origin, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrOriginScheme, raw)
	}
	switch Scheme(scheme) {
	case SchemeFile:
		return parseFileOrigin(raw, rest)
	case SchemeHTTPS:
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOriginScheme, err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("%w: https origin missing host", ErrOriginScheme)
		}
		return &Origin{Scheme: SchemeHTTPS, Raw: raw, URL: u}, nil
	case SchemeOCI:
		if rest == "" || !strings.Contains(rest, "/") {
			return nil, fmt.Errorf("%w: oci origin %q must name registry/repository", ErrOriginScheme, raw)
		}
		return &Origin{Scheme: SchemeOCI, Raw: raw, Reference: rest}, nil
	case "http":
		return nil, fmt.Errorf("%w: plain http is not allowed, use https", ErrOriginScheme)
	default:
		return nil, fmt.Errorf("%w: %q", ErrOriginScheme, scheme)
	}
}

func parseFileOrigin(raw, rest string) (*Origin, error) {
	if !strings.HasPrefix(rest, "/") {
		return nil, fmt.Errorf("%w: file origin must be an absolute path", ErrOriginScheme)
	}
	if !strings.HasSuffix(rest, ".wasm") {
		return nil, fmt.Errorf("%w: file origin must point at a .wasm file", ErrOriginScheme)
	}
	canonical := filepath.Clean(rest)
	for _, seg := range strings.Split(filepath.ToSlash(rest), "/") {
		if seg == ".." {
			return nil, fmt.Errorf("%w: file origin must not traverse parents", ErrOriginScheme)
		}
	}
	return &Origin{Scheme: SchemeFile, Raw: raw, Path: canonical}, nil
}

// Name derives a default component id from the origin: the artifact's
// base name without extension for files and URLs, the repository base
// name for oci references.
func (o *Origin) Name() string {
	switch o.Scheme {
	case SchemeFile:
		return strings.TrimSuffix(filepath.Base(o.Path), ".wasm")
	case SchemeHTTPS:
		return strings.TrimSuffix(filepath.Base(o.URL.Path), ".wasm")
	case SchemeOCI:
		repo, _ := splitReference(o.Reference)
		return repo[strings.LastIndex(repo, "/")+1:]
	}
	return ""
}
