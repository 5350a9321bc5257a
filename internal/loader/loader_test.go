package loader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLoader(t *testing.T, maxBytes int64) *Loader {
	t.Helper()
	l, err := New(t.TempDir(), maxBytes)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

// ── Origin grammar ──────────────────────────────────────────

func TestParseOrigin(t *testing.T) {
	cases := []struct {
		raw        string
		wantScheme Scheme
		wantErr    bool
	}{
		{"file:///opt/tools/fetch.wasm", SchemeFile, false},
		{"https://example.com/fetch.wasm", SchemeHTTPS, false},
		{"oci://ghcr.io/acme/fetch:1.0", SchemeOCI, false},
		{"oci://ghcr.io/acme/fetch@sha256:abc", SchemeOCI, false},
		{"http://example.com/fetch.wasm", "", true},   // plain http rejected
		{"ftp://example.com/fetch.wasm", "", true},    // unknown scheme
		{"file://relative/path.wasm", "", true},       // not absolute
		{"file:///opt/tools/fetch.txt", "", true},     // not .wasm
		{"file:///opt/../../etc/shadow.wasm", "", true}, // parent traversal
		{"/opt/tools/fetch.wasm", "", true},           // no scheme
		{"oci://justaregistry", "", true},             // no repository
	}
	for _, tc := range cases {
		origin, err := ParseOrigin(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseOrigin(%q) accepted invalid origin", tc.raw)
			} else if !errors.Is(err, ErrOriginScheme) {
				t.Errorf("ParseOrigin(%q) error = %v, want ErrOriginScheme", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseOrigin(%q) error = %v", tc.raw, err)
			continue
		}
		if origin.Scheme != tc.wantScheme {
			t.Errorf("ParseOrigin(%q).Scheme = %q, want %q", tc.raw, origin.Scheme, tc.wantScheme)
		}
	}
}

func TestOriginName(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"file:///opt/tools/fetch.wasm", "fetch"},
		{"https://example.com/dl/scan.wasm", "scan"},
		{"oci://ghcr.io/acme/fetch:1.0", "fetch"},
		{"oci://ghcr.io/acme/fetch@sha256:abc", "fetch"},
	}
	for _, tc := range cases {
		origin, err := ParseOrigin(tc.raw)
		if err != nil {
			t.Fatalf("ParseOrigin(%q) error = %v", tc.raw, err)
		}
		if got := origin.Name(); got != tc.want {
			t.Errorf("Name(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

// ── File origin ─────────────────────────────────────────────

func TestFetchFile(t *testing.T) {
	l := newTestLoader(t, 1<<20)
	dir := t.TempDir()
	path := filepath.Join(dir, "tool.wasm")
	content := []byte("\x00asm fake module")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	origin, err := ParseOrigin("file://" + path)
	if err != nil {
		t.Fatalf("ParseOrigin() error = %v", err)
	}
	data, prov, err := l.Fetch(context.Background(), origin)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != string(content) {
		t.Error("Fetch() returned different bytes")
	}
	if !strings.HasPrefix(prov.Digest, "sha256:") {
		t.Errorf("Provenance.Digest = %q, want sha256 prefix", prov.Digest)
	}
	if prov.Origin != origin.Raw {
		t.Errorf("Provenance.Origin = %q, want %q", prov.Origin, origin.Raw)
	}
}

func TestFetchFileNotFound(t *testing.T) {
	l := newTestLoader(t, 1<<20)
	origin, _ := ParseOrigin("file:///definitely/not/here.wasm")
	if _, _, err := l.Fetch(context.Background(), origin); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestFetchFileTooLarge(t *testing.T) {
	l := newTestLoader(t, 4)
	path := filepath.Join(t.TempDir(), "big.wasm")
	if err := os.WriteFile(path, []byte("way past the limit"), 0o644); err != nil {
		t.Fatal(err)
	}
	origin, _ := ParseOrigin("file://" + path)
	if _, _, err := l.Fetch(context.Background(), origin); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Fetch() error = %v, want ErrTooLarge", err)
	}
}

// ── HTTPS origin ────────────────────────────────────────────

// httpsOrigin points an Origin at a httptest TLS server whose client
// certs the loader trusts.
func httpsOrigin(t *testing.T, l *Loader, srv *httptest.Server, path string) *Origin {
	t.Helper()
	l.client = srv.Client()
	origin, err := ParseOrigin("https://" + strings.TrimPrefix(srv.URL, "https://") + path)
	if err != nil {
		t.Fatalf("ParseOrigin() error = %v", err)
	}
	return origin
}

func TestFetchHTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("component bytes"))
	}))
	defer srv.Close()

	l := newTestLoader(t, 1<<20)
	origin := httpsOrigin(t, l, srv, "/tool.wasm")

	data, prov, err := l.Fetch(context.Background(), origin)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != "component bytes" {
		t.Errorf("Fetch() = %q", data)
	}
	if prov.Digest == "" {
		t.Error("Provenance.Digest empty")
	}
}

func TestFetchHTTPSNotFound(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	l := newTestLoader(t, 1<<20)
	origin := httpsOrigin(t, l, srv, "/missing.wasm")
	if _, _, err := l.Fetch(context.Background(), origin); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestFetchHTTPSTooLarge(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	l := newTestLoader(t, 16)
	origin := httpsOrigin(t, l, srv, "/big.wasm")
	if _, _, err := l.Fetch(context.Background(), origin); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Fetch() error = %v, want ErrTooLarge", err)
	}
}

// ── Cache ───────────────────────────────────────────────────

func TestCachePutGet(t *testing.T) {
	c, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}

	digest := "sha256:deadbeef"
	if _, ok := c.Get(digest); ok {
		t.Fatal("Get() hit on empty cache")
	}
	if err := c.Put(digest, []byte("payload")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data, ok := c.Get(digest)
	if !ok || string(data) != "payload" {
		t.Errorf("Get() = (%q, %v), want (payload, true)", data, ok)
	}
}

func TestCacheWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	if err := c.Put("sha256:aa", []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// No temp files linger after a completed write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("cache has %d entries, want 1", len(entries))
	}
	if entries[0].Name() != "sha256-aa.wasm" {
		t.Errorf("entry name = %q, want sha256-aa.wasm", entries[0].Name())
	}
}

func TestCacheOverwriteSameDigest(t *testing.T) {
	c, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put("sha256:bb", []byte("same")); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("sha256:bb", []byte("same")); err != nil {
		t.Errorf("second Put() of same digest error = %v", err)
	}
}

// ── OCI reference splitting ─────────────────────────────────

func TestSplitReference(t *testing.T) {
	cases := []struct {
		ref      string
		wantRepo string
		wantTag  string
	}{
		{"ghcr.io/acme/fetch:1.0", "ghcr.io/acme/fetch", "1.0"},
		{"ghcr.io/acme/fetch@sha256:abc", "ghcr.io/acme/fetch", "sha256:abc"},
		{"ghcr.io/acme/fetch", "ghcr.io/acme/fetch", "latest"},
		{"localhost:5000/tools/scan:2", "localhost:5000/tools/scan", "2"},
	}
	for _, tc := range cases {
		repo, tag := splitReference(tc.ref)
		if repo != tc.wantRepo || tag != tc.wantTag {
			t.Errorf("splitReference(%q) = (%q, %q), want (%q, %q)", tc.ref, repo, tag, tc.wantRepo, tc.wantTag)
		}
	}
}
