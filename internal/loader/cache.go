package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Cache is the content-addressed on-disk component cache. Entries are
// named by digest ("sha256-<hex>.wasm") and written atomically:
// temp-then-rename on the same filesystem, with a copy-then-rename
// fallback when the rename crosses devices. The cache is append-only;
// readers racing a writer see either a complete file or none.
type Cache struct {
	dir string
}

// NewCache opens (creating if needed) a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) entryPath(digest string) string {
	// "sha256:abc…" → "sha256-abc….wasm"
	return filepath.Join(c.dir, strings.ReplaceAll(digest, ":", "-")+".wasm")
}

// Get returns the cached bytes for a digest, or (nil, false) on miss.
func (c *Cache) Get(digest string) ([]byte, bool) {
	data, err := os.ReadFile(c.entryPath(digest))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores bytes under a digest. Concurrent writers of the same
// digest are harmless: content addressing makes every write of a key
// byte-identical.
func (c *Cache) Put(digest string, data []byte) error {
	dst := c.entryPath(digest)

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrCacheIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp: %v", ErrCacheIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp: %v", ErrCacheIO, err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		// EXDEV: the temp dir and destination sit on different
		// filesystems. Copy into the destination directory and rename
		// within it.
		if !errors.Is(err, crossDeviceErr()) {
			return fmt.Errorf("%w: rename: %v", ErrCacheIO, err)
		}
		if err := copyThenRename(tmpName, dst); err != nil {
			return err
		}
	}

	log.Debug().Str("digest", digest).Int("bytes", len(data)).Msg("Component cached")
	return nil
}

func copyThenRename(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: reopen temp: %v", ErrCacheIO, err)
	}
	defer in.Close()

	sibling, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create sibling temp: %v", ErrCacheIO, err)
	}
	sibName := sibling.Name()
	defer os.Remove(sibName)

	if _, err := io.Copy(sibling, in); err != nil {
		sibling.Close()
		return fmt.Errorf("%w: cross-device copy: %v", ErrCacheIO, err)
	}
	if err := sibling.Close(); err != nil {
		return fmt.Errorf("%w: close sibling temp: %v", ErrCacheIO, err)
	}
	if err := os.Rename(sibName, dst); err != nil {
		return fmt.Errorf("%w: rename sibling: %v", ErrCacheIO, err)
	}
	return nil
}
