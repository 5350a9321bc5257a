package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
)

// Media types accepted as a WebAssembly component layer. Registries in
// the wild use all three.
var wasmLayerMediaTypes = map[string]bool{
	"application/wasm":                          true,
	"application/vnd.wasm.content.layer.v1+wasm": true,
	"application/vnd.wasm.component.v1+wasm":     true,
}

// fetchOCI resolves an oci:// reference, consults the content-addressed
// cache by the resolved manifest digest, and on miss pulls the wasm
// layer blob and populates the cache.
func (l *Loader) fetchOCI(ctx context.Context, origin *Origin) ([]byte, *Provenance, error) {
	ref := origin.Reference
	repoRef, tag := splitReference(ref)

	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse reference %q: %v", ErrOriginScheme, ref, err)
	}

	desc, err := repo.Resolve(ctx, tag)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, nil, fmt.Errorf("%w: resolve %s: %v", ErrTransport, ref, err)
	}

	prov := &Provenance{
		Origin:    origin.Raw,
		Digest:    desc.Digest.String(),
		FetchedAt: time.Now().UTC(),
	}

	// Cache first: same digest means same bytes, no network needed.
	if data, ok := l.cache.Get(prov.Digest); ok {
		log.Debug().Str("ref", ref).Str("digest", prov.Digest).Msg("Component cache hit")
		return data, prov, nil
	}

	layer, err := l.resolveWasmLayer(ctx, repo, desc)
	if err != nil {
		return nil, nil, err
	}
	if layer.Size > l.maxBytes {
		return nil, nil, fmt.Errorf("%w: layer is %d bytes (limit %d)", ErrTooLarge, layer.Size, l.maxBytes)
	}

	rc, err := repo.Blobs().Fetch(ctx, *layer)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fetch blob: %v", ErrTransport, err)
	}
	defer rc.Close()

	// content.ReadAll verifies both size and digest of the blob.
	data, err := content.ReadAll(rc, *layer)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read blob: %v", ErrTransport, err)
	}

	if err := l.cache.Put(prov.Digest, data); err != nil {
		return nil, nil, err
	}

	log.Info().Str("ref", ref).Str("digest", prov.Digest).Int("bytes", len(data)).Msg("Pulled component from registry")
	return data, prov, nil
}

// resolveWasmLayer fetches the manifest and picks the layer carrying
// the component bytes.
func (l *Loader) resolveWasmLayer(ctx context.Context, repo *remote.Repository, desc ocispec.Descriptor) (*ocispec.Descriptor, error) {
	rc, err := repo.Manifests().Fetch(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch manifest: %v", ErrTransport, err)
	}
	defer rc.Close()

	raw, err := content.ReadAll(rc, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", ErrTransport, err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %v", ErrTransport, err)
	}

	for i := range manifest.Layers {
		if wasmLayerMediaTypes[manifest.Layers[i].MediaType] {
			return &manifest.Layers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: manifest has no WebAssembly layer", ErrNotFound)
}

// splitReference separates "registry/repo:tag" or "registry/repo@digest"
// into the repository part and the tag/digest part. A missing tag
// defaults to "latest".
func splitReference(ref string) (repo, tag string) {
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}

func isNotFound(err error) bool {
	return errors.Is(err, errdef.ErrNotFound)
}
