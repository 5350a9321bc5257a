package registry

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/wassette/wassette/internal/executor"
)

// warmImageCapacity bounds how many unreferenced compiled images stay
// warm for digest-level reload short-circuiting.
const warmImageCapacity = 32

type warmCache = lru.Cache[string, *executor.Image]

func newImagePool() *imagePool {
	warm, _ := lru.NewWithEvict[string, *executor.Image](warmImageCapacity,
		func(key string, img *executor.Image) {
			// Evicted images have no referents; closing is safe.
			if err := img.Close(context.Background()); err != nil {
				log.Warn().Err(err).Str("image", key).Msg("Closing evicted image failed")
			}
		})
	return &imagePool{
		active: make(map[string]*imageRef),
		warm:   warm,
	}
}

func imageKey(digest string, memBytes uint64) string {
	return fmt.Sprintf("%s@%d", digest, memBytes)
}

// acquire returns a referenced image for (digest, memory ceiling),
// reusing a live or warm image when the digest was seen before and
// compiling otherwise.
func (p *imagePool) acquire(ctx context.Context, engine *executor.Engine, digest string, memBytes uint64, wasm []byte) (*imageRef, error) {
	key := imageKey(digest, memBytes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.active[key]; ok {
		ref.refs++
		return ref, nil
	}
	if img, ok := p.warm.Get(key); ok {
		p.warm.Remove(key)
		ref := &imageRef{key: key, img: img, refs: 1}
		p.active[key] = ref
		log.Debug().Str("image", key).Msg("Reusing warm component image")
		return ref, nil
	}

	img, err := engine.Compile(ctx, wasm, memBytes)
	if err != nil {
		return nil, err
	}
	ref := &imageRef{key: key, img: img, refs: 1}
	p.active[key] = ref
	return ref, nil
}

// release drops one reference; the last reference retires the image
// into the warm cache rather than closing it, so a reload of the same
// digest skips recompilation.
func (p *imagePool) release(ref *imageRef) {
	if ref == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ref.refs--
	if ref.refs > 0 {
		return
	}
	delete(p.active, ref.key)
	p.warm.Add(ref.key, ref.img)
}

// close tears down every warm image. Active images are the components'
// problem; the manager drains those first.
func (p *imagePool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warm.Purge()
}
