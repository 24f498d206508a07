// Package render turns a cache key into a PNG on disk, rendering it on a
// miss.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"result-cards/internal/designs"
	"result-cards/internal/imagecache"
)

// Designs is the template side of a render.
type Designs interface {
	Check(name string) error
	Size(ctx context.Context, name, event, participant string) (designs.Size, error)
}

// Capturer screenshots a URL.
type Capturer interface {
	Capture(ctx context.Context, url string, width, height int) ([]byte, error)
}

// Renderer resolves keys to cached PNG files.
type Renderer struct {
	cache   *imagecache.Cache
	designs Designs
	shots   Capturer
	selfURL string
	log     *slog.Logger

	group singleflight.Group
}

// New returns a Renderer. selfURL is the base URL the browser uses to reach
// this service's template pages.
func New(cache *imagecache.Cache, d Designs, shots Capturer, selfURL string, log *slog.Logger) *Renderer {
	return &Renderer{
		cache:   cache,
		designs: d,
		shots:   shots,
		selfURL: strings.TrimRight(selfURL, "/"),
		log:     log,
	}
}

// Ensure returns the path of the PNG for k, rendering it first when it is
// not cached. Concurrent calls for one key share a single render, which
// keeps running if the caller that started it goes away.
func (r *Renderer) Ensure(ctx context.Context, k imagecache.Key) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	if r.cache.Exists(k) {
		return r.cache.Path(k), nil
	}

	ch := r.group.DoChan(k.Name(), func() (any, error) {
		return r.render(context.WithoutCancel(ctx), k)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Renderer) render(ctx context.Context, k imagecache.Key) (string, error) {
	if r.cache.Exists(k) {
		return r.cache.Path(k), nil
	}
	if err := r.designs.Check(k.Template); err != nil {
		return "", err
	}
	size, err := r.designs.Size(ctx, k.Template, k.Event, k.Participant)
	if err != nil {
		return "", fmt.Errorf("size of %s: %w", k.Name(), err)
	}

	start := time.Now()
	png, err := r.shots.Capture(ctx, r.PageURL(k), size.Width, size.Height)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", k.Name(), err)
	}
	if err := r.cache.Write(k, png); err != nil {
		return "", fmt.Errorf("store %s: %w", k.Name(), err)
	}

	r.log.Info("card rendered", "key", k.Name(), "width", size.Width, "height", size.Height, "elapsed", time.Since(start).Round(time.Millisecond))
	return r.cache.Path(k), nil
}

// PageURL is the template page the browser loads for k.
func (r *Renderer) PageURL(k imagecache.Key) string {
	q := url.Values{"event": {k.Event}, "participant": {k.Participant}}
	return r.selfURL + "/template/" + url.PathEscape(k.Template) + "/image?" + q.Encode()
}
