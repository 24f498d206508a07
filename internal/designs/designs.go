// Package designs binds view models to the shipped card templates. Each
// design knows which nodes of its template receive which values and how
// large its screenshot is.
package designs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/webp"

	"result-cards/internal/carddata"
	"result-cards/internal/cardtpl"
	"result-cards/internal/imagecache"
)

// ErrSizeNotFound means a design could not tell its screenshot size.
var ErrSizeNotFound = errors.New("image size not found")

// Size is a viewport in CSS pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Data is what the designs read their values from.
type Data interface {
	Card(ctx context.Context, event, participant string) (*carddata.Card, error)
	Background(ctx context.Context, event, participant string) (carddata.Asset, error)
	Season(ctx context.Context, project string) (*carddata.Season, error)
}

// Fetcher downloads an asset.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type design interface {
	// aggregate designs render one card per event and ignore the
	// participant.
	aggregate() bool
	mutations(ctx context.Context, event, participant string) ([]cardtpl.Mutation, error)
	size(ctx context.Context, tpl string, event, participant string) (Size, error)
}

// Registry resolves template names to designs.
type Registry struct {
	store     *cardtpl.Store
	data      Data
	fetch     Fetcher
	assetBase string
	log       *slog.Logger
	designs   map[string]design
}

// New returns a Registry with the igwin and seasonpoints designs.
func New(store *cardtpl.Store, data Data, fetch Fetcher, assetBase string, log *slog.Logger) *Registry {
	r := &Registry{
		store:     store,
		data:      data,
		fetch:     fetch,
		assetBase: strings.TrimRight(assetBase, "/"),
		log:       log,
	}
	r.designs = map[string]design{
		"igwin":        &igwin{r: r},
		"seasonpoints": &seasonpoints{r: r},
	}
	return r
}

// Names lists the registered designs.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.designs))
	for n := range r.designs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Aggregate reports whether cards of name are keyed by event only.
func (r *Registry) Aggregate(name string) bool {
	d, ok := r.designs[name]
	return ok && d.aggregate()
}

// Key builds the cache key of a card, dropping the participant for
// aggregate designs.
func (r *Registry) Key(name, event, participant string) imagecache.Key {
	if r.Aggregate(name) {
		participant = ""
	}
	return imagecache.Key{Template: name, Event: event, Participant: participant}
}

// Check reports whether name has a design and complete template files.
func (r *Registry) Check(name string) error {
	if _, err := r.lookup(name); err != nil {
		return err
	}
	_, err := r.store.Get(name)
	return err
}

// Page renders the filled template as a self-contained HTML document.
func (r *Registry) Page(ctx context.Context, name, event, participant string) (string, error) {
	d, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	tpl, err := r.store.Get(name)
	if err != nil {
		return "", err
	}
	muts, err := d.mutations(ctx, event, participant)
	if err != nil {
		return "", err
	}
	return cardtpl.Render(tpl, muts)
}

// Size returns the screenshot viewport of a card.
func (r *Registry) Size(ctx context.Context, name, event, participant string) (Size, error) {
	d, err := r.lookup(name)
	if err != nil {
		return Size{}, err
	}
	if !r.store.HasHTML(name) {
		return Size{}, fmt.Errorf("%w: %s", cardtpl.ErrTemplateNotFound, name)
	}
	return d.size(ctx, name, event, participant)
}

func (r *Registry) lookup(name string) (design, error) {
	d, ok := r.designs[name]
	if !ok {
		return nil, fmt.Errorf("%w: no design named %q", cardtpl.ErrTemplateNotFound, name)
	}
	return d, nil
}

func (r *Registry) asset(path string) string {
	return r.assetBase + "/" + path
}

// probeSize downloads an image and reads its dimensions from the header.
func (r *Registry) probeSize(ctx context.Context, url string) (Size, error) {
	data, err := r.fetch.Fetch(ctx, url)
	if err != nil {
		return Size{}, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Size{}, fmt.Errorf("%w: decode %s: %v", ErrSizeNotFound, url, err)
	}
	r.log.Debug("probed background size", "url", url, "format", format, "width", cfg.Width, "height", cfg.Height)
	return Size{Width: cfg.Width, Height: cfg.Height}, nil
}

// parseInt reads a leading base-10 integer the way browsers read numeric
// attributes: leading space is skipped and trailing garbage ignored.
func parseInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\n\r\f\v")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	return n, err == nil
}
