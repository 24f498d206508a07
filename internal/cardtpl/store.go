// Package cardtpl loads card templates from disk and fills them through an
// explicit list of DOM mutations.
package cardtpl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ErrTemplateNotFound is returned when a template directory lacks its HTML
// or stylesheet.
var ErrTemplateNotFound = errors.New("template not found")

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Template is a loaded HTML document and its stylesheet.
type Template struct {
	Name string
	HTML string
	CSS  string
}

// ///////////////////////////////////////////////
// Store
// ///////////////////////////////////////////////

// Store reads templates from {dir}/{name}/index.html and
// {dir}/{name}/estilos.css, falling back to {dir}/{name}/css/estilos.css.
//
// Loaded templates are kept in memory only while Watch is running, since
// that is what drops them when the files change.
type Store struct {
	dir string
	log *slog.Logger

	mu      sync.RWMutex
	cache   map[string]*Template
	gen     uint64 // bumped by every invalidation
	caching atomic.Bool
}

// NewStore returns a Store over dir.
func NewStore(dir string, log *slog.Logger) *Store {
	return &Store{
		dir:   dir,
		log:   log,
		cache: make(map[string]*Template),
	}
}

// Dir is the templates root.
func (s *Store) Dir() string { return s.dir }

// HasHTML reports whether the template's index.html exists, without
// requiring the stylesheet.
func (s *Store) HasHTML(name string) bool {
	if !nameRe.MatchString(name) {
		return false
	}
	info, err := os.Stat(filepath.Join(s.dir, name, "index.html"))
	return err == nil && info.Mode().IsRegular()
}

// Index returns only the HTML of a template.
func (s *Store) Index(name string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return readTemplateFile(filepath.Join(s.dir, name, "index.html"))
}

// Get returns the named template.
func (s *Store) Get(name string) (*Template, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	s.mu.RLock()
	t, ok := s.cache[name]
	gen := s.gen
	s.mu.RUnlock()
	if ok && s.caching.Load() {
		return t, nil
	}

	t, err := s.load(name)
	if err != nil {
		return nil, err
	}
	s.remember(name, t, gen)
	return t, nil
}

// remember caches t unless an invalidation happened after gen was read,
// in which case t may already be stale.
func (s *Store) remember(name string, t *Template, gen uint64) {
	if !s.caching.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.cache[name] = t
	}
}

func (s *Store) load(name string) (*Template, error) {
	base := filepath.Join(s.dir, name)
	html, err := readTemplateFile(filepath.Join(base, "index.html"))
	if err != nil {
		return nil, err
	}
	css, err := readTemplateFile(filepath.Join(base, "estilos.css"))
	if errors.Is(err, ErrTemplateNotFound) {
		css, err = readTemplateFile(filepath.Join(base, "css", "estilos.css"))
	}
	if err != nil {
		return nil, err
	}
	return &Template{Name: name, HTML: html, CSS: css}, nil
}

func readTemplateFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}
	return string(data), nil
}

func (s *Store) invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if name == "" {
		clear(s.cache)
		return
	}
	delete(s.cache, name)
}

// ///////////////////////////////////////////////
// Watching
// ///////////////////////////////////////////////

// Watch enables caching and drops cached templates whenever a file under the
// templates root changes. It blocks until ctx is done or the watcher fails;
// either way caching is switched off before it returns.
func (s *Store) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer fsw.Close()

	err = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	s.invalidate("")
	s.caching.Store(true)
	defer func() {
		s.caching.Store(false)
		s.invalidate("")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := fsw.Add(ev.Name); err != nil {
						s.log.Warn("cannot watch new template dir", "path", ev.Name, "error", err)
					}
				}
			}
			name := s.templateOf(ev.Name)
			s.invalidate(name)
			s.log.Debug("template changed", "template", name, "op", ev.Op.String())
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("template watcher: %w", err)
		}
	}
}

// templateOf maps a changed path to its template name. Changes at the root
// return "", which drops everything.
func (s *Store) templateOf(path string) string {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return ""
	}
	first, _, found := strings.Cut(filepath.ToSlash(rel), "/")
	if !found {
		return ""
	}
	return first
}
