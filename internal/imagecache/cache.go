// Package imagecache stores rendered cards as PNG files, one directory per
// template. A file is written once and never refreshed: its existence alone
// means the card is done.
package imagecache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
)

// Cache is a PNG store rooted at a directory.
type Cache struct {
	root string
}

// New returns a Cache rooted at dir. The directory is created lazily.
func New(dir string) *Cache {
	return &Cache{root: dir}
}

// Path is where the PNG for k lives, whether or not it exists yet.
func (c *Cache) Path(k Key) string {
	return filepath.Join(c.root, k.Template, k.Filename())
}

// Exists probes the filesystem for k.
func (c *Cache) Exists(k Key) bool {
	info, err := os.Stat(c.Path(k))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the cached bytes of k.
func (c *Cache) Read(k Key) ([]byte, error) {
	return os.ReadFile(c.Path(k))
}

// Write stores data for k through a temp file and a rename, so readers never
// see a partial PNG and a failed write leaves nothing behind.
func (c *Cache) Write(k Key, data []byte) error {
	path := c.Path(k)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return writeAtomic(path, data, 0o644)
}

// List returns the cached participant keys of one event, ordered by
// participant id.
func (c *Cache) List(template, event string) ([]Key, error) {
	probe := Key{Template: template, Event: event}
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	pattern := template + "/" + template + "-" + event + "-*.png"
	matches, err := doublestar.Glob(os.DirFS(c.root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}

	keys := make([]Key, 0, len(matches))
	for _, m := range matches {
		k, err := ParseFilename(filepath.Base(m))
		if err != nil || k.Aggregate() {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i].Participant)
		b, errB := strconv.Atoi(keys[j].Participant)
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i].Participant < keys[j].Participant
	})
	return keys, nil
}

func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	done := false
	defer func() {
		if !done {
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	done = true
	return nil
}
