package imagecache

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBadFilename is returned for names outside the
// {template}-{event}[-{participant}].png grammar.
var ErrBadFilename = errors.New("invalid image filename")

// segmentRe restricts every key part to characters that are safe in a path
// and in a glob pattern.
var segmentRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Key identifies one renderable card. Participant is empty for aggregate
// templates whose card depends on the event only.
type Key struct {
	Template    string
	Event       string
	Participant string
}

// Name is the key without extension, e.g. "igwin-1289-387".
func (k Key) Name() string {
	if k.Participant == "" {
		return k.Template + "-" + k.Event
	}
	return k.Template + "-" + k.Event + "-" + k.Participant
}

// Filename is the cache file name, e.g. "igwin-1289-387.png".
func (k Key) Filename() string { return k.Name() + ".png" }

// Aggregate reports whether the key has no participant segment.
func (k Key) Aggregate() bool { return k.Participant == "" }

// Validate checks every present segment.
func (k Key) Validate() error {
	if !segmentRe.MatchString(k.Template) || !segmentRe.MatchString(k.Event) {
		return fmt.Errorf("%w: %q", ErrBadFilename, k.Name())
	}
	if k.Participant != "" && !segmentRe.MatchString(k.Participant) {
		return fmt.Errorf("%w: %q", ErrBadFilename, k.Name())
	}
	return nil
}

// ParseFilename parses "{template}-{event}-{participant}.png" or
// "{template}-{event}.png".
func ParseFilename(name string) (Key, error) {
	if !strings.Contains(name, "-") || !strings.HasSuffix(name, ".png") {
		return Key{}, fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	parts := strings.Split(strings.TrimSuffix(name, ".png"), "-")
	if len(parts) < 2 || len(parts) > 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	k := Key{Template: parts[0], Event: parts[1]}
	if len(parts) == 3 {
		if parts[2] == "" {
			return Key{}, fmt.Errorf("%w: %q: empty participant", ErrBadFilename, name)
		}
		k.Participant = parts[2]
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
