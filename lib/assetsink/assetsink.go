// Package assetsink writes downloaded attachments under a single root
// directory, defending against hostile filenames coming off the wire.
package assetsink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forumminer/lib/fingerprint"
)

// ErrUnsafeFilename is returned for names that could escape the sink
// root or collide with special path components.
var ErrUnsafeFilename = errors.New("unsafe asset filename")

// ErrTooLarge is returned when a payload exceeds the configured cap.
var ErrTooLarge = errors.New("asset exceeds size limit")

// DefaultMaxSize caps a single attachment at 64 MiB; forum exports are
// XML and zip files well below that.
const DefaultMaxSize = 64 << 20

type Sink struct {
	root    string
	maxSize int64
}

// Written describes a payload the sink placed on disk.
type Written struct {
	// Filename is the final name under the root, which may carry a
	// collision suffix ("macro_1.xml") when the requested name was
	// already taken by different content.
	Filename string
	Path     string
	Digest   string
	Size     int64
}

func New(root string, maxSize int64) (*Sink, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Sink{root: root, maxSize: maxSize}, nil
}

func (s *Sink) Root() string { return s.root }

// Sanitize validates a filename taken from a URL or header. It must be
// a bare name: no separators, no traversal components, not empty.
func Sanitize(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	}
	if name != filepath.Base(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	}
	return name, nil
}

// Write stores payload under the sanitized name, overwriting a file
// with identical content and suffixing the name when different content
// already owns it.
func (s *Sink) Write(name string, payload []byte) (Written, error) {
	clean, err := Sanitize(name)
	if err != nil {
		return Written{}, err
	}
	if int64(len(payload)) > s.maxSize {
		return Written{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, clean, len(payload))
	}

	digest := fingerprint.Bytes(payload)
	final, err := s.resolveCollision(clean, digest)
	if err != nil {
		return Written{}, err
	}

	path := filepath.Join(s.root, final)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return Written{}, err
	}
	return Written{
		Filename: final,
		Path:     path,
		Digest:   digest,
		Size:     int64(len(payload)),
	}, nil
}

// Update replaces the content of an asset the sink already owns,
// keeping its name. Used when a forum attachment changed in place, as
// opposed to a new attachment that happens to share a name.
func (s *Sink) Update(name string, payload []byte) (Written, error) {
	clean, err := Sanitize(name)
	if err != nil {
		return Written{}, err
	}
	if int64(len(payload)) > s.maxSize {
		return Written{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, clean, len(payload))
	}

	path := filepath.Join(s.root, clean)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return Written{}, err
	}
	return Written{
		Filename: clean,
		Path:     path,
		Digest:   fingerprint.Bytes(payload),
		Size:     int64(len(payload)),
	}, nil
}

// resolveCollision finds a free name: the requested one if unused or
// holding the same bytes, otherwise name_1.ext, name_2.ext, ...
func (s *Sink) resolveCollision(name, digest string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := name
	for i := 0; ; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(s.root, candidate)
		existing, err := fingerprint.File(path)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		if existing == digest {
			return candidate, nil
		}
	}
}
