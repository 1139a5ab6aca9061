package execution

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultURLPrefix is where saved images are served.
const DefaultURLPrefix = "/outputs/"

var errForeignRef = errors.New("image reference outside the image store")

// ImageStore is an append-only directory of images. Files are never
// overwritten.
type ImageStore struct {
	dir    string
	prefix string
	now    func() time.Time
}

// NewImageStore creates dir if needed.
func NewImageStore(dir, urlPrefix string) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &ImageStore{dir: dir, prefix: urlPrefix, now: time.Now}, nil
}

// Dir returns the backing directory.
func (s *ImageStore) Dir() string { return s.dir }

// Save writes data as {unix-nanos}_{session}_{id}{ext} and returns its
// public reference and filesystem path.
func (s *ImageStore) Save(sessionID, id string, data []byte) (ref, path string, err error) {
	name := fmt.Sprintf("%d_%s_%s%s", s.now().UnixNano(), safeComponent(sessionID), safeComponent(id), extensionFor(data))
	path = filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("create image file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", "", fmt.Errorf("write image file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("close image file: %w", err)
	}
	return s.prefix + name, path, nil
}

// Load reads a previously saved image by reference.
func (s *ImageStore) Load(ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, s.prefix) {
		return nil, fmt.Errorf("%w: %q", errForeignRef, ref)
	}
	name := filepath.Base(strings.TrimPrefix(ref, s.prefix))
	if name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: %q", errForeignRef, ref)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", name, err)
	}
	return data, nil
}

func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

func safeComponent(s string) string {
	if s == "" {
		return "anon"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, s)
}
