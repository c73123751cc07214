package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/KorszunKarol/go-distort/internal/frame"
)

// Extension sets per media class.
var (
	textExtensions  = map[string]bool{".txt": true}
	mediaExtensions = map[string]bool{".wav": true, ".jpg": true, ".png": true}
)

// ClassForFile derives the media class from a filename extension.
func ClassForFile(name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case textExtensions[ext]:
		return frame.ClassText, nil
	case mediaExtensions[ext]:
		return frame.ClassMedia, nil
	default:
		return "", fmt.Errorf("%w: unsupported file type %q", ErrUserInput, ext)
	}
}

// List walks the local folder and returns the filenames of the given class,
// sorted. Purely local; no network involved.
func (c *Client) List(class string) ([]string, error) {
	if !frame.ValidClass(class) {
		return nil, fmt.Errorf("%w: unknown class %q", ErrUserInput, class)
	}
	entries, err := os.ReadDir(c.localFolder)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.localFolder, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if got, err := ClassForFile(e.Name()); err == nil && got == class {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
