// Package capture writes each finished call to its own file for
// post-processing. Successful captures are named after the number the
// printout came from; failed ones get a timestamp and a random suffix.
package capture

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"proteld/payload"
)

const (
	identifierWidth = 10
	identifierPad   = 'X'
	maxRandomName   = 100000
	maxNameAttempts = 1000
)

// ErrNoIdentifier is returned when a successful capture has no delimiter.
var ErrNoIdentifier = errors.New("capture: no identifier in payload")

// Writer persists captures into a directory.
type Writer struct {
	dir  string
	now  func() time.Time
	rand func(n int) int
}

// NewWriter creates dir if needed and returns a Writer for it.
func NewWriter(dir string) (*Writer, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("capture: directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: ensure dir %q: %w", dir, err)
	}
	return &Writer{dir: dir, now: time.Now, rand: rand.Intn}, nil
}

// Dir returns the capture directory.
func (w *Writer) Dir() string { return w.dir }

// Save writes data in one operation and returns the file path.
func (w *Writer) Save(data []byte, success bool) (string, error) {
	var (
		f    *os.File
		path string
		err  error
	)
	if success {
		path, err = w.successPath(data)
		if err != nil {
			return "", err
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	} else {
		f, path, err = w.createUnique()
	}
	if err != nil {
		return path, fmt.Errorf("capture: open %s: %w", path, err)
	}

	n, err := f.Write(data)
	closeErr := f.Close()
	if err != nil {
		return path, fmt.Errorf("capture: wanted to write %d bytes to %s, only wrote %d: %w", len(data), path, n, err)
	}
	if n != len(data) {
		return path, fmt.Errorf("capture: wanted to write %d bytes to %s, only wrote %d", len(data), path, n)
	}
	if closeErr != nil {
		return path, fmt.Errorf("capture: close %s: %w", path, closeErr)
	}
	return path, nil
}

func (w *Writer) successPath(data []byte) (string, error) {
	id, ok := payload.Identifier(data)
	if !ok {
		return "", ErrNoIdentifier
	}
	name := fmt.Sprintf("%d_%s.txt", w.now().Unix(), IdentifierField(id))
	return filepath.Join(w.dir, name), nil
}

// createUnique creates a new failure file, retrying until the name is unused.
// O_EXCL makes the check and the create one step, so concurrent calls in the
// same second cannot collide.
func (w *Writer) createUnique() (*os.File, string, error) {
	var path string
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := fmt.Sprintf("%d_%d_R.txt", w.now().Unix(), w.rand(maxRandomName))
		path = filepath.Join(w.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, path, err
		}
	}
	return nil, path, fmt.Errorf("no unused name after %d attempts", maxNameAttempts)
}

// IdentifierField renders id as exactly ten filename-safe characters. Digits
// are kept; anything else, including missing bytes, becomes 'X'.
func IdentifierField(id []byte) string {
	var b strings.Builder
	b.Grow(identifierWidth)
	for i := 0; i < identifierWidth; i++ {
		if i < len(id) && id[i] >= '0' && id[i] <= '9' {
			b.WriteByte(id[i])
			continue
		}
		b.WriteByte(identifierPad)
	}
	return b.String()
}
