// Package storage lays out uploaded recordings and rendered documents on the
// local filesystem, one subdirectory per owner:
//
//	{root}/audio/{owner}/{uuid}_{original name}
//	{root}/documents/{owner}/{job id}_{title}.docx
//
// Paths handed out by this package are persisted verbatim on the job record.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	audioDir     = "audio"
	documentsDir = "documents"
)

// Local stores files below a root directory.
type Local struct {
	root string
}

// NewLocal returns a Local rooted at dir and creates the audio and documents
// directories.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("storage: upload dir must not be empty")
	}
	for _, sub := range []string{audioDir, documentsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s dir: %w", sub, err)
		}
	}
	return &Local{root: dir}, nil
}

// Root returns the upload directory.
func (l *Local) Root() string { return l.root }

// SaveAudio copies r into a new file in the owner's audio directory and
// returns its path. The original name is kept after a random prefix.
func (l *Local) SaveAudio(ownerID int64, name string, r io.Reader) (string, error) {
	dir := filepath.Join(l.root, audioDir, strconv.FormatInt(ownerID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create audio dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+"_"+SafeName(name))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("storage: create audio file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("storage: write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("storage: close audio file: %w", err)
	}
	return path, nil
}

// DocumentPath returns where the rendered document of a job is written. Spaces
// in the title become underscores. The directory is created by the renderer.
func (l *Local) DocumentPath(ownerID, jobID int64, title string) string {
	name := strconv.FormatInt(jobID, 10) + "_" + SafeName(strings.ReplaceAll(title, " ", "_")) + ".docx"
	return filepath.Join(l.root, documentsDir, strconv.FormatInt(ownerID, 10), name)
}

// Remove deletes the given files. Empty paths and files that are already gone
// are ignored; other failures are joined.
func (l *Local) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("storage: remove %q: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Writable reports whether files can be created below the root. It backs the
// readiness probe.
func (l *Local) Writable() error {
	f, err := os.CreateTemp(l.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("storage: %s not writable: %w", l.root, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// SafeName reduces a client-supplied name to a single path element.
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', 0, ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." || name == "" {
		return "untitled"
	}
	return name
}
