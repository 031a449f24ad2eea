package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned when a peer-supplied file name would escape
// the output directory.
var ErrUnsafePath = errors.New("session: unsafe file path")

// Receiver reassembles incoming chunks into files under one output
// directory. It mirrors the Sender: one open destination at a time, a
// strictly forward cursor.
type Receiver struct {
	session    *Session
	outputDir  string
	totalFiles int

	current   *os.File
	filesDone int
}

// NewReceiver creates a receiver writing below outputDir.
func NewReceiver(s *Session, outputDir string) *Receiver {
	return &Receiver{
		session:    s,
		outputDir:  outputDir,
		totalFiles: len(s.Files),
	}
}

// SavePath resolves a peer-supplied file name to a destination inside the
// output directory. Absolute names and any name whose cleaned form would
// escape the directory are rejected.
func (r *Receiver) SavePath(name string) (string, error) {
	if name == "" {
		return "", ErrUnsafePath
	}

	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) {
		return "", ErrUnsafePath
	}

	dest := filepath.Join(r.outputDir, name)

	rel, err := filepath.Rel(r.outputDir, dest)
	if err != nil {
		return "", ErrUnsafePath
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}

	return dest, nil
}

// StartFile opens the destination for the named file, creating parent
// directories first. Any previously open destination is closed.
func (r *Receiver) StartFile(name string) error {
	dest, err := r.SavePath(name)
	if err != nil {
		return err
	}

	if r.current != nil {
		_ = r.current.Close()
		r.current = nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directories for %s: %w", dest, err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	r.current = f
	return nil
}

// WriteChunk appends one chunk to the open destination.
func (r *Receiver) WriteChunk(data []byte) error {
	if r.current == nil {
		return ErrNoCurrentFile
	}

	n, err := r.current.Write(data)
	if n > 0 {
		r.session.addBytes(int64(n))
	}
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

// FinishCurrentFile closes the open destination and advances the cursor.
func (r *Receiver) FinishCurrentFile() error {
	if r.current == nil {
		return ErrNoCurrentFile
	}

	err := r.current.Close()
	r.current = nil
	r.filesDone++
	if err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

// IsComplete reports whether every session file has been finished.
func (r *Receiver) IsComplete() bool {
	return r.filesDone >= r.totalFiles
}

// Close releases the open destination without counting it as finished.
func (r *Receiver) Close() error {
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current = nil
	return err
}
