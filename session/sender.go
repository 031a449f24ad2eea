package session

import (
	"errors"
	"fmt"
	"io"
	"os"

	"peersend/dto"
)

// DefaultChunkSize is the fixed slice size for outgoing files.
const DefaultChunkSize = 1 << 20

// ErrNoCurrentFile is returned by sender reads before any file is
// selected or after the list is exhausted.
var ErrNoCurrentFile = errors.New("session: no current file")

// OutgoingFile pairs a file's wire metadata with its local source path.
type OutgoingFile struct {
	Meta dto.FileMetadata
	Path string
}

// Sender slices a session's local files into fixed-size chunks.
//
// The cursor moves strictly forward: ReadChunk drains the current file,
// NextFile advances. A sender belongs to exactly one goroutine; only the
// progress counters it feeds are shared.
type Sender struct {
	session   *Session
	files     []OutgoingFile
	chunkSize int

	index   int
	current *os.File
}

// NewSender creates a sender positioned at the first file. A chunkSize of
// zero selects DefaultChunkSize.
func NewSender(s *Session, files []OutgoingFile, chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{
		session:   s,
		files:     files,
		chunkSize: chunkSize,
	}
}

// CurrentFile returns the metadata under the cursor.
func (s *Sender) CurrentFile() (dto.FileMetadata, error) {
	if s.index >= len(s.files) {
		return dto.FileMetadata{}, ErrNoCurrentFile
	}
	return s.files[s.index].Meta, nil
}

// ReadChunk reads the next chunk of the current file, opening it on first
// use. It returns io.EOF when the current file is drained (advance with
// NextFile) and (nil, nil) once the file list is exhausted. A final short
// chunk is returned as-is.
func (s *Sender) ReadChunk() ([]byte, error) {
	if s.index >= len(s.files) {
		return nil, nil
	}

	if s.current == nil {
		f, err := os.Open(s.files[s.index].Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", s.files[s.index].Path, err)
		}
		s.current = f
	}

	buf := make([]byte, s.chunkSize)
	n, err := s.current.Read(buf)
	if n > 0 {
		s.session.addBytes(int64(n))
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return nil, fmt.Errorf("read %s: %w", s.files[s.index].Path, err)
}

// NextFile closes the current file and advances the cursor. It reports
// whether another file remains.
func (s *Sender) NextFile() bool {
	if s.current != nil {
		_ = s.current.Close()
		s.current = nil
	}
	if s.index < len(s.files) {
		s.index++
	}
	return s.index < len(s.files)
}

// IsComplete reports whether the cursor has passed the last file.
func (s *Sender) IsComplete() bool {
	return s.index >= len(s.files)
}

// Close releases the open file, if any.
func (s *Sender) Close() error {
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}
