package session

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"peersend/dto"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestSenderChunksSingleFile(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 2500)
	path := writeTempFile(t, "payload.bin", data)

	meta := dto.FileMetadata{ID: "f1", Name: "payload.bin", Size: int64(len(data))}
	s := newSession("sess", "a", "b", []dto.FileMetadata{meta}, nil)
	sender := NewSender(s, []OutgoingFile{{Meta: meta, Path: path}}, 1024)
	defer sender.Close()

	var got []byte
	for {
		chunk, err := sender.ReadChunk()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		got = append(got, chunk...)
	}

	if !bytes.Equal(got, data) {
		t.Fatalf("reassembled payload differs: %d bytes vs %d", len(got), len(data))
	}
	// 2500 bytes at 1024-byte chunks: two full, one short.
	if p := s.Progress(); p.BytesTransferred != int64(len(data)) {
		t.Fatalf("expected %d bytes counted, got %d", len(data), p.BytesTransferred)
	}

	if sender.NextFile() {
		t.Fatalf("expected no further files")
	}
	if !sender.IsComplete() {
		t.Fatalf("expected sender to be complete")
	}
}

func TestSenderAdvancesAcrossFiles(t *testing.T) {
	first := writeTempFile(t, "a.bin", []byte("first"))
	second := writeTempFile(t, "b.bin", []byte("second"))

	metas := []dto.FileMetadata{
		{ID: "f1", Name: "a.bin", Size: 5},
		{ID: "f2", Name: "b.bin", Size: 6},
	}
	s := newSession("sess", "a", "b", metas, nil)
	sender := NewSender(s, []OutgoingFile{
		{Meta: metas[0], Path: first},
		{Meta: metas[1], Path: second},
	}, 0)
	defer sender.Close()

	chunk, err := sender.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk first file: %v", err)
	}
	if string(chunk) != "first" {
		t.Fatalf("unexpected first chunk %q", chunk)
	}
	if _, err := sender.ReadChunk(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF at end of first file, got %v", err)
	}

	if !sender.NextFile() {
		t.Fatalf("expected a second file to remain")
	}
	meta, err := sender.CurrentFile()
	if err != nil || meta.ID != "f2" {
		t.Fatalf("expected cursor on f2, got %+v, %v", meta, err)
	}

	chunk, err = sender.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk second file: %v", err)
	}
	if string(chunk) != "second" {
		t.Fatalf("unexpected second chunk %q", chunk)
	}

	sender.NextFile()
	if !sender.IsComplete() {
		t.Fatalf("expected completion after last file")
	}
	if chunk, err := sender.ReadChunk(); chunk != nil || err != nil {
		t.Fatalf("expected exhausted sender to return nothing, got %v, %v", chunk, err)
	}
}

func TestSenderSurfacesOpenFailure(t *testing.T) {
	meta := dto.FileMetadata{ID: "f1", Name: "gone.bin", Size: 10}
	s := newSession("sess", "a", "b", []dto.FileMetadata{meta}, nil)
	sender := NewSender(s, []OutgoingFile{{Meta: meta, Path: filepath.Join(t.TempDir(), "gone.bin")}}, 0)

	if _, err := sender.ReadChunk(); err == nil {
		t.Fatalf("expected open failure to surface")
	}
}
