package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"peersend/discovery"
	"peersend/dto"
	"peersend/session"
)

func loopbackPeer(t *testing.T) (*Handler, *httptest.Server, string) {
	t.Helper()

	downloadDir := t.TempDir()
	handler, err := NewHandler(Options{
		SelfID:      "receiver-device",
		DeviceName:  "Receiver",
		Port:        53317,
		DownloadDir: downloadDir,
		Manager:     session.NewManager(0),
		Registry:    discovery.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return handler, server, downloadDir
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}

func TestSendFilesEndToEnd(t *testing.T) {
	_, peer, downloadDir := loopbackPeer(t)

	payload := bytes.Repeat([]byte{0xC3}, 5000)
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "report.pdf")
	if err := os.WriteFile(srcPath, payload, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	manager := session.NewManager(0)
	client, err := NewClient(ClientOptions{
		SelfID:     "sender-device",
		DeviceName: "Sender",
		ChunkSize:  2048,
		Manager:    manager,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	host, port := splitHostPort(t, peer.Listener.Addr().String())
	device := dto.DeviceInfo{ID: "receiver-device", Name: "Receiver", IP: host, Port: port}

	files := []session.OutgoingFile{{
		Meta: dto.FileMetadata{ID: "f1", Name: "report.pdf", Size: int64(len(payload))},
		Path: srcPath,
	}}

	sess, err := client.SendFiles(context.Background(), device, files)
	if err != nil {
		t.Fatalf("SendFiles: %v", err)
	}

	if got := sess.State().Phase; got != session.PhaseFinished {
		t.Fatalf("expected finished sender session, got %v", got)
	}
	if got := sess.Progress().Ratio(); got != 1.0 {
		t.Fatalf("expected sender progress 1.0, got %f", got)
	}

	written, err := os.ReadFile(filepath.Join(downloadDir, "report.pdf"))
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if !bytes.Equal(written, payload) {
		t.Fatalf("delivered payload differs: %d bytes vs %d", len(written), len(payload))
	}
}

func TestSendFilesZeroByteFile(t *testing.T) {
	handler, peer, downloadDir := loopbackPeer(t)

	srcPath := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(srcPath, nil, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	manager := session.NewManager(0)
	client, err := NewClient(ClientOptions{SelfID: "sender-device", DeviceName: "Sender", Manager: manager})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	host, port := splitHostPort(t, peer.Listener.Addr().String())
	device := dto.DeviceInfo{ID: "receiver-device", IP: host, Port: port}

	files := []session.OutgoingFile{{
		Meta: dto.FileMetadata{ID: "f1", Name: "empty.bin", Size: 0},
		Path: srcPath,
	}}

	sess, err := client.SendFiles(context.Background(), device, files)
	if err != nil {
		t.Fatalf("SendFiles: %v", err)
	}
	if got := sess.State().Phase; got != session.PhaseFinished {
		t.Fatalf("expected finished sender session, got %v", got)
	}

	for _, s := range handler.opts.Manager.Sessions() {
		if got := s.State().Phase; got != session.PhaseFinished {
			t.Fatalf("expected finished receiver session, got %v", got)
		}
	}

	info, err := os.Stat(filepath.Join(downloadDir, "empty.bin"))
	if err != nil {
		t.Fatalf("stat delivered file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty delivered file, got %d bytes", info.Size())
	}
}

func TestSendFilesMultipleFiles(t *testing.T) {
	handler, peer, downloadDir := loopbackPeer(t)

	srcDir := t.TempDir()
	first := []byte("alpha contents")
	second := bytes.Repeat([]byte{0x11}, 4096)
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), first, 0o644); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "b.bin"), second, 0o644); err != nil {
		t.Fatalf("write b.bin: %v", err)
	}

	manager := session.NewManager(0)
	client, err := NewClient(ClientOptions{SelfID: "sender-device", DeviceName: "Sender", ChunkSize: 1024, Manager: manager})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	host, port := splitHostPort(t, peer.Listener.Addr().String())
	device := dto.DeviceInfo{ID: "receiver-device", IP: host, Port: port}

	files := []session.OutgoingFile{
		{Meta: dto.FileMetadata{ID: "f1", Name: "a.txt", Size: int64(len(first))}, Path: filepath.Join(srcDir, "a.txt")},
		{Meta: dto.FileMetadata{ID: "f2", Name: "b.bin", Size: int64(len(second))}, Path: filepath.Join(srcDir, "b.bin")},
	}

	sess, err := client.SendFiles(context.Background(), device, files)
	if err != nil {
		t.Fatalf("SendFiles: %v", err)
	}
	if got := sess.State().Phase; got != session.PhaseFinished {
		t.Fatalf("expected finished session, got %v", got)
	}

	for name, want := range map[string][]byte{"a.txt": first, "b.bin": second} {
		got, err := os.ReadFile(filepath.Join(downloadDir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s differs: %d bytes vs %d", name, len(got), len(want))
		}
	}

	// Receiver side also reached Finished.
	for _, s := range handler.opts.Manager.Sessions() {
		if got := s.State().Phase; got != session.PhaseFinished {
			t.Fatalf("expected receiver session finished, got %v", got)
		}
	}
}

func TestSendFilesMissingSourceFailsSession(t *testing.T) {
	_, peer, _ := loopbackPeer(t)

	manager := session.NewManager(0)
	client, err := NewClient(ClientOptions{SelfID: "sender-device", Manager: manager})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	host, port := splitHostPort(t, peer.Listener.Addr().String())
	device := dto.DeviceInfo{ID: "receiver-device", IP: host, Port: port}

	files := []session.OutgoingFile{{
		Meta: dto.FileMetadata{ID: "f1", Name: "gone.bin", Size: 64},
		Path: filepath.Join(t.TempDir(), "gone.bin"),
	}}

	sess, err := client.SendFiles(context.Background(), device, files)
	if err == nil {
		t.Fatalf("expected missing source to fail")
	}
	if sess == nil {
		t.Fatalf("expected session handle on mid-transfer failure")
	}
	got := sess.State()
	if got.Phase != session.PhaseFailed || got.Cause != session.CauseIO {
		t.Fatalf("expected io failure, got %+v", got)
	}
}

func TestSendFilesUnreachablePeer(t *testing.T) {
	manager := session.NewManager(0)
	client, err := NewClient(ClientOptions{SelfID: "sender-device", Manager: manager})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	device := dto.DeviceInfo{ID: "ghost", IP: "127.0.0.1", Port: 1}
	_, err = client.SendFiles(context.Background(), device, []session.OutgoingFile{{
		Meta: dto.FileMetadata{ID: "f1", Name: "a", Size: 1},
		Path: "a",
	}})
	if err == nil {
		t.Fatalf("expected registration check to fail")
	}
	if manager.Len() != 0 {
		t.Fatalf("expected no session for unreachable peer")
	}
}

func TestSendFilesRejectedByPeer(t *testing.T) {
	reject := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch dto.ParseRequestType(r.URL.Path) {
		case dto.RequestRegister:
			writeJSON(w, http.StatusOK, dto.Success(dto.RegisterResponse{ID: "receiver-device"}))
		case dto.RequestRequest:
			writeJSON(w, http.StatusOK, dto.Success(dto.FileResponse{ID: "receiver-device", Accepted: false}))
		default:
			writeError[struct{}](w, http.StatusNotFound, "unknown endpoint")
		}
	}))
	defer reject.Close()

	manager := session.NewManager(0)
	client, err := NewClient(ClientOptions{SelfID: "sender-device", Manager: manager})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	host, port := splitHostPort(t, reject.Listener.Addr().String())
	device := dto.DeviceInfo{ID: "receiver-device", IP: host, Port: port}

	_, err = client.SendFiles(context.Background(), device, []session.OutgoingFile{{
		Meta: dto.FileMetadata{ID: "f1", Name: "a", Size: 1},
		Path: "a",
	}})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}
