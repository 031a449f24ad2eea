package discovery

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"peersend/dto"
)

func testConfig() Config {
	return Config{
		SelfID:     "self-device",
		DeviceName: "Test Device",
		DeviceType: "desktop",
		Version:    "1.0.0",
		Port:       53317,
	}
}

func TestAnnouncerSendsWellFormedAnnouncement(t *testing.T) {
	var mu sync.Mutex
	var sent [][]byte

	cfg := testConfig()
	cfg.writeTo = func(b []byte, addr net.Addr) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, append([]byte(nil), b...))
		return len(b), nil
	}

	announcer, err := NewAnnouncer(cfg)
	if err != nil {
		t.Fatalf("NewAnnouncer: %v", err)
	}
	defer announcer.Stop()

	if err := announcer.Announce(); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("expected 1 datagram, got %d", len(sent))
	}

	var msg dto.Announcement
	if err := json.Unmarshal(sent[0], &msg); err != nil {
		t.Fatalf("unmarshal announcement: %v", err)
	}
	if msg.Type != dto.AnnouncementType {
		t.Fatalf("expected type %q, got %q", dto.AnnouncementType, msg.Type)
	}
	if msg.ID != "self-device" {
		t.Fatalf("expected self device ID, got %q", msg.ID)
	}
	if msg.ProtocolVersion != dto.ProtocolVersion {
		t.Fatalf("expected protocol version %q, got %q", dto.ProtocolVersion, msg.ProtocolVersion)
	}
	if msg.Port != 53317 {
		t.Fatalf("expected port 53317, got %d", msg.Port)
	}
	if msg.AnnouncementID == "" {
		t.Fatalf("expected a non-empty announcement ID")
	}
}

func TestAnnouncerPartialWriteIsNotAnError(t *testing.T) {
	cfg := testConfig()
	cfg.writeTo = func(b []byte, addr net.Addr) (int, error) {
		return len(b) / 2, nil
	}

	announcer, err := NewAnnouncer(cfg)
	if err != nil {
		t.Fatalf("NewAnnouncer: %v", err)
	}
	defer announcer.Stop()

	if err := announcer.Announce(); err != nil {
		t.Fatalf("expected partial write to be tolerated, got %v", err)
	}
}

func TestAnnouncerLoopAnnouncesImmediately(t *testing.T) {
	sent := make(chan []byte, 8)

	cfg := testConfig()
	cfg.AnnounceInterval = time.Hour
	cfg.writeTo = func(b []byte, addr net.Addr) (int, error) {
		sent <- append([]byte(nil), b...)
		return len(b), nil
	}

	announcer, err := NewAnnouncer(cfg)
	if err != nil {
		t.Fatalf("NewAnnouncer: %v", err)
	}
	announcer.Start()
	defer announcer.Stop()

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an announcement immediately after Start")
	}
}

func TestAnnouncerRequiresIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.SelfID = "  "

	if _, err := NewAnnouncer(cfg); err == nil {
		t.Fatalf("expected error for blank self device ID")
	}
}
