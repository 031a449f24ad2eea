package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDeviceKeyGeneratesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_key.pem")

	first, err := EnsureDeviceKey(path)
	if err != nil {
		t.Fatalf("EnsureDeviceKey (generate) failed: %v", err)
	}
	if len(first) != KeySize {
		t.Fatalf("expected %d-byte key, got %d", KeySize, len(first))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 key file permissions, got %o", perm)
	}

	second, err := EnsureDeviceKey(path)
	if err != nil {
		t.Fatalf("EnsureDeviceKey (reload) failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("reloaded key differs from generated key")
	}
}

func TestLoadDeviceKeyRejectsWrongPEMType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_key.pem")
	if err := os.WriteFile(path, []byte("-----BEGIN JUNK-----\nYWJj\n-----END JUNK-----\n"), 0o600); err != nil {
		t.Fatalf("write junk PEM: %v", err)
	}

	if _, err := LoadDeviceKey(path); err == nil {
		t.Fatalf("expected error for unexpected PEM type")
	}
}

func TestDeriveSessionKeyIsSymmetricAcrossPeers(t *testing.T) {
	deviceKey := mustKey(t)

	senderSide, err := DeriveSessionKey(deviceKey, "session-1", "alice", "bob")
	if err != nil {
		t.Fatalf("derive sender-side key: %v", err)
	}
	receiverSide, err := DeriveSessionKey(deviceKey, "session-1", "alice", "bob")
	if err != nil {
		t.Fatalf("derive receiver-side key: %v", err)
	}

	if len(senderSide) != KeySize {
		t.Fatalf("expected %d-byte session key, got %d", KeySize, len(senderSide))
	}
	if !bytes.Equal(senderSide, receiverSide) {
		t.Fatalf("expected matching session keys")
	}

	otherSession, err := DeriveSessionKey(deviceKey, "session-2", "alice", "bob")
	if err != nil {
		t.Fatalf("derive other-session key: %v", err)
	}
	if bytes.Equal(senderSide, otherSession) {
		t.Fatalf("distinct sessions derived identical keys")
	}
}

func TestDeriveSessionKeyValidatesInput(t *testing.T) {
	if _, err := DeriveSessionKey([]byte("short"), "session-1", "a", "b"); err == nil {
		t.Fatalf("expected error for undersized device key")
	}
	if _, err := DeriveSessionKey(mustKey(t), "", "a", "b"); err == nil {
		t.Fatalf("expected error for empty session ID")
	}
}
