package crypto

import (
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/crypto/hkdf"
)

const deviceKeyPEMType = "PEERSEND DEVICE KEY"

// EnsureDeviceKey loads the persistent device key from disk, generating it
// on first run.
func EnsureDeviceKey(path string) ([]byte, error) {
	key, err := LoadDeviceKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveDeviceKey(path, key); err != nil {
		return nil, err
	}

	return key, nil
}

// LoadDeviceKey reads the device key from a PEM file.
func LoadDeviceKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode device key PEM: no PEM block")
	}
	if block.Type != deviceKeyPEMType {
		return nil, fmt.Errorf("decode device key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != KeySize {
		return nil, fmt.Errorf("decode device key PEM: invalid key size %d", len(block.Bytes))
	}

	return block.Bytes, nil
}

// SaveDeviceKey writes the device key PEM file with 0600 permissions.
func SaveDeviceKey(path string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("save device key: invalid key size %d", len(key))
	}

	block := &pem.Block{
		Type:  deviceKeyPEMType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write device key: %w", err)
	}

	return nil
}

// DeriveSessionKey derives a per-session chunk key from the shared device
// key via HKDF-SHA256, bound to the session and both device identities.
// Both peers derive the same key regardless of which side initiates.
func DeriveSessionKey(deviceKey []byte, sessionID, senderID, receiverID string) ([]byte, error) {
	if len(deviceKey) != KeySize {
		return nil, fmt.Errorf("invalid device key length: got %d want %d", len(deviceKey), KeySize)
	}
	if sessionID == "" {
		return nil, errors.New("session ID is required")
	}

	info := []byte("peersend-session|" + sessionID + "|" + senderID + "|" + receiverID)
	reader := hkdf.New(sha256.New, deviceKey, nil, info)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
