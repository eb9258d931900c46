package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeviceIdentity is the durable per-device identity. It is created locally
// before first use and promoted to trusted only by the linking protocol.
// An untrusted device may hold queued key-package material but is not
// eligible to decrypt anything.
type DeviceIdentity struct {
	DeviceID    string     `json:"device_id"`
	UserID      string     `json:"user_id"`
	Trusted     bool       `json:"trusted"`
	TrustExpiry *time.Time `json:"trust_expiry,omitempty"`
}

// NewDeviceIdentity mints a fresh untrusted identity for the user.
func NewDeviceIdentity(userID string) *DeviceIdentity {
	device := &DeviceIdentity{
		DeviceID: uuid.NewString(),
		UserID:   userID,
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewDeviceIdentity",
		"user_id":   userID,
		"device_id": device.DeviceID[:8],
	}).Info("Device identity created")
	return device
}

// IsTrusted reports whether the device may hold decryption secrets. A
// trust expiry in the past demotes the device.
func (d *DeviceIdentity) IsTrusted() bool {
	if !d.Trusted {
		return false
	}
	if d.TrustExpiry != nil && time.Now().After(*d.TrustExpiry) {
		return false
	}
	return true
}

// Store persists device identities across sessions.
type Store interface {
	SaveIdentity(device *DeviceIdentity) error
	LoadIdentity() (*DeviceIdentity, error)
}

// FileStore persists the identity as JSON under a data directory. The
// store is single-writer: one device process owns the file.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed identity store in dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{path: filepath.Join(dataDir, "identity.json")}
}

// SaveIdentity writes the identity atomically (write temp file, rename).
func (s *FileStore) SaveIdentity(device *DeviceIdentity) error {
	data, err := json.MarshalIndent(device, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace identity file: %w", err)
	}
	return nil
}

// LoadIdentity reads a previously saved identity. Returns os.ErrNotExist
// wrapped when no identity has been saved yet.
func (s *FileStore) LoadIdentity() (*DeviceIdentity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	var device DeviceIdentity
	if err := json.Unmarshal(data, &device); err != nil {
		return nil, fmt.Errorf("failed to parse identity: %w", err)
	}
	return &device, nil
}

// LoadOrCreateIdentity returns the stored identity, or mints and saves a
// fresh untrusted one when none exists.
func LoadOrCreateIdentity(store Store, userID string) (*DeviceIdentity, error) {
	device, err := store.LoadIdentity()
	if err == nil {
		return device, nil
	}

	device = NewDeviceIdentity(userID)
	if err := store.SaveIdentity(device); err != nil {
		return nil, err
	}
	return device, nil
}
