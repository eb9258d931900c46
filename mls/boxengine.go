package mls

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// boxCipherSuite is the Noise cipher suite used to seal welcomes to a
// recipient's published static key.
var boxCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// keyPackageWire is the serialized form of a BoxEngine key package.
type keyPackageWire struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	PublicKey []byte    `json:"public_key"`
	IssuedAt  time.Time `json:"issued_at"`
}

// welcomeSecrets is the plaintext a welcome carries: everything a new
// member needs to participate in the group.
type welcomeSecrets struct {
	GroupID string `json:"group_id"`
	Secret  []byte `json:"secret"`
	Epoch   uint64 `json:"epoch"`
}

// boxGroup holds the local state for one group: the shared secret, the
// message key derived from it, and the current epoch.
type boxGroup struct {
	secret [32]byte
	msgKey [32]byte
	epoch  uint64
}

// BoxEngine is the reference CryptoEngine. Group state is a single shared
// secret per group; welcomes are one-way Noise IK messages sealed to the
// invitee's static key, so only the addressed device can open them.
type BoxEngine struct {
	mu        sync.RWMutex
	userID    string
	deviceID  string
	staticKey noise.DHKey
	groups    map[string]*boxGroup
}

// NewBoxEngine creates an engine with no identity. CreateIdentity must run
// before any group operation.
func NewBoxEngine() *BoxEngine {
	return &BoxEngine{
		groups: make(map[string]*boxGroup),
	}
}

// CreateIdentity generates the device's static key pair. Idempotent.
func (e *BoxEngine) CreateIdentity(userID, deviceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.staticKey.Public != nil {
		return nil
	}

	key, err := boxCipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate static keypair: %w", err)
	}

	e.userID = userID
	e.deviceID = deviceID
	e.staticKey = key

	logrus.WithFields(logrus.Fields{
		"function":  "CreateIdentity",
		"user_id":   userID,
		"device_id": truncateID(deviceID),
	}).Info("Engine identity created")
	return nil
}

// HasIdentity reports whether the static key pair exists.
func (e *BoxEngine) HasIdentity() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.staticKey.Public != nil
}

// KeyPackage issues a fresh key package carrying the device's static
// public key. Each issuance gets a new timestamp, so the hash changes and
// the relay can tell a republished package from a stale one.
func (e *BoxEngine) KeyPackage() (*KeyPackageBundle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.staticKey.Public == nil {
		return nil, ErrNoIdentity
	}

	data, err := json.Marshal(keyPackageWire{
		UserID:    e.userID,
		DeviceID:  e.deviceID,
		PublicKey: e.staticKey.Public,
		IssuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key package: %w", err)
	}

	sum := sha256.Sum256(data)
	return &KeyPackageBundle{Data: data, Hash: hex.EncodeToString(sum[:])}, nil
}

// CreateGroup installs fresh local state for the group id. A no-op when
// state already exists, so bootstrap and repair paths can call it freely.
func (e *BoxEngine) CreateGroup(groupID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.staticKey.Public == nil {
		return ErrNoIdentity
	}
	if _, exists := e.groups[groupID]; exists {
		return nil
	}

	var secret [32]byte
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return fmt.Errorf("failed to generate group secret: %w", err)
	}

	e.groups[groupID] = &boxGroup{
		secret: secret,
		msgKey: deriveMessageKey(groupID, secret),
		epoch:  1,
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateGroup",
		"group_id": truncateID(groupID),
	}).Debug("Local group state created")
	return nil
}

// HasGroup reports whether local state exists for the group.
func (e *BoxEngine) HasGroup(groupID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.groups[groupID]
	return exists
}

// Epoch returns the group's current epoch.
func (e *BoxEngine) Epoch(groupID string) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	group, exists := e.groups[groupID]
	if !exists {
		return 0, ErrUnknownGroup
	}
	return group.epoch, nil
}

// AddMember advances the group epoch and seals the group secrets to the
// static key in the peer's key package. The returned payload is the
// welcome to deliver through the relay.
func (e *BoxEngine) AddMember(groupID string, keyPackage []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.staticKey.Public == nil {
		return nil, ErrNoIdentity
	}
	group, exists := e.groups[groupID]
	if !exists {
		return nil, ErrUnknownGroup
	}

	var pkg keyPackageWire
	if err := json.Unmarshal(keyPackage, &pkg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyPackage, err)
	}
	if len(pkg.PublicKey) != 32 {
		return nil, fmt.Errorf("%w: bad public key length %d", ErrBadKeyPackage, len(pkg.PublicKey))
	}

	group.epoch++

	secrets, err := json.Marshal(welcomeSecrets{
		GroupID: groupID,
		Secret:  group.secret[:],
		Epoch:   group.epoch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal welcome secrets: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   boxCipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: e.staticKey,
		PeerStatic:    pkg.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create welcome handshake: %w", err)
	}

	payload, _, _, err := hs.WriteMessage(nil, secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to seal welcome: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "AddMember",
		"group_id":  truncateID(groupID),
		"epoch":     group.epoch,
		"member":    pkg.UserID,
		"device_id": truncateID(pkg.DeviceID),
	}).Info("Member added, welcome sealed")
	return payload, nil
}

// ProcessWelcome opens a welcome sealed to this device and installs the
// group state it carries. Re-processing the same welcome reinstalls the
// identical state and returns the same group id.
func (e *BoxEngine) ProcessWelcome(payload []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.staticKey.Public == nil {
		return "", ErrNoIdentity
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   boxCipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: e.staticKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create welcome handshake: %w", err)
	}

	plaintext, _, _, err := hs.ReadMessage(nil, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadWelcome, err)
	}

	var secrets welcomeSecrets
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadWelcome, err)
	}
	if secrets.GroupID == "" || len(secrets.Secret) != 32 {
		return "", fmt.Errorf("%w: malformed secrets", ErrBadWelcome)
	}

	var secret [32]byte
	copy(secret[:], secrets.Secret)
	e.groups[secrets.GroupID] = &boxGroup{
		secret: secret,
		msgKey: deriveMessageKey(secrets.GroupID, secret),
		epoch:  secrets.Epoch,
	}

	logrus.WithFields(logrus.Fields{
		"function": "ProcessWelcome",
		"group_id": truncateID(secrets.GroupID),
		"epoch":    secrets.Epoch,
	}).Info("Welcome processed, group state installed")
	return secrets.GroupID, nil
}

// Encrypt protects an application message with the group message key.
func (e *BoxEngine) Encrypt(groupID string, plaintext []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	group, exists := e.groups[groupID]
	if !exists {
		return nil, ErrUnknownGroup
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &group.msgKey), nil
}

// Decrypt opens an application message with the group message key.
func (e *BoxEngine) Decrypt(groupID string, ciphertext []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	group, exists := e.groups[groupID]
	if !exists {
		return nil, ErrUnknownGroup
	}
	if len(ciphertext) < 24 {
		return nil, errors.New("mls: ciphertext too short")
	}

	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	plaintext, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &group.msgKey)
	if !ok {
		return nil, errors.New("mls: decryption failed")
	}
	return plaintext, nil
}

// deriveMessageKey derives the per-group message key from the shared
// secret, bound to the group id.
func deriveMessageKey(groupID string, secret [32]byte) [32]byte {
	var key [32]byte
	reader := hkdf.New(sha256.New, secret[:], []byte(groupID), []byte("mlsclient message key v1"))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		// HKDF cannot fail for a 32-byte read with SHA-256.
		panic(err)
	}
	return key
}

// truncateID shortens long identifiers for log output.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
