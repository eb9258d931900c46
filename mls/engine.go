package mls

import "errors"

var (
	// ErrNoIdentity is returned when an operation requires a bootstrapped
	// identity and none has been created yet.
	ErrNoIdentity = errors.New("mls: identity not initialized")

	// ErrUnknownGroup is returned when no local state exists for the
	// requested group id.
	ErrUnknownGroup = errors.New("mls: unknown group")

	// ErrBadKeyPackage is returned when a peer key package cannot be
	// parsed or fails validation.
	ErrBadKeyPackage = errors.New("mls: invalid key package")

	// ErrBadWelcome is returned when a welcome payload cannot be opened
	// with this device's key material.
	ErrBadWelcome = errors.New("mls: invalid welcome")
)

// KeyPackageBundle is freshly issued public key material for publication,
// together with its content hash for staleness checks.
type KeyPackageBundle struct {
	Data []byte
	Hash string
}

// CryptoEngine is the group cryptography capability. Implementations own
// all secret material; callers only see opaque byte payloads.
//
// All methods must be safe for concurrent use. Local crypto operations are
// synchronous CPU work; none of them perform network I/O.
type CryptoEngine interface {
	// CreateIdentity initializes the per-device credential. Idempotent:
	// calling it again for the same identity is a no-op.
	CreateIdentity(userID, deviceID string) error

	// HasIdentity reports whether CreateIdentity has completed.
	HasIdentity() bool

	// KeyPackage issues a fresh key package for publication to the relay.
	KeyPackage() (*KeyPackageBundle, error)

	// CreateGroup creates local group state for the given id. Used both
	// for brand-new groups and to rebuild a lost local shell during
	// repair; the group id is caller-supplied and never changed here.
	CreateGroup(groupID string) error

	// HasGroup reports whether local state exists for the group.
	HasGroup(groupID string) bool

	// Epoch returns the group's current epoch.
	Epoch(groupID string) (uint64, error)

	// AddMember admits the holder of the given key package into the
	// group, advancing the epoch, and returns the welcome payload to
	// deliver to them.
	AddMember(groupID string, keyPackage []byte) ([]byte, error)

	// ProcessWelcome opens a welcome payload addressed to this device and
	// installs the group state it carries. Returns the group id.
	// Processing the same welcome again reinstalls identical state.
	ProcessWelcome(payload []byte) (string, error)

	// Encrypt protects an application message for the group.
	Encrypt(groupID string, plaintext []byte) ([]byte, error)

	// Decrypt opens an application message received for the group.
	Decrypt(groupID string, ciphertext []byte) ([]byte, error)
}
