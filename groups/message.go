package groups

import (
	"errors"
	"time"
)

var (
	// ErrNoGroup is returned when an operation requires local group state
	// that does not exist. Callers repair or start the group first.
	ErrNoGroup = errors.New("groups: no local state for group")

	// ErrMembership is returned when the relay refuses an operation
	// because the caller is not a member. Fatal; surfaced to the UI.
	ErrMembership = errors.New("groups: caller is not a group member")

	// ErrCorruptLocalState is returned when the repair path is exhausted.
	// The device must be re-linked.
	ErrCorruptLocalState = errors.New("groups: local state unrecoverable, re-link this device")

	// ErrUntrustedDevice is returned when a device that has not completed
	// linking attempts an operation that requires decryption secrets.
	ErrUntrustedDevice = errors.New("groups: device has not completed linking")
)

// DeliveryState tracks an outgoing message through the relay.
type DeliveryState uint8

const (
	// DeliveryPending means the message is appended locally but the relay
	// has not acknowledged it.
	DeliveryPending DeliveryState = iota
	// DeliverySent means the relay acknowledged the push.
	DeliverySent
	// DeliveryDelivered means the authoritative relay copy came back in a
	// later sync pass.
	DeliveryDelivered
	// DeliveryFailed means the push failed; the caller may retry the send.
	DeliveryFailed
)

// Message is a decrypted application message in a group's local list.
// Immutable after append except for delivery state and the read flag.
type Message struct {
	ID           int64
	GroupID      string
	SenderUserID string
	Text         string
	CreatedAt    time.Time
	State        DeliveryState
	Outgoing     bool
	Read         bool
}

// Welcome is a group invitation fetched from the relay, held in the
// pending set until accepted or dismissed.
type Welcome struct {
	ID           string
	GroupID      string
	SenderUserID string
	Payload      []byte
	ReceivedAt   time.Time
}
