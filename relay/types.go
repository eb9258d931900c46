package relay

import "time"

// MessageType identifies the kind of payload pushed to the relay.
type MessageType string

const (
	// MessageTypeApplication is an encrypted application message for a group.
	MessageTypeApplication MessageType = "application"
	// MessageTypeWelcome is an MLS welcome admitting a user into a group.
	MessageTypeWelcome MessageType = "welcome"
)

// LinkingGrant is the relay's response to a device linking request.
type LinkingGrant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LinkingStatus reports the current state of a pending linking session.
// Exactly one of Approved, Expired, Rejected is set on a terminal response;
// all false means the session is still pending approval.
type LinkingStatus struct {
	Approved bool `json:"approved"`
	Expired  bool `json:"expired"`
	Rejected bool `json:"rejected"`
}

// KeyPackage is a published, consumable bundle of public key material a
// peer uses to add this device to a group. Exactly one last-resort package
// per (user, device) is kept available server-side.
type KeyPackage struct {
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	Package      []byte    `json:"package"`
	Hash         string    `json:"hash"`
	IsLastResort bool      `json:"is_last_resort"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DirectMessageInfo describes a direct-message conversation the relay
// records for this user.
type DirectMessageInfo struct {
	GroupID      string    `json:"group_id"`
	OtherUserID  string    `json:"other_user_id"`
	LastActivity time.Time `json:"last_activity"`
}

// DirectMessageResult is returned when opening a direct-message
// conversation. Existing is true when the relay already had a conversation
// recorded for the user pair.
type DirectMessageResult struct {
	GroupID  string `json:"group_id"`
	Existing bool   `json:"existing"`
}

// WelcomeEnvelope is a welcome fetched from the relay, pending local
// acceptance. Payload is opaque to the relay.
type WelcomeEnvelope struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"group_id"`
	SenderUserID string    `json:"sender_user_id"`
	Payload      []byte    `json:"payload"`
	ReceivedAt   time.Time `json:"received_at"`
}

// ApplicationMessage is an encrypted group message as stored by the relay.
// ID is monotonic per group.
type ApplicationMessage struct {
	ID           int64     `json:"id"`
	GroupID      string    `json:"group_id"`
	SenderUserID string    `json:"sender_user_id"`
	Ciphertext   []byte    `json:"ciphertext"`
	CreatedAt    time.Time `json:"created_at"`
}

// GroupPush is the body for pushing a message or welcome to the relay.
// RecipientUserID is set only for welcomes, which are queued per recipient
// rather than appended to the group log.
type GroupPush struct {
	GroupID         string      `json:"groupId"`
	MessageType     MessageType `json:"messageType"`
	RecipientUserID string      `json:"recipientUserId,omitempty"`
	Data            []byte      `json:"data"`
}

// MemberSync is the body and response for group membership reconciliation.
// The relay responds with its authoritative member list.
type MemberSync struct {
	MemberIDs []string `json:"memberIds"`
}
