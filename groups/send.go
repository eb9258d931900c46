package groups

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillfeed/mlsclient/relay"
)

// SendMessage encrypts and pushes an application message. The local list
// is optimistically updated before the relay acknowledges; the
// authoritative copy is reconciled on the next sync pass. Requires local
// group state: callers without it go through EnsureGroupReady first.
func (m *Manager) SendMessage(ctx context.Context, groupID, text string) (*Message, error) {
	if !m.device.IsTrusted() {
		return nil, ErrUntrustedDevice
	}
	if !m.HasGroup(groupID) {
		return nil, ErrNoGroup
	}

	gs, _ := m.lookupState(groupID)
	gs.op.Lock()
	defer gs.op.Unlock()

	ciphertext, err := m.engine.Encrypt(groupID, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	message := &Message{
		GroupID:      groupID,
		SenderUserID: m.userID,
		Text:         text,
		CreatedAt:    time.Now(),
		State:        DeliveryPending,
		Outgoing:     true,
		Read:         true,
	}
	gs.mu.Lock()
	gs.messages = append(gs.messages, message)
	gs.lastActivity = message.CreatedAt
	gs.mu.Unlock()

	id, err := m.relay.PushGroupMessage(ctx, &relay.GroupPush{
		GroupID:     groupID,
		MessageType: relay.MessageTypeApplication,
		Data:        ciphertext,
	})
	if err != nil {
		message.State = DeliveryFailed
		return message, translateRelayError(err)
	}

	gs.mu.Lock()
	message.ID = id
	message.State = DeliverySent
	gs.seen[id] = struct{}{}
	gs.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "SendMessage",
		"group_id":   shortID(groupID),
		"message_id": id,
	}).Debug("Message pushed to relay")
	return message, nil
}

// IngestMessages decrypts relay messages and appends them to the group's
// list in ascending id order, skipping ids already present. Returns the
// newly appended inbound messages for callback delivery. Undecryptable
// messages are logged and skipped; they do not abort the batch.
func (m *Manager) IngestMessages(groupID string, incoming []relay.ApplicationMessage) ([]*Message, error) {
	if !m.HasGroup(groupID) {
		return nil, ErrNoGroup
	}

	gs, _ := m.lookupState(groupID)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	sort.Slice(incoming, func(i, j int) bool { return incoming[i].ID < incoming[j].ID })

	var fresh []*Message
	for _, wire := range incoming {
		if wire.GroupID != groupID {
			continue
		}
		if _, exists := gs.seen[wire.ID]; exists {
			// Authoritative copy of a message this device pushed.
			m.reconcileOwnLocked(gs, wire.ID)
			m.advanceLastSeenLocked(gs, wire.ID, wire.CreatedAt)
			continue
		}

		plaintext, err := m.engine.Decrypt(groupID, wire.Ciphertext)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "IngestMessages",
				"group_id":   shortID(groupID),
				"message_id": wire.ID,
				"error":      err,
			}).Warn("Failed to decrypt message, skipping")
			continue
		}

		message := &Message{
			ID:           wire.ID,
			GroupID:      groupID,
			SenderUserID: wire.SenderUserID,
			Text:         string(plaintext),
			CreatedAt:    wire.CreatedAt,
			State:        DeliveryDelivered,
			Outgoing:     wire.SenderUserID == m.userID,
		}
		gs.messages = append(gs.messages, message)
		gs.seen[wire.ID] = struct{}{}
		m.advanceLastSeenLocked(gs, wire.ID, wire.CreatedAt)

		if !message.Outgoing {
			fresh = append(fresh, message)
		}
	}

	if len(fresh) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "IngestMessages",
			"group_id": shortID(groupID),
			"count":    len(fresh),
		}).Info("New messages appended")
	}
	return fresh, nil
}

// reconcileOwnLocked marks a locally pushed message as delivered once its
// authoritative copy comes back from the relay.
func (m *Manager) reconcileOwnLocked(gs *groupState, id int64) {
	for _, message := range gs.messages {
		if message.ID == id && message.Outgoing && message.State == DeliverySent {
			message.State = DeliveryDelivered
			return
		}
	}
}

func (m *Manager) advanceLastSeenLocked(gs *groupState, id int64, createdAt time.Time) {
	if id > gs.lastSeenID {
		gs.lastSeenID = id
	}
	if createdAt.After(gs.lastActivity) {
		gs.lastActivity = createdAt
	}
}

// VisibleMessages returns the group's message list in append order, or
// nil while the group's welcome has not been accepted. This gate is what
// keeps messages invisible until the welcome that authorizes decrypting
// them has been processed.
func (m *Manager) VisibleMessages(groupID string) []*Message {
	if !m.HasGroup(groupID) {
		return nil
	}

	gs, exists := m.lookupState(groupID)
	if !exists {
		return nil
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	messages := make([]*Message, len(gs.messages))
	copy(messages, gs.messages)
	return messages
}

// LastSeenID returns the highest synced message id for the group, the
// cursor for incremental relay fetches.
func (m *Manager) LastSeenID(groupID string) int64 {
	gs, exists := m.lookupState(groupID)
	if !exists {
		return 0
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.lastSeenID
}

// LastActivity returns the timestamp of the group's most recent message.
func (m *Manager) LastActivity(groupID string) time.Time {
	gs, exists := m.lookupState(groupID)
	if !exists {
		return time.Time{}
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.lastActivity
}

// OtherUser returns the counterparty of a direct-message group, if known.
func (m *Manager) OtherUser(groupID string) string {
	gs, exists := m.lookupState(groupID)
	if !exists {
		return ""
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.otherUserID
}

// MarkRead flags every message in the group as read.
func (m *Manager) MarkRead(groupID string) {
	gs, exists := m.lookupState(groupID)
	if !exists {
		return
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for _, message := range gs.messages {
		message.Read = true
	}
}
