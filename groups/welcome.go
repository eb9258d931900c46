package groups

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// AddPendingWelcome inserts a fetched welcome into the pending set. It is
// never auto-accepted; the UI decides. Welcomes already pending or already
// accepted are ignored. Reports whether the welcome was inserted.
func (m *Manager) AddPendingWelcome(welcome *Welcome) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, accepted := m.accepted[welcome.ID]; accepted {
		return false
	}
	if _, exists := m.pending[welcome.ID]; exists {
		return false
	}

	m.pending[welcome.ID] = welcome
	logrus.WithFields(logrus.Fields{
		"function":   "AddPendingWelcome",
		"welcome_id": shortID(welcome.ID),
		"group_id":   shortID(welcome.GroupID),
		"sender":     welcome.SenderUserID,
	}).Info("Welcome added to pending set")
	return true
}

// PendingWelcomes returns the pending set, oldest first.
func (m *Manager) PendingWelcomes() []*Welcome {
	m.mu.RLock()
	defer m.mu.RUnlock()

	welcomes := make([]*Welcome, 0, len(m.pending))
	for _, welcome := range m.pending {
		welcomes = append(welcomes, welcome)
	}
	sort.Slice(welcomes, func(i, j int) bool {
		return welcomes[i].ReceivedAt.Before(welcomes[j].ReceivedAt)
	})
	return welcomes
}

// HasPendingWelcome reports whether an un-accepted welcome exists for the
// group. Messages for such a group stay invisible until acceptance.
func (m *Manager) HasPendingWelcome(groupID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, welcome := range m.pending {
		if welcome.GroupID == groupID {
			return true
		}
	}
	return false
}

// AcceptWelcome processes a welcome, installing the group state it
// carries. Idempotent: accepting the same welcome id again returns the
// same group id without touching state. Only trusted devices may accept;
// an unlinked device can hold queued welcomes but not open them.
func (m *Manager) AcceptWelcome(ctx context.Context, welcome *Welcome) (string, error) {
	if !m.device.IsTrusted() {
		return "", ErrUntrustedDevice
	}

	m.mu.RLock()
	groupID, accepted := m.accepted[welcome.ID]
	m.mu.RUnlock()
	if accepted {
		return groupID, nil
	}

	groupID, err := m.engine.ProcessWelcome(welcome.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to process welcome: %w", err)
	}

	gs := m.state(groupID)
	gs.op.Lock()
	defer gs.op.Unlock()

	gs.mu.Lock()
	if gs.otherUserID == "" && welcome.SenderUserID != m.userID {
		gs.otherUserID = welcome.SenderUserID
	}
	gs.members[welcome.SenderUserID] = struct{}{}
	gs.mu.Unlock()

	m.mu.Lock()
	delete(m.pending, welcome.ID)
	m.accepted[welcome.ID] = groupID
	m.mu.Unlock()

	// Relay acknowledgment and membership refresh are best effort; the
	// group is usable either way and the next sync pass catches up.
	if err := m.relay.AcknowledgeWelcome(ctx, welcome.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "AcceptWelcome",
			"welcome_id": shortID(welcome.ID),
			"error":      err,
		}).Warn("Failed to acknowledge welcome with relay")
	}
	if _, err := m.SyncMembers(ctx, groupID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AcceptWelcome",
			"group_id": shortID(groupID),
			"error":    err,
		}).Warn("Membership refresh after accept failed")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "AcceptWelcome",
		"welcome_id": shortID(welcome.ID),
		"group_id":   shortID(groupID),
	}).Info("Welcome accepted, group available")
	return groupID, nil
}

// DismissWelcome drops a pending welcome without accepting it and tells
// the relay to stop re-delivering it.
func (m *Manager) DismissWelcome(ctx context.Context, welcomeID string) {
	m.mu.Lock()
	_, existed := m.pending[welcomeID]
	delete(m.pending, welcomeID)
	m.mu.Unlock()

	if !existed {
		return
	}
	if err := m.relay.AcknowledgeWelcome(ctx, welcomeID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "DismissWelcome",
			"welcome_id": shortID(welcomeID),
			"error":      err,
		}).Warn("Failed to acknowledge dismissed welcome")
	}
}
