package groups

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillfeed/mlsclient/relay"
)

// StartDirectMessage returns the group id for the deterministic
// (self, target) pairing, creating or repairing state as needed.
//
// Three cases:
//  1. Usable local state exists for the pairing: return it.
//  2. The relay reports an existing conversation but local crypto state is
//     missing (storage cleared, new session): run local repair, which
//     rebuilds capability without changing the group id or the remote
//     membership record.
//  3. No conversation exists yet: create local state and invite the
//     counterparty, retrying with bounded backoff while their key package
//     propagates.
func (m *Manager) StartDirectMessage(ctx context.Context, targetUserID string) (string, error) {
	if !m.device.IsTrusted() {
		return "", ErrUntrustedDevice
	}

	if groupID, found := m.findDirectGroup(targetUserID); found {
		return groupID, nil
	}

	result, err := m.relay.OpenDirectMessage(ctx, targetUserID)
	if err != nil {
		return "", translateRelayError(err)
	}

	gs := m.state(result.GroupID)
	gs.mu.Lock()
	gs.otherUserID = targetUserID
	gs.members[targetUserID] = struct{}{}
	gs.mu.Unlock()

	if m.engine.HasGroup(result.GroupID) {
		return result.GroupID, nil
	}

	gs.op.Lock()
	defer gs.op.Unlock()

	if result.Existing {
		// Conversation exists remotely but this device lost its state.
		if err := m.repairLocked(ctx, result.GroupID, targetUserID); err != nil {
			return "", err
		}
		return result.GroupID, nil
	}

	if err := m.engine.CreateGroup(result.GroupID); err != nil {
		return "", fmt.Errorf("failed to create group state: %w", err)
	}
	if err := m.inviteLocked(ctx, result.GroupID, targetUserID); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartDirectMessage",
		"group_id": shortID(result.GroupID),
		"target":   targetUserID,
	}).Info("Direct-message group created")
	return result.GroupID, nil
}

// EnsureGroupReady guarantees usable local state for the group, running
// repair when the shell is known but the crypto state is gone.
func (m *Manager) EnsureGroupReady(ctx context.Context, groupID string) error {
	if m.HasGroup(groupID) {
		return nil
	}
	if !m.device.IsTrusted() {
		return ErrUntrustedDevice
	}

	gs, exists := m.lookupState(groupID)
	if !exists {
		// No cached metadata at all; see if the relay knows the group.
		if err := m.adoptRemoteGroup(ctx, groupID); err != nil {
			return err
		}
		gs, _ = m.lookupState(groupID)
	}

	gs.op.Lock()
	defer gs.op.Unlock()
	if m.engine.HasGroup(groupID) {
		return nil
	}

	gs.mu.Lock()
	other := gs.otherUserID
	gs.mu.Unlock()
	return m.repairLocked(ctx, groupID, other)
}

// InviteToGroup adds a member to an existing group, advancing its epoch.
// The relay rejects invites from non-members; that surfaces as
// ErrMembership.
func (m *Manager) InviteToGroup(ctx context.Context, groupID, userID string) error {
	if !m.device.IsTrusted() {
		return ErrUntrustedDevice
	}
	if !m.HasGroup(groupID) {
		return ErrNoGroup
	}

	gs, _ := m.lookupState(groupID)
	gs.op.Lock()
	defer gs.op.Unlock()
	return m.inviteLocked(ctx, groupID, userID)
}

// repairLocked rebuilds lost local crypto state for a group the relay
// still records. Caller holds the group's op lock.
//
// The algorithm: recreate the minimal group shell through the engine's
// create-group primitive scoped to the known id, then resynchronize
// membership from the relay's authoritative list. When membership sync
// fails, fall back to re-inviting the counterparty; when both paths fail
// the state is unrecoverable and the device must re-link.
func (m *Manager) repairLocked(ctx context.Context, groupID, otherUserID string) error {
	logrus.WithFields(logrus.Fields{
		"function": "repairLocked",
		"group_id": shortID(groupID),
	}).Warn("Local group state missing, attempting repair")

	if err := m.engine.CreateGroup(groupID); err != nil {
		return fmt.Errorf("%w: recreating group shell: %v", ErrCorruptLocalState, err)
	}

	if _, err := m.SyncMembers(ctx, groupID); err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "repairLocked",
			"group_id": shortID(groupID),
		}).Info("Group state repaired from relay membership")
		return nil
	} else if errors.Is(err, ErrMembership) {
		return err
	}

	if otherUserID == "" {
		return fmt.Errorf("%w: no counterparty known for %s", ErrCorruptLocalState, shortID(groupID))
	}

	// Membership sync failed; re-inviting the counterparty re-establishes
	// the shared state without changing the group id.
	if err := m.inviteLocked(ctx, groupID, otherUserID); err != nil {
		return fmt.Errorf("%w: repair and re-invite both failed: %v", ErrCorruptLocalState, err)
	}
	return nil
}

// inviteLocked fetches the peer's key package (with bounded backoff while
// it propagates), admits them through the engine, and delivers the sealed
// welcome via the relay. Caller holds the group's op lock.
func (m *Manager) inviteLocked(ctx context.Context, groupID, userID string) error {
	pkg, err := m.fetchKeyPackageWithRetry(ctx, userID)
	if err != nil {
		return err
	}

	welcome, err := m.engine.AddMember(groupID, pkg.Package)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	if _, err := m.relay.PushGroupMessage(ctx, &relay.GroupPush{
		GroupID:         groupID,
		MessageType:     relay.MessageTypeWelcome,
		RecipientUserID: userID,
		Data:            welcome,
	}); err != nil {
		return translateRelayError(err)
	}

	gs := m.state(groupID)
	gs.mu.Lock()
	gs.members[userID] = struct{}{}
	local := make([]string, 0, len(gs.members))
	for member := range gs.members {
		local = append(local, member)
	}
	gs.mu.Unlock()

	if _, err := m.relay.SyncGroupMembers(ctx, groupID, local); err != nil {
		return translateRelayError(err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "inviteLocked",
		"group_id": shortID(groupID),
		"user_id":  userID,
	}).Info("Member invited, welcome delivered")
	return nil
}

// fetchKeyPackageWithRetry polls for a peer key package that may still be
// propagating. Bounded: up to inviteAttempts tries with jittered backoff
// between attempts, then the last error surfaces.
func (m *Manager) fetchKeyPackageWithRetry(ctx context.Context, userID string) (*relay.KeyPackage, error) {
	var lastErr error
	for attempt := 1; attempt <= m.inviteAttempts; attempt++ {
		pkg, err := m.relay.GetKeyPackage(ctx, userID)
		if err == nil {
			return pkg, nil
		}
		lastErr = err

		if !errors.Is(err, relay.ErrNotAvailableYet) && !errors.Is(err, relay.ErrNetwork) {
			return nil, translateRelayError(err)
		}
		if attempt == m.inviteAttempts {
			break
		}

		logrus.WithFields(logrus.Fields{
			"function": "fetchKeyPackageWithRetry",
			"user_id":  userID,
			"attempt":  attempt,
		}).Debug("Key package not available yet, backing off")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.backoffDelay()):
		}
	}
	return nil, fmt.Errorf("key package for %s after %d attempts: %w", userID, m.inviteAttempts, lastErr)
}

// backoffDelay picks a jittered delay in [backoffMin, backoffMax].
func (m *Manager) backoffDelay() time.Duration {
	if m.backoffMax <= m.backoffMin {
		return m.backoffMin
	}
	return m.backoffMin + time.Duration(rand.Int63n(int64(m.backoffMax-m.backoffMin)))
}

// findDirectGroup scans local state for a usable direct-message group
// with the target user.
func (m *Manager) findDirectGroup(targetUserID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, gs := range m.groups {
		gs.mu.Lock()
		match := gs.otherUserID == targetUserID
		gs.mu.Unlock()
		if match && m.engine.HasGroup(id) {
			return id, true
		}
	}
	return "", false
}

// adoptRemoteGroup creates a local shell for a group the relay records
// but this device has never seen, e.g. after savedata loss.
func (m *Manager) adoptRemoteGroup(ctx context.Context, groupID string) error {
	infos, err := m.relay.ListDirectMessages(ctx)
	if err != nil {
		return translateRelayError(err)
	}

	for _, info := range infos {
		if info.GroupID != groupID {
			continue
		}
		gs := m.state(groupID)
		gs.mu.Lock()
		gs.otherUserID = info.OtherUserID
		gs.members[info.OtherUserID] = struct{}{}
		gs.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoGroup, shortID(groupID))
}

// isForbidden reports whether the relay refused the caller as a
// non-member.
func isForbidden(err error) bool {
	return errors.Is(err, relay.ErrForbidden)
}
