package mlsclient

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/quillfeed/mlsclient/groups"
	"github.com/quillfeed/mlsclient/relay"
)

// SyncMessages performs one synchronization pass, in strict order:
// fetch pending welcomes into the pending set (never auto-accepted),
// then fetch new application messages for every known group. Messages
// for groups whose welcome is still pending are fetched and stashed as
// ciphertext; they surface only after AcceptWelcome.
//
// One pass, best effort: a sub-fetch failure is logged and the pass
// continues with the other groups. The joined error is returned so
// callers can decide on retry; partial failure never loses fetched data.
func (s *MessagingSession) SyncMessages(ctx context.Context) error {
	var errs []error

	envelopes, err := s.relay.FetchPendingWelcomes(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SyncMessages",
			"error":    err,
		}).Warn("Welcome fetch failed")
		errs = append(errs, err)
	}
	for _, envelope := range envelopes {
		s.manager.AddPendingWelcome(&groups.Welcome{
			ID:           envelope.ID,
			GroupID:      envelope.GroupID,
			SenderUserID: envelope.SenderUserID,
			Payload:      envelope.Payload,
			ReceivedAt:   envelope.ReceivedAt,
		})
	}

	for _, groupID := range s.syncableGroupIDs() {
		if err := s.syncGroup(ctx, groupID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SyncMessages",
				"group_id": groupID,
				"error":    err,
			}).Warn("Group sync failed, continuing with others")
			errs = append(errs, err)
		}
	}

	s.refreshSidebar()
	return errors.Join(errs...)
}

// syncableGroupIDs returns the groups worth fetching this pass: every
// group with usable local state, plus groups known only through a
// pending welcome.
func (s *MessagingSession) syncableGroupIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, groupID := range s.manager.KnownGroupIDs() {
		if s.manager.HasGroup(groupID) {
			seen[groupID] = struct{}{}
			ids = append(ids, groupID)
		}
	}
	for _, welcome := range s.manager.PendingWelcomes() {
		if _, dup := seen[welcome.GroupID]; dup {
			continue
		}
		seen[welcome.GroupID] = struct{}{}
		ids = append(ids, welcome.GroupID)
	}
	return ids
}

func (s *MessagingSession) syncGroup(ctx context.Context, groupID string) error {
	if s.manager.HasGroup(groupID) {
		incoming, err := s.relay.FetchGroupMessages(ctx, groupID, s.manager.LastSeenID(groupID))
		if err != nil {
			return err
		}
		s.ingestAndNotify(groupID, incoming)
		return nil
	}

	// Welcome still pending: fetch early and stash the ciphertext so
	// nothing is lost, but surface nothing.
	incoming, err := s.relay.FetchGroupMessages(ctx, groupID, s.stashedAfter(groupID))
	if err != nil {
		return err
	}
	s.stashMessages(groupID, incoming)
	return nil
}

// ingestAndNotify decrypts a batch into the group's list and delivers
// the fresh inbound messages to the unread counter and the message
// callback.
func (s *MessagingSession) ingestAndNotify(groupID string, incoming []relay.ApplicationMessage) {
	fresh, err := s.manager.IngestMessages(groupID, incoming)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ingestAndNotify",
			"group_id": groupID,
			"error":    err,
		}).Warn("Message ingest failed")
		return
	}

	s.callbackMu.RLock()
	callback := s.messageCallback
	s.callbackMu.RUnlock()

	for _, message := range fresh {
		s.sidebar.IncrementUnread(groupID)
		if callback != nil {
			callback(groupID, message)
		}
	}
}

func (s *MessagingSession) stashMessages(groupID string, incoming []relay.ApplicationMessage) {
	if len(incoming) == 0 {
		return
	}
	s.stashMu.Lock()
	s.stash[groupID] = append(s.stash[groupID], incoming...)
	s.stashMu.Unlock()
}

// stashedAfter returns the highest stashed message id for the group, the
// fetch cursor while its welcome is pending.
func (s *MessagingSession) stashedAfter(groupID string) int64 {
	s.stashMu.Lock()
	defer s.stashMu.Unlock()

	var max int64
	for _, message := range s.stash[groupID] {
		if message.ID > max {
			max = message.ID
		}
	}
	return max
}

// drainStash ingests everything stashed for a group once its welcome has
// been accepted.
func (s *MessagingSession) drainStash(groupID string) {
	s.stashMu.Lock()
	stashed := s.stash[groupID]
	delete(s.stash, groupID)
	s.stashMu.Unlock()

	if len(stashed) == 0 {
		return
	}
	s.ingestAndNotify(groupID, stashed)
}
