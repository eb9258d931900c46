// Package mlsclient implements an end-to-end encrypted messaging core
// for multi-device clients: device linking, MLS-style group sessions,
// relay synchronization, and a merged conversation view for UI layers.
// All persistent secrets stay on the device; the relay only ever sees
// ciphertext and routing metadata.
package mlsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillfeed/mlsclient/groups"
	"github.com/quillfeed/mlsclient/identity"
	"github.com/quillfeed/mlsclient/mls"
	"github.com/quillfeed/mlsclient/projection"
	"github.com/quillfeed/mlsclient/relay"
)

// RelayClient is the full relay surface the session consumes. The HTTP
// client in the relay package satisfies it.
type RelayClient interface {
	groups.Relay
	identity.Relay
	FetchGroupMessages(ctx context.Context, groupID string, afterID int64) ([]relay.ApplicationMessage, error)
	FetchPendingWelcomes(ctx context.Context) ([]relay.WelcomeEnvelope, error)
}

// MessageCallback is invoked for every newly decrypted inbound message.
type MessageCallback func(groupID string, message *groups.Message)

// MessagingSession is the top-level handle for one device. Create it
// with New, call Start to run the background sync loop, and Kill to
// release everything.
type MessagingSession struct {
	options *Options
	relay   RelayClient
	device  *identity.DeviceIdentity
	linker  *identity.Linker
	engine  mls.CryptoEngine
	manager *groups.Manager
	sidebar *projection.Store

	// Messages fetched for groups whose welcome is still pending. Held
	// as ciphertext until acceptance makes the group decryptable.
	stashMu sync.Mutex
	stash   map[string][]relay.ApplicationMessage

	legacyMu sync.Mutex
	legacy   []projection.Conversation

	callbackMu      sync.RWMutex
	messageCallback MessageCallback

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session from the given options, wiring an HTTP relay
// client. The device identity is loaded from DataDir, restored from
// savedata, or freshly created, in that order of preference.
func New(options *Options) (*MessagingSession, error) {
	if options == nil {
		options = NewOptions()
	}

	store := identity.NewFileStore(options.DataDir)
	device, saved, err := loadDevice(options, store)
	if err != nil {
		return nil, err
	}

	client := relay.NewClient(options.RelayURL, options.AuthToken)
	client.SetCallTimeout(options.CallTimeout)
	client.SetDeviceID(device.DeviceID)

	return newSession(options, client, device, store, saved)
}

func loadDevice(options *Options, store identity.Store) (*identity.DeviceIdentity, *SaveData, error) {
	if len(options.SavedataData) > 0 {
		saved, err := LoadSaveData(options.SavedataData)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse savedata: %w", err)
		}
		if saved.Device == nil {
			return nil, nil, fmt.Errorf("savedata has no device identity")
		}
		if err := store.SaveIdentity(saved.Device); err != nil {
			return nil, nil, err
		}
		return saved.Device, saved, nil
	}

	device, err := identity.LoadOrCreateIdentity(store, options.UserID)
	if err != nil {
		return nil, nil, err
	}
	return device, nil, nil
}

func newSession(options *Options, rc RelayClient, device *identity.DeviceIdentity, store identity.Store, saved *SaveData) (*MessagingSession, error) {
	engine := mls.NewBoxEngine()
	manager := groups.NewManager(engine, rc, device, options.UserID)
	linker := identity.NewLinker(rc, device, store)
	linker.SetPollInterval(options.LinkingPollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	s := &MessagingSession{
		options: options,
		relay:   rc,
		device:  device,
		linker:  linker,
		engine:  engine,
		manager: manager,
		sidebar: projection.NewStore(),
		stash:   make(map[string][]relay.ApplicationMessage),
		ctx:     ctx,
		cancel:  cancel,
	}
	if saved != nil {
		manager.RestoreGroups(saved.Groups)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "newSession",
		"user_id":   options.UserID,
		"device_id": device.DeviceID[:8],
		"trusted":   device.Trusted,
	}).Info("Messaging session created")
	return s, nil
}

// Start bootstraps the crypto identity, publishes the device key
// package, and launches the periodic sync loop. Idempotent while
// running.
func (s *MessagingSession) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}

	if err := s.manager.EnsureBootstrap(s.ctx); err != nil {
		return err
	}

	s.stopChan = make(chan struct{})
	s.running = true
	go s.syncLoop(s.stopChan)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": s.options.SyncInterval,
	}).Info("Sync loop started")
	return nil
}

// Stop halts the background sync loop without releasing the session.
func (s *MessagingSession) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return
	}
	close(s.stopChan)
	s.running = false
}

// Kill stops the sync loop, cancels any linking attempt, and releases
// the session.
func (s *MessagingSession) Kill() {
	s.Stop()
	s.linker.Cancel()
	s.cancel()
}

func (s *MessagingSession) syncLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.options.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncMessages(s.ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "syncLoop",
					"error":    err,
				}).Warn("Sync pass reported failures")
			}
		}
	}
}

// OnMessage registers the callback invoked for every newly decrypted
// inbound message.
func (s *MessagingSession) OnMessage(callback MessageCallback) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.messageCallback = callback
}

// OnMembershipChange registers the group membership drift callback.
func (s *MessagingSession) OnMembershipChange(callback groups.MembershipCallback) {
	s.manager.OnMembershipChange(callback)
}

// StartLinking begins a device linking attempt. onApproved fires at most
// once, when the relay approves this device.
func (s *MessagingSession) StartLinking(ctx context.Context, deviceName string, onApproved func()) (*identity.LinkingSession, error) {
	return s.linker.StartLinking(ctx, deviceName, onApproved)
}

// CancelLinking aborts the current linking attempt, if any.
func (s *MessagingSession) CancelLinking() {
	s.linker.Cancel()
}

// LinkingState returns the state of the current linking attempt.
func (s *MessagingSession) LinkingState() identity.State {
	return s.linker.State()
}

// Device returns this session's device identity.
func (s *MessagingSession) Device() *identity.DeviceIdentity {
	return s.device
}

// EnsureKeyPackagesFresh republishes the device's last-resort key
// package when the published copy has gone stale.
func (s *MessagingSession) EnsureKeyPackagesFresh(ctx context.Context) error {
	return s.manager.EnsureKeyPackageFresh(ctx, s.options.KeyPackageMaxAge)
}

// StartConversation opens (or repairs) the direct-message group with the
// target user and returns its group id.
func (s *MessagingSession) StartConversation(ctx context.Context, targetUserID string) (string, error) {
	if err := s.manager.EnsureBootstrap(ctx); err != nil {
		return "", err
	}
	if err := s.EnsureKeyPackagesFresh(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StartConversation",
			"error":    err,
		}).Warn("Key package freshness check failed, continuing")
	}

	groupID, err := s.manager.StartDirectMessage(ctx, targetUserID)
	if err != nil {
		return "", err
	}
	s.refreshSidebar()
	return groupID, nil
}

// SendMessage encrypts and sends a message to the group, repairing local
// state first when needed. A sync pass runs before the send so the
// optimistic append lands on an up-to-date list.
func (s *MessagingSession) SendMessage(ctx context.Context, groupID, text string) (*groups.Message, error) {
	if err := s.manager.EnsureGroupReady(ctx, groupID); err != nil {
		return nil, err
	}
	if err := s.SyncMessages(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendMessage",
			"group_id": groupID,
			"error":    err,
		}).Warn("Pre-send sync reported failures, sending anyway")
	}

	message, err := s.manager.SendMessage(ctx, groupID, text)
	if err != nil {
		return message, err
	}
	s.refreshSidebar()
	return message, nil
}

// VisibleMessages returns the group's surfaced message list: nil until
// the group's welcome has been accepted.
func (s *MessagingSession) VisibleMessages(groupID string) []*groups.Message {
	return s.manager.VisibleMessages(groupID)
}

// GetPendingWelcomes lists welcomes awaiting a user decision, oldest
// first.
func (s *MessagingSession) GetPendingWelcomes() []*groups.Welcome {
	return s.manager.PendingWelcomes()
}

// AcceptWelcome accepts a pending welcome, making its group usable, and
// immediately surfaces any messages stashed for that group during
// earlier sync passes.
func (s *MessagingSession) AcceptWelcome(ctx context.Context, welcome *groups.Welcome) (string, error) {
	groupID, err := s.manager.AcceptWelcome(ctx, welcome)
	if err != nil {
		return "", err
	}

	s.drainStash(groupID)
	s.refreshSidebar()
	return groupID, nil
}

// DismissWelcome drops a pending welcome without joining the group.
func (s *MessagingSession) DismissWelcome(ctx context.Context, welcomeID string) {
	s.manager.DismissWelcome(ctx, welcomeID)
}

// SetLegacyConversations replaces the legacy rows merged into the
// sidebar view.
func (s *MessagingSession) SetLegacyConversations(rows []projection.Conversation) {
	s.legacyMu.Lock()
	s.legacy = append([]projection.Conversation(nil), rows...)
	s.legacyMu.Unlock()
	s.refreshSidebar()
}

// SelectConversation marks the conversation selected, resetting its
// unread counter and marking its messages read.
func (s *MessagingSession) SelectConversation(id any) {
	s.sidebar.Select(id)
	s.manager.MarkRead(projection.NormalizeID(id))
}

// SearchConversations filters the sidebar by a case-insensitive
// substring over display names.
func (s *MessagingSession) SearchConversations(query string) []projection.Item {
	return s.sidebar.Search(query)
}

// SidebarItems returns the merged conversation view, most recent
// activity first.
func (s *MessagingSession) SidebarItems() []projection.Item {
	return s.sidebar.Items()
}

// SetTyping flips the typing indicator for a conversation.
func (s *MessagingSession) SetTyping(id any, typing bool) {
	s.sidebar.SetTyping(id, typing)
}

// GetSavedata returns the persistable session state as a byte slice.
func (s *MessagingSession) GetSavedata() []byte {
	saveData := &SaveData{
		Device:    s.device,
		Groups:    s.manager.SnapshotGroups(),
		Timestamp: time.Now().Unix(),
	}
	return saveData.Serialize()
}

// refreshSidebar reprojects the sidebar from current group state. Groups
// whose welcome has not been accepted are excluded entirely.
func (s *MessagingSession) refreshSidebar() {
	var direct []projection.Conversation
	for _, groupID := range s.manager.KnownGroupIDs() {
		if !s.manager.HasGroup(groupID) {
			continue
		}
		name := s.manager.OtherUser(groupID)
		if name == "" {
			name = groupID
		}
		direct = append(direct, projection.Conversation{
			ID:           groupID,
			DisplayName:  name,
			LastActivity: s.manager.LastActivity(groupID).UnixMilli(),
			Kind:         projection.KindDirectMessage,
		})
	}

	s.legacyMu.Lock()
	legacy := append([]projection.Conversation(nil), s.legacy...)
	s.legacyMu.Unlock()

	s.sidebar.Project(legacy, nil, direct)
}
