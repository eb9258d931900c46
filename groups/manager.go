package groups

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillfeed/mlsclient/identity"
	"github.com/quillfeed/mlsclient/mls"
	"github.com/quillfeed/mlsclient/relay"
)

// Relay is the slice of the relay API the session manager needs.
type Relay interface {
	GetKeyPackage(ctx context.Context, userID string) (*relay.KeyPackage, error)
	PublishKeyPackage(ctx context.Context, pkg *relay.KeyPackage) error
	OpenDirectMessage(ctx context.Context, targetUserID string) (*relay.DirectMessageResult, error)
	ListDirectMessages(ctx context.Context) ([]relay.DirectMessageInfo, error)
	SyncGroupMembers(ctx context.Context, groupID string, memberIDs []string) ([]string, error)
	PushGroupMessage(ctx context.Context, push *relay.GroupPush) (int64, error)
	AcknowledgeWelcome(ctx context.Context, welcomeID string) error
}

// MembershipCallback fires when a group's authoritative membership differs
// from the local belief after a sync.
type MembershipCallback func(groupID string, members []string)

// groupState is the local view of one group. op serializes whole
// operations (send, accept, invite, repair) so concurrent work on the
// same group queues instead of interleaving; mu guards the data fields
// so reads never wait behind a network call. Operations on different
// groups do not contend.
type groupState struct {
	op           sync.Mutex
	mu           sync.Mutex
	id           string
	otherUserID  string
	members      map[string]struct{}
	messages     []*Message
	seen         map[int64]struct{}
	lastSeenID   int64
	lastActivity time.Time
}

// Snapshot is the persistable shell of a group: everything except the
// crypto state, which the engine owns and repair can rebuild.
type Snapshot struct {
	GroupID      string    `json:"group_id"`
	OtherUserID  string    `json:"other_user_id,omitempty"`
	Members      []string  `json:"members"`
	LastSeenID   int64     `json:"last_seen_id"`
	LastActivity time.Time `json:"last_activity"`
}

// Manager owns the mapping from group id to local group state.
type Manager struct {
	engine mls.CryptoEngine
	relay  Relay
	device *identity.DeviceIdentity
	userID string

	mu       sync.RWMutex
	groups   map[string]*groupState
	pending  map[string]*Welcome
	accepted map[string]string // welcome id -> group id

	bootstrapMu   sync.Mutex
	bootstrapDone bool
	publishedAt   time.Time
	publishedHash string

	inviteAttempts int
	backoffMin     time.Duration
	backoffMax     time.Duration

	onMembership MembershipCallback
}

// NewManager creates a session manager for one device.
func NewManager(engine mls.CryptoEngine, r Relay, device *identity.DeviceIdentity, userID string) *Manager {
	return &Manager{
		engine:         engine,
		relay:          r,
		device:         device,
		userID:         userID,
		groups:         make(map[string]*groupState),
		pending:        make(map[string]*Welcome),
		accepted:       make(map[string]string),
		inviteAttempts: 4,
		backoffMin:     300 * time.Millisecond,
		backoffMax:     700 * time.Millisecond,
	}
}

// SetInviteBackoff tunes the bounded retry used while peer key packages
// propagate.
func (m *Manager) SetInviteBackoff(attempts int, min, max time.Duration) {
	if attempts > 0 {
		m.inviteAttempts = attempts
	}
	if min > 0 && max >= min {
		m.backoffMin = min
		m.backoffMax = max
	}
}

// OnMembershipChange registers the membership drift callback.
func (m *Manager) OnMembershipChange(callback MembershipCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMembership = callback
}

// EnsureBootstrap initializes the engine identity for this device and
// publishes a fresh last-resort key package. Idempotent; concurrent calls
// coalesce on the bootstrap mutex and later callers observe the done flag.
func (m *Manager) EnsureBootstrap(ctx context.Context) error {
	m.bootstrapMu.Lock()
	defer m.bootstrapMu.Unlock()

	if m.bootstrapDone {
		return nil
	}

	if err := m.engine.CreateIdentity(m.userID, m.device.DeviceID); err != nil {
		return fmt.Errorf("failed to initialize engine identity: %w", err)
	}
	if err := m.publishKeyPackageLocked(ctx); err != nil {
		return err
	}

	m.bootstrapDone = true
	logrus.WithFields(logrus.Fields{
		"function":  "EnsureBootstrap",
		"user_id":   m.userID,
		"device_id": m.device.DeviceID[:8],
	}).Info("Bootstrap complete")
	return nil
}

// EnsureKeyPackageFresh republishes the device's last-resort key package
// when the published copy is older than maxAge. Called on bootstrap and
// opportunistically before inviting a new peer.
func (m *Manager) EnsureKeyPackageFresh(ctx context.Context, maxAge time.Duration) error {
	m.bootstrapMu.Lock()
	defer m.bootstrapMu.Unlock()

	if !m.bootstrapDone {
		return fmt.Errorf("key package refresh before bootstrap: %w", mls.ErrNoIdentity)
	}
	if time.Since(m.publishedAt) < maxAge {
		return nil
	}
	return m.publishKeyPackageLocked(ctx)
}

// publishKeyPackageLocked issues and uploads a fresh key package. Caller
// holds bootstrapMu.
func (m *Manager) publishKeyPackageLocked(ctx context.Context) error {
	bundle, err := m.engine.KeyPackage()
	if err != nil {
		return fmt.Errorf("failed to issue key package: %w", err)
	}

	pkg := &relay.KeyPackage{
		UserID:       m.userID,
		DeviceID:     m.device.DeviceID,
		Package:      bundle.Data,
		Hash:         bundle.Hash,
		IsLastResort: true,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := m.relay.PublishKeyPackage(ctx, pkg); err != nil {
		return fmt.Errorf("failed to publish key package: %w", err)
	}

	m.publishedAt = time.Now()
	m.publishedHash = bundle.Hash
	logrus.WithFields(logrus.Fields{
		"function": "publishKeyPackageLocked",
		"hash":     bundle.Hash[:8],
	}).Debug("Key package published")
	return nil
}

// HasGroup reports whether usable local state exists for the group. Pure
// local query; never performs network I/O.
func (m *Manager) HasGroup(groupID string) bool {
	m.mu.RLock()
	_, shell := m.groups[groupID]
	m.mu.RUnlock()
	return shell && m.engine.HasGroup(groupID)
}

// state returns the group shell, creating it when absent.
func (m *Manager) state(groupID string) *groupState {
	m.mu.Lock()
	defer m.mu.Unlock()

	gs, exists := m.groups[groupID]
	if !exists {
		gs = &groupState{
			id:      groupID,
			members: map[string]struct{}{m.userID: {}},
			seen:    make(map[int64]struct{}),
		}
		m.groups[groupID] = gs
	}
	return gs
}

// lookupState returns the group shell without creating it.
func (m *Manager) lookupState(groupID string) (*groupState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gs, exists := m.groups[groupID]
	return gs, exists
}

// KnownGroupIDs returns the ids of all groups with a local shell.
func (m *Manager) KnownGroupIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	return ids
}

// Epoch returns the group's current crypto epoch.
func (m *Manager) Epoch(groupID string) (uint64, error) {
	return m.engine.Epoch(groupID)
}

// Members returns the local membership belief for the group.
func (m *Manager) Members(groupID string) []string {
	gs, exists := m.lookupState(groupID)
	if !exists {
		return nil
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	members := make([]string, 0, len(gs.members))
	for member := range gs.members {
		members = append(members, member)
	}
	return members
}

// SyncMembers reconciles the local membership belief with the relay's
// authoritative list and fires the drift callback when they differ.
func (m *Manager) SyncMembers(ctx context.Context, groupID string) ([]string, error) {
	gs, exists := m.lookupState(groupID)
	if !exists {
		return nil, ErrNoGroup
	}

	gs.mu.Lock()
	local := make([]string, 0, len(gs.members))
	for member := range gs.members {
		local = append(local, member)
	}
	gs.mu.Unlock()

	authoritative, err := m.relay.SyncGroupMembers(ctx, groupID, local)
	if err != nil {
		return nil, translateRelayError(err)
	}

	gs.mu.Lock()
	changed := len(authoritative) != len(gs.members)
	members := make(map[string]struct{}, len(authoritative))
	for _, member := range authoritative {
		if _, known := gs.members[member]; !known {
			changed = true
		}
		members[member] = struct{}{}
	}
	gs.members = members
	gs.mu.Unlock()

	if changed {
		m.mu.RLock()
		callback := m.onMembership
		m.mu.RUnlock()
		if callback != nil {
			callback(groupID, authoritative)
		}
		logrus.WithFields(logrus.Fields{
			"function": "SyncMembers",
			"group_id": shortID(groupID),
			"members":  len(authoritative),
		}).Info("Group membership updated from relay")
	}
	return authoritative, nil
}

// SnapshotGroups exports the persistable shells of all known groups.
func (m *Manager) SnapshotGroups() []Snapshot {
	ids := m.KnownGroupIDs()
	snapshots := make([]Snapshot, 0, len(ids))

	for _, id := range ids {
		gs, exists := m.lookupState(id)
		if !exists {
			continue
		}
		gs.mu.Lock()
		snapshot := Snapshot{
			GroupID:      gs.id,
			OtherUserID:  gs.otherUserID,
			LastSeenID:   gs.lastSeenID,
			LastActivity: gs.lastActivity,
		}
		for member := range gs.members {
			snapshot.Members = append(snapshot.Members, member)
		}
		gs.mu.Unlock()
		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}

// RestoreGroups reinstalls group shells from persisted snapshots. Crypto
// state is not restored here; the repair path rebuilds it on demand.
func (m *Manager) RestoreGroups(snapshots []Snapshot) {
	for _, snapshot := range snapshots {
		gs := m.state(snapshot.GroupID)
		gs.mu.Lock()
		gs.otherUserID = snapshot.OtherUserID
		gs.lastSeenID = snapshot.LastSeenID
		gs.lastActivity = snapshot.LastActivity
		gs.members = make(map[string]struct{}, len(snapshot.Members))
		for _, member := range snapshot.Members {
			gs.members[member] = struct{}{}
		}
		gs.mu.Unlock()
	}
}

// translateRelayError maps relay errors into the session error taxonomy
// before they reach callers.
func translateRelayError(err error) error {
	if err == nil {
		return nil
	}
	if isForbidden(err) {
		return fmt.Errorf("%w: %v", ErrMembership, err)
	}
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
