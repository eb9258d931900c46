package mlsclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillfeed/mlsclient/groups"
	"github.com/quillfeed/mlsclient/identity"
	"github.com/quillfeed/mlsclient/projection"
	"github.com/quillfeed/mlsclient/relay"
)

// memRelay is an in-memory relay shared by the sessions under test. It
// tracks welcome queues per recipient and a monotonic message log per
// group, like the real backend.
type memRelay struct {
	mu sync.Mutex

	keyPackages    map[string]*relay.KeyPackage
	keyPackageErrs map[string][]error

	direct        map[string]*relay.DirectMessageResult
	conversations []relay.DirectMessageInfo
	members       map[string][]string

	nextID       int64
	nextWelcome  int
	messages     map[string][]relay.ApplicationMessage
	welcomes     map[string][]relay.WelcomeEnvelope
	welcomeOwner map[string]string // welcome id -> recipient
	acked        map[string]bool

	fetchErr error
}

func newMemRelay() *memRelay {
	return &memRelay{
		keyPackages:    make(map[string]*relay.KeyPackage),
		keyPackageErrs: make(map[string][]error),
		direct:         make(map[string]*relay.DirectMessageResult),
		members:        make(map[string][]string),
		messages:       make(map[string][]relay.ApplicationMessage),
		welcomes:       make(map[string][]relay.WelcomeEnvelope),
		welcomeOwner:   make(map[string]string),
		acked:          make(map[string]bool),
	}
}

func (r *memRelay) StartLinking(_ context.Context, devicePublicID, _ string) (*relay.LinkingGrant, error) {
	return &relay.LinkingGrant{Token: "token-" + devicePublicID, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (r *memRelay) GetLinkingStatus(_ context.Context, _ string) (*relay.LinkingStatus, error) {
	return &relay.LinkingStatus{Approved: true}, nil
}

func (r *memRelay) GetKeyPackage(_ context.Context, userID string) (*relay.KeyPackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if errs := r.keyPackageErrs[userID]; len(errs) > 0 {
		err := errs[0]
		r.keyPackageErrs[userID] = errs[1:]
		return nil, err
	}
	pkg, exists := r.keyPackages[userID]
	if !exists {
		return nil, relay.ErrNotAvailableYet
	}
	return pkg, nil
}

func (r *memRelay) PublishKeyPackage(_ context.Context, pkg *relay.KeyPackage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyPackages[pkg.UserID] = pkg
	return nil
}

func (r *memRelay) OpenDirectMessage(_ context.Context, targetUserID string) (*relay.DirectMessageResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, found := r.direct[targetUserID]; found {
		return &relay.DirectMessageResult{GroupID: existing.GroupID, Existing: true}, nil
	}
	result := &relay.DirectMessageResult{GroupID: fmt.Sprintf("group-%d", len(r.direct)+1)}
	r.direct[targetUserID] = result
	return &relay.DirectMessageResult{GroupID: result.GroupID}, nil
}

func (r *memRelay) ListDirectMessages(_ context.Context) ([]relay.DirectMessageInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.DirectMessageInfo(nil), r.conversations...), nil
}

func (r *memRelay) SyncGroupMembers(_ context.Context, groupID string, memberIDs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if authoritative, recorded := r.members[groupID]; recorded {
		return append([]string(nil), authoritative...), nil
	}
	r.members[groupID] = append([]string(nil), memberIDs...)
	return append([]string(nil), memberIDs...), nil
}

// pushAs records a push attributed to the sender, the way the real
// relay derives the sender from the auth token.
func (r *memRelay) pushAs(senderUserID string, push *relay.GroupPush) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	if push.MessageType == relay.MessageTypeWelcome {
		r.nextWelcome++
		id := fmt.Sprintf("welcome-%d", r.nextWelcome)
		r.welcomes[push.RecipientUserID] = append(r.welcomes[push.RecipientUserID], relay.WelcomeEnvelope{
			ID:           id,
			GroupID:      push.GroupID,
			SenderUserID: senderUserID,
			Payload:      push.Data,
			ReceivedAt:   time.Now(),
		})
		r.welcomeOwner[id] = push.RecipientUserID
		return r.nextID, nil
	}
	r.messages[push.GroupID] = append(r.messages[push.GroupID], relay.ApplicationMessage{
		ID:           r.nextID,
		GroupID:      push.GroupID,
		SenderUserID: senderUserID,
		Ciphertext:   push.Data,
		CreatedAt:    time.Now(),
	})
	return r.nextID, nil
}

func (r *memRelay) FetchGroupMessages(_ context.Context, groupID string, afterID int64) ([]relay.ApplicationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	var out []relay.ApplicationMessage
	for _, message := range r.messages[groupID] {
		if message.ID > afterID {
			out = append(out, message)
		}
	}
	return out, nil
}

// fetchWelcomesFor returns the user's unacknowledged welcomes. The real
// relay scopes this by auth token; the fake scopes it per call.
func (r *memRelay) fetchWelcomesFor(userID string) []relay.WelcomeEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []relay.WelcomeEnvelope
	for _, envelope := range r.welcomes[userID] {
		if !r.acked[envelope.ID] {
			out = append(out, envelope)
		}
	}
	return out
}

func (r *memRelay) AcknowledgeWelcome(_ context.Context, welcomeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked[welcomeID] = true
	return nil
}

// userRelay scopes the shared memRelay to one user, the way auth tokens
// scope the real client.
type userRelay struct {
	*memRelay
	userID string
}

func (r *userRelay) FetchPendingWelcomes(_ context.Context) ([]relay.WelcomeEnvelope, error) {
	return r.fetchWelcomesFor(r.userID), nil
}

func (r *userRelay) PushGroupMessage(_ context.Context, push *relay.GroupPush) (int64, error) {
	return r.pushAs(r.userID, push)
}

// newTestSession builds a started session for the user over the shared
// relay, with a quiet background loop and fast invite backoff.
func newTestSession(t *testing.T, shared *memRelay, userID string) *MessagingSession {
	t.Helper()

	options := NewOptions()
	options.UserID = userID
	options.DataDir = t.TempDir()
	options.SyncInterval = time.Hour

	device := identity.NewDeviceIdentity(userID)
	device.Trusted = true
	store := identity.NewFileStore(options.DataDir)
	require.NoError(t, store.SaveIdentity(device))

	s, err := newSession(options, &userRelay{memRelay: shared, userID: userID}, device, store, nil)
	require.NoError(t, err)
	s.manager.SetInviteBackoff(4, time.Millisecond, 2*time.Millisecond)
	require.NoError(t, s.Start())
	t.Cleanup(s.Kill)
	return s
}

// A welcome and a message for the same group arrive in one sync pass.
// Nothing is visible until the welcome is accepted; then exactly the one
// message surfaces.
func TestWelcomeAndMessageInSameSyncPass(t *testing.T) {
	shared := newMemRelay()
	alice := newTestSession(t, shared, "alice")
	bob := newTestSession(t, shared, "bob")

	groupID, err := alice.StartConversation(context.Background(), "bob")
	require.NoError(t, err)
	_, err = alice.SendMessage(context.Background(), groupID, "M1")
	require.NoError(t, err)

	var delivered []string
	bob.OnMessage(func(_ string, message *groups.Message) {
		delivered = append(delivered, message.Text)
	})

	require.NoError(t, bob.SyncMessages(context.Background()))
	assert.Nil(t, bob.VisibleMessages(groupID), "no messages visible before accept")
	assert.Empty(t, delivered)
	assert.Empty(t, bob.SidebarItems(), "pending group is not a sidebar row")

	welcomes := bob.GetPendingWelcomes()
	require.Len(t, welcomes, 1)
	accepted, err := bob.AcceptWelcome(context.Background(), welcomes[0])
	require.NoError(t, err)
	assert.Equal(t, groupID, accepted)

	visible := bob.VisibleMessages(groupID)
	require.Len(t, visible, 1)
	assert.Equal(t, "M1", visible[0].Text)
	assert.Equal(t, []string{"M1"}, delivered)

	items := bob.SidebarItems()
	require.Len(t, items, 1)
	assert.Equal(t, groupID, items[0].ID)
	assert.Equal(t, 1, items[0].Unread)
}

func TestSyncMessagesIdempotent(t *testing.T) {
	shared := newMemRelay()
	alice := newTestSession(t, shared, "alice")
	bob := newTestSession(t, shared, "bob")

	groupID, err := alice.StartConversation(context.Background(), "bob")
	require.NoError(t, err)
	_, err = alice.SendMessage(context.Background(), groupID, "one")
	require.NoError(t, err)

	require.NoError(t, bob.SyncMessages(context.Background()))
	welcomes := bob.GetPendingWelcomes()
	require.Len(t, welcomes, 1)
	_, err = bob.AcceptWelcome(context.Background(), welcomes[0])
	require.NoError(t, err)
	require.Len(t, bob.VisibleMessages(groupID), 1)

	// Two more passes with no new relay data: nothing duplicated.
	require.NoError(t, bob.SyncMessages(context.Background()))
	require.NoError(t, bob.SyncMessages(context.Background()))
	assert.Len(t, bob.VisibleMessages(groupID), 1)
	assert.Len(t, bob.GetPendingWelcomes(), 0, "acknowledged welcome is not re-added")
}

func TestStartConversationRetriesKeyPackage(t *testing.T) {
	shared := newMemRelay()
	alice := newTestSession(t, shared, "alice")
	_ = newTestSession(t, shared, "bob")

	shared.mu.Lock()
	shared.keyPackageErrs["bob"] = []error{relay.ErrNotAvailableYet, relay.ErrNotAvailableYet}
	shared.mu.Unlock()

	groupID, err := alice.StartConversation(context.Background(), "bob")
	require.NoError(t, err)
	_, err = alice.SendMessage(context.Background(), groupID, "made it")
	require.NoError(t, err)
}

// Savedata restore rebuilds crypto state through repair without changing
// the group id or the relay's membership record.
func TestSavedataRestoreRepairsGroups(t *testing.T) {
	shared := newMemRelay()
	alice := newTestSession(t, shared, "alice")
	_ = newTestSession(t, shared, "bob")

	groupID, err := alice.StartConversation(context.Background(), "bob")
	require.NoError(t, err)
	_, err = alice.SendMessage(context.Background(), groupID, "before loss")
	require.NoError(t, err)

	savedata := alice.GetSavedata()
	alice.Kill()

	saved, err := LoadSaveData(savedata)
	require.NoError(t, err)
	require.NotNil(t, saved.Device)

	options := NewOptions()
	options.UserID = "alice"
	options.DataDir = t.TempDir()
	options.SyncInterval = time.Hour
	store := identity.NewFileStore(options.DataDir)

	restored, err := newSession(options, &userRelay{memRelay: shared, userID: "alice"}, saved.Device, store, saved)
	require.NoError(t, err)
	restored.manager.SetInviteBackoff(4, time.Millisecond, 2*time.Millisecond)
	require.NoError(t, restored.Start())
	defer restored.Kill()

	// Sending forces EnsureGroupReady to repair the lost crypto state.
	_, err = restored.SendMessage(context.Background(), groupID, "after repair")
	require.NoError(t, err)

	shared.mu.Lock()
	remote := append([]string(nil), shared.members[groupID]...)
	shared.mu.Unlock()
	assert.ElementsMatch(t, []string{"alice", "bob"}, remote)
	assert.Equal(t, "bob", restored.manager.OtherUser(groupID))
}

func TestSyncMessagesPartialFailure(t *testing.T) {
	shared := newMemRelay()
	alice := newTestSession(t, shared, "alice")
	bob := newTestSession(t, shared, "bob")

	groupID, err := alice.StartConversation(context.Background(), "bob")
	require.NoError(t, err)
	_, err = alice.SendMessage(context.Background(), groupID, "hello")
	require.NoError(t, err)

	require.NoError(t, bob.SyncMessages(context.Background()))
	welcomes := bob.GetPendingWelcomes()
	require.Len(t, welcomes, 1)
	_, err = bob.AcceptWelcome(context.Background(), welcomes[0])
	require.NoError(t, err)

	shared.mu.Lock()
	shared.fetchErr = relay.ErrNetwork
	shared.mu.Unlock()

	err = bob.SyncMessages(context.Background())
	assert.ErrorIs(t, err, relay.ErrNetwork, "sub-failure is reported, not swallowed")

	shared.mu.Lock()
	shared.fetchErr = nil
	shared.mu.Unlock()
	require.NoError(t, bob.SyncMessages(context.Background()))
}

func TestSidebarSelectionAndSearch(t *testing.T) {
	shared := newMemRelay()
	alice := newTestSession(t, shared, "alice")
	bob := newTestSession(t, shared, "bob")

	groupID, err := alice.StartConversation(context.Background(), "bob")
	require.NoError(t, err)
	_, err = alice.SendMessage(context.Background(), groupID, "ping")
	require.NoError(t, err)

	require.NoError(t, bob.SyncMessages(context.Background()))
	welcomes := bob.GetPendingWelcomes()
	require.Len(t, welcomes, 1)
	_, err = bob.AcceptWelcome(context.Background(), welcomes[0])
	require.NoError(t, err)

	bob.SetLegacyConversations([]projection.Conversation{
		{ID: 7, DisplayName: "Old SMS Thread", LastActivity: 1, Kind: projection.KindLegacy},
	})

	items := bob.SidebarItems()
	require.Len(t, items, 2)
	assert.Equal(t, groupID, items[0].ID, "encrypted conversation has newer activity")
	assert.Equal(t, 1, items[0].Unread)

	bob.SelectConversation(groupID)
	items = bob.SidebarItems()
	assert.Equal(t, 0, items[0].Unread)
	assert.True(t, items[0].Selected)

	matches := bob.SearchConversations("sms")
	require.Len(t, matches, 1)
	assert.Equal(t, "7", matches[0].ID)
}

func TestStartLinkingApproves(t *testing.T) {
	shared := newMemRelay()

	options := NewOptions()
	options.UserID = "carol"
	options.DataDir = t.TempDir()
	options.LinkingPollInterval = 10 * time.Millisecond
	store := identity.NewFileStore(options.DataDir)
	device := identity.NewDeviceIdentity("carol")
	require.NoError(t, store.SaveIdentity(device))

	s, err := newSession(options, &userRelay{memRelay: shared, userID: "carol"}, device, store, nil)
	require.NoError(t, err)
	defer s.Kill()

	approved := make(chan struct{})
	_, err = s.StartLinking(context.Background(), "Carol's Laptop", func() { close(approved) })
	require.NoError(t, err)

	select {
	case <-approved:
	case <-time.After(2 * time.Second):
		t.Fatal("linking approval callback never fired")
	}
	assert.Equal(t, identity.StateApproved, s.LinkingState())
	assert.True(t, s.Device().Trusted)
}
