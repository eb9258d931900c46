package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartLinking(t *testing.T) {
	expires := time.Now().Add(2 * time.Minute).UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/devices/start-linking", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "device-1", body["device_public_id"])
		require.Equal(t, "laptop", body["name"])

		json.NewEncoder(w).Encode(LinkingGrant{Token: "tok-abc", ExpiresAt: expires})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token")
	grant, err := client.StartLinking(context.Background(), "device-1", "laptop")
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", grant.Token)
	assert.Equal(t, expires, grant.ExpiresAt.UTC())
}

func TestFetchGroupMessagesQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mls/messages/group/grp-1", r.URL.Path)
		require.Equal(t, "42", r.URL.Query().Get("afterId"))
		require.Equal(t, "dev-9", r.Header.Get("X-Device-ID"))
		json.NewEncoder(w).Encode([]ApplicationMessage{
			{ID: 43, GroupID: "grp-1", SenderUserID: "alice", Ciphertext: []byte("x")},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	client.SetDeviceID("dev-9")
	messages, err := client.FetchGroupMessages(context.Background(), "grp-1", 42)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, int64(43), messages[0].ID)
}

func TestStatusClassification(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"not found maps to not available yet", http.StatusNotFound, ErrNotAvailableYet},
		{"forbidden maps to forbidden", http.StatusForbidden, ErrForbidden},
		{"server error maps to network", http.StatusInternalServerError, ErrNetwork},
		{"bad gateway maps to network", http.StatusBadGateway, ErrNetwork},
		{"bad request maps to rejected", http.StatusBadRequest, ErrServerRejected},
		{"rate limited maps to rejected", http.StatusTooManyRequests, ErrServerRejected},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			client := NewClient(server.URL, "")
			_, err := client.GetKeyPackage(context.Background(), "bob")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.wantErr), "expected %v, got %v", tc.wantErr, err)
		})
	}
}

func TestConnectionFailureIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // Connection refused from here on.

	client := NewClient(server.URL, "")
	_, err := client.FetchPendingWelcomes(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
}

func TestCallTimeout(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	client := NewClient(server.URL, "")
	client.SetCallTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := client.ListDirectMessages(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSyncGroupMembersReturnsAuthoritativeList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body MemberSync
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []string{"alice", "bob"}, body.MemberIDs)
		// Relay knows about a third member the client has not seen yet.
		json.NewEncoder(w).Encode(MemberSync{MemberIDs: []string{"alice", "bob", "carol"}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	members, err := client.SyncGroupMembers(context.Background(), "grp-1", []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, members)
}
