package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCallTimeout bounds a single relay call. Retry policy belongs to
// the caller, not to this client.
const DefaultCallTimeout = 10 * time.Second

// Client talks to the relay's JSON API. Safe for concurrent use.
type Client struct {
	baseURL     string
	authToken   string
	deviceID    string
	httpClient  *http.Client
	callTimeout time.Duration
}

// NewClient creates a relay client for the given base URL. The auth token
// is sent as a bearer token on every request.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:     baseURL,
		authToken:   authToken,
		httpClient:  &http.Client{},
		callTimeout: DefaultCallTimeout,
	}
}

// SetDeviceID sets the device identifier sent with every request so the
// relay can scope welcome and message queues to this device.
func (c *Client) SetDeviceID(deviceID string) {
	c.deviceID = deviceID
}

// SetCallTimeout overrides the per-call timeout.
func (c *Client) SetCallTimeout(d time.Duration) {
	if d > 0 {
		c.callTimeout = d
	}
}

// StartLinking asks the relay to mint a linking session for this device.
func (c *Client) StartLinking(ctx context.Context, devicePublicID, name string) (*LinkingGrant, error) {
	body := map[string]string{"device_public_id": devicePublicID, "name": name}
	var grant LinkingGrant
	if err := c.do(ctx, http.MethodPost, "/devices/start-linking", body, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// GetLinkingStatus polls the state of a pending linking session.
func (c *Client) GetLinkingStatus(ctx context.Context, token string) (*LinkingStatus, error) {
	var status LinkingStatus
	path := "/devices/linking-status/" + url.PathEscape(token)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetKeyPackage fetches a consumable key package for the given user.
// Returns ErrNotAvailableYet while the user's key material has not
// propagated to the relay.
func (c *Client) GetKeyPackage(ctx context.Context, userID string) (*KeyPackage, error) {
	var pkg KeyPackage
	path := "/mls/key-package/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// PublishKeyPackage uploads a fresh key package for this device, replacing
// any previously published last-resort package.
func (c *Client) PublishKeyPackage(ctx context.Context, pkg *KeyPackage) error {
	return c.do(ctx, http.MethodPost, "/mls/key-package", pkg, nil)
}

// OpenDirectMessage creates or returns the conversation record for the
// (self, target) user pair. The relay owns the deterministic group id.
func (c *Client) OpenDirectMessage(ctx context.Context, targetUserID string) (*DirectMessageResult, error) {
	var result DirectMessageResult
	path := "/mls/direct-messages/" + url.PathEscape(targetUserID)
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListDirectMessages returns the relay's record of this user's
// direct-message conversations.
func (c *Client) ListDirectMessages(ctx context.Context) ([]DirectMessageInfo, error) {
	var infos []DirectMessageInfo
	if err := c.do(ctx, http.MethodGet, "/mls/direct-messages", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// SyncGroupMembers reconciles the local membership belief with the relay.
// The relay responds with its authoritative member list. Returns
// ErrForbidden when the caller is not a member of the group.
func (c *Client) SyncGroupMembers(ctx context.Context, groupID string, memberIDs []string) ([]string, error) {
	body := MemberSync{MemberIDs: memberIDs}
	var resp MemberSync
	path := "/mls/groups/" + url.PathEscape(groupID) + "/members/sync"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return resp.MemberIDs, nil
}

// PushGroupMessage uploads an encrypted application message or welcome.
// For application messages the relay responds with the assigned monotonic
// per-group message id.
func (c *Client) PushGroupMessage(ctx context.Context, push *GroupPush) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/mls/messages/group", push, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// FetchGroupMessages returns application messages for a group with id
// greater than afterID, in ascending id order.
func (c *Client) FetchGroupMessages(ctx context.Context, groupID string, afterID int64) ([]ApplicationMessage, error) {
	var messages []ApplicationMessage
	path := "/mls/messages/group/" + url.PathEscape(groupID) + "?afterId=" + strconv.FormatInt(afterID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// FetchPendingWelcomes returns welcomes queued for this device that have
// not been acknowledged yet.
func (c *Client) FetchPendingWelcomes(ctx context.Context) ([]WelcomeEnvelope, error) {
	var welcomes []WelcomeEnvelope
	if err := c.do(ctx, http.MethodGet, "/mls/welcomes", nil, &welcomes); err != nil {
		return nil, err
	}
	return welcomes, nil
}

// AcknowledgeWelcome tells the relay a welcome has been accepted or
// dismissed locally and can be dropped from this device's queue.
func (c *Client) AcknowledgeWelcome(ctx context.Context, welcomeID string) error {
	path := "/mls/welcomes/" + url.PathEscape(welcomeID) + "/ack"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// do performs a single JSON request/response cycle with the per-call
// timeout applied and the response status classified into the package's
// error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "do",
			"method":   method,
			"path":     path,
			"error":    err,
		}).Warn("Relay request failed")
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, method, path); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %s %s: decoding response: %v", ErrNetwork, method, path, err)
		}
	}
	return nil
}

// classifyStatus maps an HTTP status to the error taxonomy. 404 means the
// requested material is not on the relay yet; 5xx is transient.
func classifyStatus(status int, method, path string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotAvailableYet, method, path)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ErrForbidden, method, path)
	case status >= 500:
		return fmt.Errorf("%w: %s %s: status %d", ErrNetwork, method, path, status)
	default:
		return fmt.Errorf("%w: %s %s: status %d", ErrServerRejected, method, path, status)
	}
}
