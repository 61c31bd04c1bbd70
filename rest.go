// Package chatcore implements the synchronization core of a realtime chat
// client: message reconciliation, identity resolution, presence and typing
// tracking, unread aggregation, and the session controller that ties them to
// a socket transport.
//
// Example:
//
//	client := chatcore.NewClient(token)
//	session := chatcore.NewSession(chatcore.SessionConfig{
//		UserID:     me.ID,
//		Token:      token,
//		Roster:     client.RosterFetcher(),
//		DirectHist: client.DirectHistoryFetcher(),
//		GroupHist:  client.GroupHistoryFetcher(),
//	})
//	socket := chatcore.NewSocketClient(baseURL, chatcore.SocketConfig{Token: token}, session)
//	session.SetTransport(socket)
package chatcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://studybuddy.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST API client for the directory endpoints: friends, groups,
// and message history.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new API client authenticated by token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Directory Types
// ============================================================================

// Friend is a directory entry for a direct-chat counterpart.
type Friend struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// FriendRequest is a pending inbound friend request.
type FriendRequest struct {
	ID       string `json:"id"`
	FromID   string `json:"from_id"`
	Username string `json:"username"`
}

// Group is a directory entry for a group chat.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GroupDetail is the full group record with roster and admin set.
type GroupDetail struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Members  []Member `json:"members"`
	AdminIDs []string `json:"admin_ids"`
}

// wireMessage is a history row as the server serializes it. The same shape
// arrives over the socket as a message event.
type wireMessage struct {
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	Content     string `json:"content"`
	DeliveredAt string `json:"delivered_at"`
	Read        bool   `json:"read"`
}

func (w wireMessage) toMessage() *Message {
	createdAt, err := ParseDeliveredAt(w.DeliveredAt)
	if err != nil {
		createdAt = time.Now()
	}
	delivery := DeliveryDelivered
	if w.Read {
		delivery = DeliveryRead
	}
	return &Message{
		ID:             w.ID,
		ConversationID: w.ChatID,
		SenderID:       w.SenderID,
		Text:           w.Content,
		CreatedAt:      createdAt,
		Delivery:       delivery,
	}
}

func toMessages(rows []wireMessage) []*Message {
	out := make([]*Message, len(rows))
	for i, row := range rows {
		out[i] = row.toMessage()
	}
	return out
}

// ============================================================================
// Directory Endpoints
// ============================================================================

// Friends lists the user's friends.
func (c *Client) Friends(ctx context.Context) ([]Friend, error) {
	data, err := c.doRequest(ctx, "GET", "/api/friends", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]Friend](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// FriendRequests lists pending inbound friend requests.
func (c *Client) FriendRequests(ctx context.Context) ([]FriendRequest, error) {
	data, err := c.doRequest(ctx, "GET", "/api/friends/requests", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]FriendRequest](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// Groups lists the user's group chats.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	data, err := c.doRequest(ctx, "GET", "/api/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]Group](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// GetGroup fetches a group's full record, roster included.
func (c *Client) GetGroup(ctx context.Context, groupID string) (*GroupDetail, error) {
	data, err := c.doRequest(ctx, "GET", "/api/groups/"+groupID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[GroupDetail](data)
}

// CreateGroup creates a group chat with the given members.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (*Group, error) {
	payload := map[string]interface{}{"name": name, "member_ids": memberIDs}
	data, err := c.doRequest(ctx, "POST", "/api/groups", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

// directHistoryResponse carries the server-resolved chat id with the rows.
type directHistoryResponse struct {
	ChatID   string        `json:"chat_id"`
	Messages []wireMessage `json:"messages"`
}

// DirectHistory fetches the message history with a counterpart. The returned
// chat id is how a fresh client learns the conversation id for that user.
func (c *Client) DirectHistory(ctx context.Context, userID string) (string, []*Message, error) {
	data, err := c.doRequest(ctx, "GET", "/api/messages/"+userID, nil, nil)
	if err != nil {
		return "", nil, err
	}
	result, err := decodeJSON[directHistoryResponse](data)
	if err != nil {
		return "", nil, err
	}
	return result.ChatID, toMessages(result.Messages), nil
}

// GroupHistory fetches a group's message history.
func (c *Client) GroupHistory(ctx context.Context, groupID string) ([]*Message, error) {
	data, err := c.doRequest(ctx, "GET", "/api/groups/"+groupID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]wireMessage](data)
	if err != nil {
		return nil, err
	}
	return toMessages(*result), nil
}

// ============================================================================
// Session Fetcher Adapters
// ============================================================================

// DirectHistoryFetcher adapts the client for SessionConfig.
func (c *Client) DirectHistoryFetcher() DirectHistoryFetcher {
	return func(ctx context.Context, counterpartID string) (string, []*Message, error) {
		return c.DirectHistory(ctx, counterpartID)
	}
}

// GroupHistoryFetcher adapts the client for SessionConfig.
func (c *Client) GroupHistoryFetcher() GroupHistoryFetcher {
	return func(ctx context.Context, groupID string) ([]*Message, error) {
		return c.GroupHistory(ctx, groupID)
	}
}

// RosterFetcher adapts the client for SessionConfig.
func (c *Client) RosterFetcher() RosterFetcher {
	return func(ctx context.Context, groupID string) ([]Member, []string, error) {
		detail, err := c.GetGroup(ctx, groupID)
		if err != nil {
			return nil, nil, err
		}
		return detail.Members, detail.AdminIDs, nil
	}
}
