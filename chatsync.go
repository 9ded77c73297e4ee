// Package chatsync is a Go client for the ChatSync conversation API. It
// combines a REST client for conversation history and lifecycle with a
// realtime layer (ConnectionManager, ConversationStore) that keeps local
// conversation state synchronized over a WebSocket.
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://api.chatsync.io/v1"
	defaultTimeout = 30 * time.Second
)

// Client is the ChatSync REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the client logger. Defaults to a discarding logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a ChatSync API client authenticated by token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token the client authenticates with.
func (c *Client) Token() string { return c.token }

type errorResponse struct {
	Error APIError `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp errorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Code != "" {
			return &errResp.Error
		}
		return &APIError{
			Code:    http.StatusText(resp.StatusCode),
			Message: fmt.Sprintf("%s %s returned status %d", method, path, resp.StatusCode),
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ListConversations fetches the conversation summaries for the current user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var resp struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// ConversationMessages fetches the message history for one conversation.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	path := "/conversations/" + conversationID + "/messages"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// CreateConversation creates a new conversation.
func (c *Client) CreateConversation(ctx context.Context, title string, participantIDs []string) (*Conversation, error) {
	body := map[string]any{
		"title":          title,
		"participantIds": participantIDs,
	}
	var conv Conversation
	if err := c.doRequest(ctx, http.MethodPost, "/conversations", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ArchiveConversation archives a conversation.
func (c *Client) ArchiveConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	path := "/conversations/" + conversationID + "/archive"
	var conv Conversation
	if err := c.doRequest(ctx, http.MethodPut, path, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}
