// Package api implements the AgentMix HTTP client.
//
// The client covers the conversation surface of the AgentMix server:
// - GET/POST /api/conversations - List and create conversations
// - GET/PUT/DELETE /api/conversations/{id} - Fetch, edit, delete one
// - GET/POST /api/conversations/{id}/messages - History and direct sends
// - GET /api/agents - List registered agents (participant resolution)
//
// Every endpoint wraps its payload in a {success, error} envelope. A
// response with success=false is returned as *Error carrying the server's
// message, whatever the HTTP status was.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// maxResponseSize limits response body reads to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is the AgentMix HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string // API key for Bearer auth, optional
}

// New creates a new AgentMix client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// NewWithAPIKey creates a new AgentMix client with API key authentication.
// When an API key is set, all requests include an Authorization: Bearer header.
func NewWithAPIKey(baseURL, apiKey string) *Client {
	c := New(baseURL)
	c.apiKey = apiKey
	return c
}

// Error is an error response from the AgentMix server: either a non-2xx
// status or a 2xx body with success=false.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("AgentMix error (status %d): %s", e.StatusCode, e.Message)
}

// ListConversations fetches all conversations.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var resp listConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// CreateConversation creates a new conversation. The server validates that
// every participant id refers to a registered agent.
func (c *Client) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	var resp conversationResponse
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &resp); err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

// GetConversation fetches a single conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var resp conversationResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

// UpdateConversation applies a partial edit (name, description) to a
// conversation.
func (c *Client) UpdateConversation(ctx context.Context, id string, req *UpdateConversationRequest) error {
	var resp envelope
	return c.do(ctx, http.MethodPut, "/api/conversations/"+url.PathEscape(id), req, &resp)
}

// DeleteConversation deletes a conversation. The server cascades to its
// messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	var resp envelope
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, &resp)
}

// ListMessages fetches the full message history for a conversation, in
// timestamp order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var resp listMessagesResponse
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage posts a message directly over REST. The sender must be a
// participant of the conversation. Most human sends go over the event
// channel instead; this path exists for scripted/offline use.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req *SendMessageRequest) (*Message, error) {
	var resp messageResponse
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// ListAgents fetches all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp listAgentsResponse
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// successer lets do() check the envelope embedded in every response type.
type successer interface {
	ok() (bool, string)
}

func (e *envelope) ok() (bool, string) { return e.Success, e.Error }

// do sends a request and decodes the JSON response, translating both
// transport-level failures and success=false envelopes into errors.
func (c *Client) do(ctx context.Context, method, path string, reqBody any, respBody successer) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read maxResponseSize+1 to detect oversized responses while still
	// accepting responses exactly at the limit.
	respBodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if int64(len(respBodyBytes)) > maxResponseSize {
		return fmt.Errorf("response exceeds maximum size of %d bytes", maxResponseSize)
	}

	if err := json.Unmarshal(respBodyBytes, respBody); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Non-JSON error page; surface the status with the raw body.
			return &Error{StatusCode: resp.StatusCode, Message: string(respBodyBytes)}
		}
		return fmt.Errorf("decoding response: %w", err)
	}

	if success, msg := respBody.ok(); !success {
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	return nil
}
