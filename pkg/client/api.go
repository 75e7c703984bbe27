package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/supportline/pkg/protocol"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// API is a client for the REST endpoints.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type apiMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

func (m apiMessage) toMessage() protocol.Message {
	return protocol.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

type apiSendRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

type apiPresence struct {
	Users []struct {
		Username string `json:"username"`
		Active   bool   `json:"active"`
	} `json:"users"`
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// NewAPI creates a REST client. baseURL is the server root, e.g.
// "http://localhost:8080". token may be empty when auth is disabled.
func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// History fetches username's messages in creation order, narrowed to one
// counterpart when it is non-empty. limit 0 means the server default.
func (a *API) History(ctx context.Context, username, counterpart string, limit int) ([]protocol.Message, error) {
	path := "/api/messages/" + url.PathEscape(username)
	if counterpart != "" {
		path += "/" + url.PathEscape(counterpart)
	}
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp []apiMessage
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	msgs := make([]protocol.Message, 0, len(resp))
	for _, m := range resp {
		msgs = append(msgs, m.toMessage())
	}
	return msgs, nil
}

// Send persists a message through the durable path.
func (a *API) Send(ctx context.Context, sender, recipient, content string) (protocol.Message, error) {
	var resp apiMessage
	err := a.do(ctx, http.MethodPost, "/api/messages", apiSendRequest{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
	}, &resp)
	if err != nil {
		return protocol.Message{}, err
	}
	return resp.toMessage(), nil
}

// Presence fetches the current presence table.
func (a *API) Presence(ctx context.Context) ([]protocol.PresenceEntry, error) {
	var resp apiPresence
	if err := a.do(ctx, http.MethodGet, "/api/presence", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]protocol.PresenceEntry, 0, len(resp.Users))
	for _, u := range resp.Users {
		out = append(out, protocol.PresenceEntry{Username: u.Username, Active: u.Active})
	}
	return out, nil
}

func (a *API) do(ctx context.Context, method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e apiError
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Kind = e.Kind
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
