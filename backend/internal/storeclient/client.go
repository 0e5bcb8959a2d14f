// Package storeclient is a thin JSON/HTTP client for the session store.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"collabsync/backend/internal/session"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Code, e.Message)
}

// Is maps 404 and 409 onto ErrNotFound and ErrConflict.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrConflict:
		return e.Code == http.StatusConflict
	}
	return false
}

// Client makes REST calls against the session store on behalf of one user.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a client targeting baseURL (e.g. "http://127.0.0.1:8090").
// A nil httpClient falls back to http.DefaultClient; no client-side timeout
// is imposed beyond what the caller's context carries.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
	}
}

// ActiveSession fetches the active session of a document.
func (c *Client) ActiveSession(ctx context.Context, documentRef string) (*session.Session, error) {
	var s session.Session
	if err := c.do(ctx, http.MethodGet, documentPath(documentRef), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession starts a session for documentRef seeded with content.
func (c *Client) CreateSession(ctx context.Context, documentRef, content string) (*session.Session, error) {
	body := map[string]string{"content": content}
	var s session.Session
	if err := c.do(ctx, http.MethodPost, documentPath(documentRef), body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// JoinSession adds the caller to the session with the given role.
func (c *Client) JoinSession(ctx context.Context, sessionID string, role session.Role) (*session.Session, error) {
	body := map[string]string{"role": string(role)}
	var s session.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "join"), body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Heartbeat asserts the caller is still a live participant.
func (c *Client) Heartbeat(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "heartbeat"), nil, nil)
}

// ListEvents returns events with id greater than afterID. afterID 0 omits
// the cursor and asks for the whole retained backlog.
func (c *Client) ListEvents(ctx context.Context, sessionID string, afterID uint64) ([]session.Event, error) {
	path := sessionPath(sessionID, "events")
	if afterID > 0 {
		path += "?after_id=" + strconv.FormatUint(afterID, 10)
	}
	var out []session.Event
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendEvent pushes a typed event to the session log.
func (c *Client) AppendEvent(ctx context.Context, sessionID string, p session.Payload) (session.Event, error) {
	raw, err := session.EncodePayload(p)
	if err != nil {
		return session.Event{}, err
	}
	body := struct {
		Type    session.EventType `json:"type"`
		Payload json.RawMessage   `json:"payload"`
	}{Type: p.EventType(), Payload: raw}
	var e session.Event
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "events"), body, &e); err != nil {
		return session.Event{}, err
	}
	return e, nil
}

// EndSession ends the session. Only the owner may do this.
func (c *Client) EndSession(ctx context.Context, sessionID string) (*session.Session, error) {
	var s session.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "end"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes the session and its log. Only the owner may do this.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil)
}

// Member is one live participant reported by the presence endpoint.
type Member struct {
	UserID      uint64 `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Presence lists participants whose heartbeat has not expired.
func (c *Client) Presence(ctx context.Context, sessionID string) ([]Member, error) {
	var out []Member
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "presence"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func documentPath(documentRef string) string {
	return "/v1/documents/" + url.PathEscape(documentRef) + "/session"
}

func sessionPath(sessionID, action string) string {
	p := "/v1/sessions/" + url.PathEscape(sessionID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &StatusError{Op: method + " " + path, Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// errorMessage extracts {"error": "..."} from a failure body, falling back
// to the raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
