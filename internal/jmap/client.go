package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	CapabilityCore = "urn:ietf:params:jmap:core"
	CapabilityMail = "urn:ietf:params:jmap:mail"
)

var (
	// ErrUnauthorized is returned when the server rejects the access token.
	ErrUnauthorized = errors.New("jmap: access token rejected")
	// ErrCannotCalculateChanges is returned when the server cannot compute
	// changes from the given state.
	ErrCannotCalculateChanges = errors.New("jmap: cannot calculate changes")
)

// MethodError is a JMAP method-level error response.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return "jmap: " + e.Type + ": " + e.Description
	}
	return "jmap: " + e.Type
}

// Session is the JMAP session resource.
type Session struct {
	Username        string            `json:"username"`
	APIURL          string            `json:"apiUrl"`
	EventSourceURL  string            `json:"eventSourceUrl"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
	State           string            `json:"state"`
}

// MailAccountID is the account that holds the user's primary mail
// collection.
func (s *Session) MailAccountID() (string, error) {
	id := s.PrimaryAccounts[CapabilityMail]
	if id == "" {
		return "", errors.New("jmap: session has no primary mail account")
	}
	return id, nil
}

// Client talks to one JMAP provider.
type Client struct {
	http       *http.Client
	sessionURL string
}

// NewClient creates a client. A nil httpClient uses a 30s timeout client.
func NewClient(httpClient *http.Client, sessionURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient, sessionURL: sessionURL}
}

// Session fetches the session resource with a bearer token.
func (c *Client) Session(ctx context.Context, token string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	var s Session
	if err := c.do(req, &s); err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return &s, nil
}

type invocation struct {
	Name string
	Args json.RawMessage
	ID   string
}

func (i invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{i.Name, i.Args, i.ID})
}

func (i *invocation) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("jmap: invocation has %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &i.Name); err != nil {
		return err
	}
	i.Args = raw[1]
	return json.Unmarshal(raw[2], &i.ID)
}

type request struct {
	Using       []string     `json:"using"`
	MethodCalls []invocation `json:"methodCalls"`
}

type response struct {
	MethodResponses []invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

// call runs one method and decodes its arguments into out.
func (c *Client) call(ctx context.Context, token, apiURL, method string, args interface{}, out interface{}) error {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding %s arguments: %w", method, err)
	}
	body, err := json.Marshal(request{
		Using:       []string{CapabilityCore, CapabilityMail},
		MethodCalls: []invocation{{Name: method, Args: rawArgs, ID: "0"}},
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	var resp response
	if err := c.do(req, &resp); err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	if len(resp.MethodResponses) == 0 {
		return fmt.Errorf("calling %s: empty response", method)
	}

	inv := resp.MethodResponses[0]
	if inv.Name == "error" {
		var me MethodError
		if err := json.Unmarshal(inv.Args, &me); err != nil {
			return fmt.Errorf("decoding %s error: %w", method, err)
		}
		if me.Type == "cannotCalculateChanges" {
			return ErrCannotCalculateChanges
		}
		return &me
	}
	if err := json.Unmarshal(inv.Args, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
