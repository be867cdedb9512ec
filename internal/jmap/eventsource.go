package jmap

import (
	"bufio"
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
	"time"
)

// Event is one server-sent event.
type Event struct {
	Type string
	ID   string
	Data []byte
}

// Ping reports whether the event is a keepalive.
func (e Event) Ping() bool {
	return e.Type == "ping"
}

// EventSource subscribes to a JMAP push endpoint.
type EventSource struct {
	http *http.Client
	url  string
	ping time.Duration
}

// NewEventSource creates a subscription factory for rawURL, which may be a
// RFC 8620 URL template. httpClient must not set a Timeout.
func NewEventSource(httpClient *http.Client, rawURL string, ping time.Duration) *EventSource {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &EventSource{http: httpClient, url: rawURL, ping: ping}
}

// URL expands the subscription URL for email events only, never closing
// after a state change, with the configured keepalive interval.
func (s *EventSource) URL() (string, error) {
	ping := strconv.Itoa(int(s.ping / time.Second))
	if strings.Contains(s.url, "{") {
		r := strings.NewReplacer("{types}", "Email", "{closeafter}", "no", "{ping}", ping)
		return r.Replace(s.url), nil
	}

	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parsing event source URL: %w", err)
	}
	q := u.Query()
	q.Set("types", "Email")
	q.Set("closeafter", "no")
	q.Set("ping", ping)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the event stream with a bearer token.
func (s *EventSource) Dial(ctx context.Context, token string) (*EventStream, error) {
	target, err := s.URL()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building event source request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connecting to event source: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		cancel()
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event source returned status %d", resp.StatusCode)
	}

	return &EventStream{body: resp.Body, r: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

// EventStream reads events from an open subscription.
type EventStream struct {
	body   io.ReadCloser
	r      *bufio.Reader
	cancel context.CancelFunc
}

// NewEventStream reads events from r. It is used by tests and by callers
// that manage the HTTP exchange themselves.
func NewEventStream(r io.ReadCloser) *EventStream {
	return &EventStream{body: r, r: bufio.NewReader(r), cancel: func() {}}
}

// Next blocks until the next complete event. It returns io.EOF when the
// server ends the stream.
func (s *EventStream) Next() (Event, error) {
	var (
		ev   Event
		data bytes.Buffer
		seen bool
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" {
				return Event{}, io.EOF
			}
			if !errors.Is(err, io.EOF) {
				return Event{}, err
			}
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if seen {
				ev.Data = data.Bytes()
				if ev.Type == "" {
					ev.Type = "message"
				}
				return ev, nil
			}
			if err != nil {
				return Event{}, io.EOF
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
			seen = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			seen = true
		case "id":
			ev.ID = value
		}
	}
}

// Close tears down the subscription.
func (s *EventStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// ErrMalformedStateChange is returned for payloads that are not a valid
// StateChange object.
var ErrMalformedStateChange = errors.New("jmap: malformed state change")

type stateChange struct {
	Type    string                       `json:"@type"`
	Changed map[string]map[string]string `json:"changed"`
}

// ParseStateChange extracts the new Email state for accountID. ok is false
// when the event does not concern the account's email collection.
func ParseStateChange(data []byte, accountID string) (state string, ok bool, err error) {
	var sc stateChange
	if err := json.Unmarshal(data, &sc); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrMalformedStateChange, err)
	}
	if sc.Type != "StateChange" {
		return "", false, fmt.Errorf("%w: unexpected type %q", ErrMalformedStateChange, sc.Type)
	}
	types, found := sc.Changed[accountID]
	if !found {
		return "", false, nil
	}
	state, ok = types["Email"]
	if ok && state == "" {
		return "", false, fmt.Errorf("%w: empty Email state", ErrMalformedStateChange)
	}
	return state, ok, nil
}
