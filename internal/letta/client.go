package letta

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to one Letta server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the given server. token may be empty for
// unauthenticated local servers.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Per-call deadlines come from ctx; the transport timeout only
		// bounds the connection phase.
		http: &http.Client{Timeout: 0},
	}
}

// Stream sends one user message to the agent and returns the event
// stream of the run. ctx cancellation aborts the call mid-stream;
// callers see it as ctx's error from Next.
func (c *Client) Stream(ctx context.Context, agentID, message string) (*Stream, error) {
	body, err := json.Marshal(streamRequest{
		Messages:     []messageInput{{Role: "user", Content: message}},
		StreamTokens: false,
	})
	if err != nil {
		return nil, fmt.Errorf("letta: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/agents/%s/messages/stream", c.baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("letta: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("letta: request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("letta: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &Stream{ctx: ctx, body: resp.Body, scanner: scanner}, nil
}

// Stream yields the typed events of one agent run. Next returns io.EOF
// when the run completes normally.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Next returns the following event. A context cancellation or deadline
// surfaces as the context's error so callers can apply the
// cancellation-vs-failure taxonomy with errors.Is.
func (s *Stream) Next() (StreamEvent, error) {
	if s.done {
		return StreamEvent{}, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.done = true
			return StreamEvent{}, io.EOF
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return StreamEvent{}, fmt.Errorf("letta: malformed stream event: %w", err)
		}
		if ev.MessageType == "" {
			// Keepalive or unrecognized frame.
			continue
		}
		return ev, nil
	}

	if err := s.ctx.Err(); err != nil {
		return StreamEvent{}, err
	}
	if err := s.scanner.Err(); err != nil {
		return StreamEvent{}, fmt.Errorf("letta: stream read: %w", err)
	}
	s.done = true
	return StreamEvent{}, io.EOF
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}

// Healthcheck pings the server. Used by the doctor-style status command.
func (c *Client) Healthcheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("letta: health request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("letta: health status %d", resp.StatusCode)
	}
	return nil
}
