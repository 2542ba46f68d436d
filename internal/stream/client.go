package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/ratelimit"
)

// Client dispatches chat requests to a remote /api/chat endpoint and exposes
// the SSE response as a Stream. Admission and validation happen remotely;
// their rejections come back as *ratelimit.DeniedError and *chat.ValidationError.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL. A nil httpClient uses
// one without an overall timeout, since streams are long-lived.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type errorBody struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Details []chat.Issue `json:"details"`
}

func (c *Client) Dispatch(ctx context.Context, sessionID string, raw chat.RawRequest) (Stream, error) {
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return &sseStream{body: resp.Body, reader: NewReader(resp.Body)}, nil
	}
	defer resp.Body.Close()

	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&eb)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, &ratelimit.DeniedError{
			ResetAt:    time.Now().Add(time.Duration(retryAfter) * time.Second),
			RetryAfter: retryAfter,
		}
	case http.StatusBadRequest:
		if len(eb.Details) > 0 {
			return nil, &chat.ValidationError{Issues: eb.Details}
		}
	}

	message := eb.Message
	if message == "" {
		message = eb.Error
	}
	return nil, fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, message)
}

type sseStream struct {
	body   io.ReadCloser
	reader *Reader
	done   bool
}

func (s *sseStream) Next() (Fragment, error) {
	if s.done {
		return nil, io.EOF
	}
	data, err := s.reader.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrIncomplete
		}
		return nil, err
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode stream event: %w", err)
	}
	switch e.Type {
	case EventDone:
		s.done = true
		return nil, io.EOF
	case EventError:
		return nil, errors.New(e.Error)
	}
	return DecodeFragment(e)
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
