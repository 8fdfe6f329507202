package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// requestTimeout caps every HTTP exchange with the backend.
const requestTimeout = 10 * time.Second

// Client talks to the call backend's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	log     *zap.Logger
}

// NewClient creates an API client rooted at baseURL. timeout bounds each
// fire-and-forget call notification.
func NewClient(baseURL, token string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		timeout: timeout,
		log:     log.Named("api"),
	}
}

// ErrStatus is wrapped by errors for non-2xx responses.
var ErrStatus = errors.New("unexpected http status")

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

type callRequest struct {
	PeerID string `json:"peerId"`
	RoomID string `json:"roomId"`
}

type ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (c *Client) callAction(action, peerID, roomID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var resp ack
	if err := c.do(ctx, http.MethodPost, "/api/calls/"+action, callRequest{PeerID: peerID, RoomID: roomID}, &resp); err != nil {
		return fmt.Errorf("%s call: %w", action, err)
	}
	if !resp.OK {
		return fmt.Errorf("%s call rejected: %s", action, resp.Error)
	}
	c.log.Debug("call notification acknowledged", zap.String("action", action), zap.String("room", roomID))
	return nil
}

// NotifyCall tells the backend an invite was sent to peerID.
func (c *Client) NotifyCall(peerID, roomID string) error {
	return c.callAction("notify", peerID, roomID)
}

// AcceptCall tells the backend the incoming call was accepted.
func (c *Client) AcceptCall(peerID, roomID string) error {
	return c.callAction("accept", peerID, roomID)
}

// DeclineCall tells the backend the incoming call was declined.
func (c *Client) DeclineCall(peerID, roomID string) error {
	return c.callAction("decline", peerID, roomID)
}

// CancelCall tells the backend the outgoing call was withdrawn.
func (c *Client) CancelCall(peerID, roomID string) error {
	return c.callAction("cancel", peerID, roomID)
}
