package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/domain"
)

// message is the generic WebSocket message envelope. Call-control and
// negotiation messages share the "type" discriminator.
type message struct {
	Type         string                 `json:"type"`
	RoomID       string                 `json:"roomId,omitempty"`
	FromUserID   string                 `json:"fromUserId,omitempty"`
	ToUserID     string                 `json:"toUserId,omitempty"`
	FromUsername string                 `json:"fromUsername,omitempty"`
	ToUsername   string                 `json:"toUsername,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	SignalType   string                 `json:"signalType,omitempty"`
	TargetUserID string                 `json:"targetUserId,omitempty"`
	SDP          string                 `json:"sdp,omitempty"`
	Candidate    *pion.ICECandidateInit `json:"candidate,omitempty"`
}

// ErrNotConnected is returned by sends while no relay connection is up.
var ErrNotConnected = errors.New("signal: not connected")

const (
	pingInterval = 20 * time.Second
	writeWait    = 5 * time.Second
)

// Client manages the WebSocket connection to the relay.
type Client struct {
	url     string
	token   string
	handler domain.Handler
	dialer  *websocket.Dialer
	log     *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed chan struct{}
	once   sync.Once
}

// NewClient creates a relay client that delivers inbound envelopes to handler.
func NewClient(url, token string, handler domain.Handler, log *zap.Logger) *Client {
	return &Client{
		url:     url,
		token:   token,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		log:     log.Named("signal"),
		closed:  make(chan struct{}),
	}
}

// Connect dials the relay and starts the read and ping loops. After a read
// error the client redials with exponential backoff until Close.
func (c *Client) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.setConn(conn)

	go c.readLoop(conn)
	go c.pingLoop()

	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	c.log.Info("connecting", zap.String("url", c.url))
	conn, _, err := c.dialer.Dial(c.url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// Close shuts down the WebSocket connection and stops reconnecting.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) sendJSON(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.log.Debug(">>>", zap.ByteString("msg", data))
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// SendCall sends a call-control envelope.
func (c *Client) SendCall(msg domain.CallMessage) error {
	return c.sendJSON(message{
		Type:         msg.Type,
		RoomID:       msg.RoomID,
		FromUserID:   msg.FromUserID,
		ToUserID:     msg.ToUserID,
		FromUsername: msg.FromUsername,
		ToUsername:   msg.ToUsername,
		Reason:       msg.Reason,
	})
}

// SendSignal sends an offer, answer or ICE candidate.
func (c *Client) SendSignal(msg domain.SignalMessage) error {
	return c.sendJSON(message{
		Type:         domain.MessageTypeSignal,
		SignalType:   msg.SignalType,
		FromUserID:   msg.FromUserID,
		TargetUserID: msg.TargetUserID,
		RoomID:       msg.RoomID,
		SDP:          msg.SDP,
		Candidate:    msg.Candidate,
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Warn("read error", zap.Error(err))
			conn.Close()
			c.reconnect()
			return
		}

		c.log.Debug("<<<", zap.ByteString("msg", data))

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("unmarshal error", zap.Error(err))
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) reconnect() {
	c.setConn(nil)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		if c.isClosed() {
			return backoff.Permanent(errors.New("client closed"))
		}
		var err error
		conn, err = c.dial()
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return
	}

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("reconnected")
	go c.readLoop(conn)
}

func (c *Client) dispatch(msg message) {
	switch msg.Type {
	case domain.CallInvite, domain.CallAccept, domain.CallDecline, domain.CallCancel, domain.CallEnd:
		c.handler.OnCallMessage(domain.CallMessage{
			Type:         msg.Type,
			RoomID:       msg.RoomID,
			FromUserID:   msg.FromUserID,
			ToUserID:     msg.ToUserID,
			FromUsername: msg.FromUsername,
			ToUsername:   msg.ToUsername,
			Reason:       msg.Reason,
		})

	case domain.MessageTypeSignal:
		switch msg.SignalType {
		case domain.SignalOffer, domain.SignalAnswer, domain.SignalICECandidate:
			c.handler.OnSignalMessage(domain.SignalMessage{
				Type:         msg.Type,
				SignalType:   msg.SignalType,
				FromUserID:   msg.FromUserID,
				TargetUserID: msg.TargetUserID,
				RoomID:       msg.RoomID,
				SDP:          msg.SDP,
				Candidate:    msg.Candidate,
			})
		default:
			c.log.Warn("unhandled signal type", zap.String("signal_type", msg.SignalType))
		}

	default:
		c.log.Debug("unhandled message type", zap.String("type", msg.Type))
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			var err error
			if c.conn != nil {
				err = c.conn.WriteControl(
					websocket.PingMessage,
					[]byte{},
					time.Now().Add(writeWait),
				)
			}
			c.mu.Unlock()
			if err != nil && !c.isClosed() {
				c.log.Warn("ping error", zap.Error(err))
			}
		}
	}
}
