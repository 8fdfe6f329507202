package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/domain"
)

// recordingHandler collects dispatched envelopes.
type recordingHandler struct {
	mu      sync.Mutex
	calls   []domain.CallMessage
	signals []domain.SignalMessage
}

func (h *recordingHandler) OnCallMessage(msg domain.CallMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, msg)
}

func (h *recordingHandler) OnSignalMessage(msg domain.SignalMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, msg)
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls), len(h.signals)
}

// relay is a one-connection test server that pushes frames and records
// what the client wrote.
type relay struct {
	srv      *httptest.Server
	received chan []byte
	conns    chan *websocket.Conn
	auth     chan string
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{
		received: make(chan []byte, 16),
		conns:    make(chan *websocket.Conn, 4),
		auth:     make(chan string, 4),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.auth <- req.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		r.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			r.received <- data
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *relay) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnect_SendsBearerToken(t *testing.T) {
	r := newRelay(t)
	c := NewClient(r.url(), "tok", &recordingHandler{}, zap.NewNop())
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if got := <-r.auth; got != "Bearer tok" {
		t.Errorf("expected bearer header, got %q", got)
	}
}

func TestDispatch_RoutesCallAndSignalEnvelopes(t *testing.T) {
	r := newRelay(t)
	h := &recordingHandler{}
	c := NewClient(r.url(), "", h, zap.NewNop())
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	server := r.conn(t)
	frames := []string{
		`{"type":"call_accept","roomId":"room-42","fromUserId":"bob","toUserId":"alice"}`,
		`{"type":"signal","signalType":"offer","fromUserId":"bob","sdp":"v=0"}`,
		`{"type":"signal","signalType":"ice-candidate","fromUserId":"bob","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host","sdpMid":"0"}}`,
		`{"type":"signal","signalType":"bye","fromUserId":"bob"}`,
		`{"type":"presence"}`,
		`not json`,
	}
	for _, f := range frames {
		if err := server.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	waitFor(t, func() bool {
		calls, signals := h.counts()
		return calls == 1 && signals == 2
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls[0].Type != domain.CallAccept || h.calls[0].RoomID != "room-42" || h.calls[0].FromUserID != "bob" {
		t.Errorf("unexpected call message %+v", h.calls[0])
	}
	if h.signals[0].SignalType != domain.SignalOffer || h.signals[0].SDP != "v=0" {
		t.Errorf("unexpected offer %+v", h.signals[0])
	}
	cand := h.signals[1].Candidate
	if cand == nil || cand.SDPMid == nil || *cand.SDPMid != "0" {
		t.Errorf("expected candidate with sdpMid 0, got %+v", cand)
	}
}

func TestSendSignal_WritesEnvelope(t *testing.T) {
	r := newRelay(t)
	c := NewClient(r.url(), "", &recordingHandler{}, zap.NewNop())
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	mid := "0"
	err := c.SendSignal(domain.SignalMessage{
		SignalType:   domain.SignalICECandidate,
		FromUserID:   "alice",
		TargetUserID: "bob",
		RoomID:       "room-42",
		Candidate:    &pion.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var got map[string]any
	select {
	case data := <-r.received:
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay received nothing")
	}
	if got["type"] != "signal" || got["signalType"] != "ice-candidate" || got["targetUserId"] != "bob" {
		t.Errorf("unexpected envelope %v", got)
	}
	if _, ok := got["sdp"]; ok {
		t.Errorf("empty sdp should be omitted: %v", got)
	}
}

func TestSend_BeforeConnectFails(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", "", &recordingHandler{}, zap.NewNop())
	if err := c.SendCall(domain.CallMessage{Type: domain.CallInvite}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestReadError_Reconnects(t *testing.T) {
	r := newRelay(t)
	h := &recordingHandler{}
	c := NewClient(r.url(), "", h, zap.NewNop())
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	first := r.conn(t)
	first.Close()

	second := r.conn(t)
	if err := second.WriteMessage(websocket.TextMessage, []byte(`{"type":"call_cancel","roomId":"room-7"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool {
		calls, _ := h.counts()
		return calls == 1
	})
}
