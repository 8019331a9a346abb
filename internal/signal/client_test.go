package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"duet/callkit/internal/domain"
)

// relayServer is a minimal in-process stand-in for the signal relay.
type relayServer struct {
	srv        *httptest.Server
	conns      chan *websocket.Conn
	subscribes chan envelope
	received   chan envelope
}

func startRelay(t *testing.T) *relayServer {
	t.Helper()
	rs := &relayServer{
		conns:      make(chan *websocket.Conn, 1),
		subscribes: make(chan envelope, 1),
		received:   make(chan envelope, 16),
	}
	upgrader := websocket.Upgrader{}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rs.conns <- conn
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Method == "subscribe" {
				rs.subscribes <- env
			} else {
				rs.received <- env
			}
		}
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *relayServer) url() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http")
}

func connectClient(t *testing.T, rs *relayServer, identity string) *Client {
	t.Helper()
	c := NewClient(rs.url(), identity)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitEnvelope(t *testing.T, ch <-chan envelope, what string) envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestClientAnnouncesIdentityOnConnect(t *testing.T) {
	rs := startRelay(t)
	connectClient(t, rs, "ali")

	sub := waitEnvelope(t, rs.subscribes, "subscribe envelope")
	if sub.Method != "subscribe" || sub.Identity != "ali" {
		t.Errorf("subscribe envelope = %+v", sub)
	}
}

func TestClientDeliversSignalsForOwnIdentity(t *testing.T) {
	rs := startRelay(t)
	c := connectClient(t, rs, "ali")
	waitEnvelope(t, rs.subscribes, "subscribe envelope")
	conn := <-rs.conns

	inbox, cancel := c.Subscribe()
	defer cancel()

	mine, err := domain.NewSignal("amna_ali_1", "amna", "ali",
		domain.SignalCallStart, domain.CallStartPayload{IsVideo: true})
	if err != nil {
		t.Fatalf("build signal: %v", err)
	}
	theirs, err := domain.NewSignal("amna_omar_1", "amna", "omar",
		domain.SignalCallStart, domain.CallStartPayload{})
	if err != nil {
		t.Fatalf("build signal: %v", err)
	}

	// A signal for another identity and a non-signal frame around the real
	// one; only the real one may surface.
	if err := conn.WriteJSON(envelope{Method: "signal", Signal: &theirs}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := conn.WriteJSON(envelope{Method: "pong"}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := conn.WriteJSON(envelope{Method: "signal", Signal: &mine}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case got := <-inbox:
		if got.ID != mine.ID || got.RoomID != "amna_ali_1" {
			t.Errorf("delivered signal = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound signal")
	}
	select {
	case got := <-inbox:
		t.Errorf("unexpected extra signal delivered: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientSendWrapsSignalEnvelope(t *testing.T) {
	rs := startRelay(t)
	c := connectClient(t, rs, "ali")

	sig, err := domain.NewSignal("ali_amna_1", "ali", "amna",
		domain.SignalOffer, domain.SDPPayload{Type: "offer", SDP: "v=0"})
	if err != nil {
		t.Fatalf("build signal: %v", err)
	}
	if err := c.Send(context.Background(), sig); err != nil {
		t.Fatalf("Send: %v", err)
	}

	env := waitEnvelope(t, rs.received, "signal envelope")
	if env.Method != "signal" || env.Signal == nil {
		t.Fatalf("relayed envelope = %+v", env)
	}
	if env.Signal.ID != sig.ID || env.Signal.Receiver != "amna" || env.Signal.Type != domain.SignalOffer {
		t.Errorf("relayed signal = %+v", env.Signal)
	}
}

func TestClientCloseEndsSubscriptionsAndSends(t *testing.T) {
	rs := startRelay(t)
	c := connectClient(t, rs, "ali")

	inbox, cancel := c.Subscribe()
	defer cancel()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, ok := <-inbox:
		if ok {
			t.Error("signal delivered after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbox not closed")
	}

	sig, _ := domain.NewSignal("r", "ali", "amna", domain.SignalCallEnd, nil)
	err := c.Send(context.Background(), sig)
	var transportErr *domain.TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("Send after close error = %v, want TransportError", err)
	}
}

func TestSubscribersDropRatherThanBlock(t *testing.T) {
	subs := newSubscribers()
	ch, cancel := subs.add()
	defer cancel()

	// Overflow the buffer; deliver must never block the read loop.
	for i := 0; i < 40; i++ {
		subs.deliver(domain.Signal{ID: "x", Type: domain.SignalCandidate, Receiver: "ali"})
	}
	if got := len(ch); got != cap(ch) {
		t.Errorf("buffered signals = %d, want full buffer %d", got, cap(ch))
	}
}
