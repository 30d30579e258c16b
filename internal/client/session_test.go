package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kmorano/chatrelay/internal/gateway"
	"github.com/kmorano/chatrelay/internal/testutil"
	"github.com/kmorano/chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
)

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		if s.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, got %s", want, s.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()

	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the run loop to exit")
	}
}

// wsEcho upgrades and hands the connection to fn. The returned URL speaks ws.
func wsEcho(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func Test_NewSession(t *testing.T) {
	t.Run("requires url and token", func(t *testing.T) {
		_, err := NewSession(Config{Token: "tok"})
		assert.NotNil(t, err)

		_, err = NewSession(Config{URL: "ws://localhost/ws"})
		assert.NotNil(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		s, err := NewSession(Config{URL: "ws://localhost/ws", Token: "tok"})
		assert.Nil(t, err)
		assert.Equal(t, defaultPingInterval, s.cfg.PingInterval)
		assert.Equal(t, defaultBackoffBase, s.cfg.BackoffBase)
		assert.Equal(t, defaultMaxAttempts, s.cfg.MaxAttempts)
		assert.Equal(t, StateIdle, s.State())
		assert.Nil(t, s.Err())
	})
}

func Test_expiredTokenNeverDials(t *testing.T) {
	s, err := NewSession(Config{
		URL:            "ws://localhost/ws",
		Token:          "tok",
		TokenExpiresAt: time.Now().Add(-time.Minute),
		Logger:         testutil.TestLogger(t),
	})
	assert.Nil(t, err)

	var disconnects atomic.Int32
	s.On(gateway.EventDisconnected, func(Event) {
		disconnects.Add(1)
	})

	assert.Nil(t, s.Connect(context.Background()))
	waitDone(t, s)

	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Err(), ErrTokenExpired)
	assert.Equal(t, int32(1), disconnects.Load(), "expected exactly one terminal disconnected dispatch")
}

func Test_reconnectCeiling(t *testing.T) {
	s, err := NewSession(Config{
		URL:         "ws://127.0.0.1:1/ws", // nothing listens here
		Token:       "tok",
		BackoffBase: time.Millisecond,
		MaxAttempts: 3,
		Logger:      testutil.TestLogger(t),
	})
	assert.Nil(t, err)

	assert.Nil(t, s.Connect(context.Background()))
	waitDone(t, s)

	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Err(), ErrRetriesExhausted)
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyStarted)
}

func Test_reconnectBackoffDoubles(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time

	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			mu.Lock()
			attempts = append(attempts, time.Now())
			mu.Unlock()
			return nil, errors.New("dial refused")
		},
	}

	base := 20 * time.Millisecond
	s, err := NewSession(Config{
		URL:         "ws://127.0.0.1:1/ws",
		Token:       "tok",
		BackoffBase: base,
		MaxAttempts: 3,
		Dialer:      dialer,
		Logger:      testutil.TestLogger(t),
	})
	assert.Nil(t, err)

	assert.Nil(t, s.Connect(context.Background()))
	waitDone(t, s)

	assert.ErrorIs(t, s.Err(), ErrRetriesExhausted)

	mu.Lock()
	defer mu.Unlock()
	if assert.Len(t, attempts, 4, "expected the initial dial plus one per retry") {
		// the wait before retry n is base << n, so the gaps double
		for i := 1; i < len(attempts); i++ {
			gap := attempts[i].Sub(attempts[i-1])
			want := base << i
			assert.GreaterOrEqual(t, gap, want, "retry %d fired before its backoff elapsed", i)
			assert.Less(t, gap, 4*want, "retry %d fired far past its backoff", i)
		}
	}
}

func Test_sessionLifecycle(t *testing.T) {
	writeEvent := func(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
		t.Helper()
		if err := conn.WriteJSON(gateway.ServerEvent{Type: eventType, Payload: payload}); err != nil {
			t.Errorf("write %s: %v", eventType, err)
		}
	}

	release := make(chan struct{})
	srv := wsEcho(t, func(conn *websocket.Conn) {
		msg := types.Message{Id: "msg-1", ChannelId: "chan-1", Seq: 1, Content: "hello"}
		writeEvent(t, conn, gateway.EventNewMessage, msg)
		writeEvent(t, conn, gateway.EventNewMessage, msg) // live delivery racing backfill
		writeEvent(t, conn, gateway.EventNewMessage,
			types.Message{Id: "msg-2", ChannelId: "chan-1", Seq: 2, Content: "again"})

		<-release
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})

	s, err := NewSession(Config{
		URL:    wsURL(srv) + "/ws",
		Token:  "tok",
		Logger: testutil.TestLogger(t),
	})
	assert.Nil(t, err)

	var connects, messages, disconnects atomic.Int32
	s.On(gateway.EventConnected, func(Event) { connects.Add(1) })
	s.On(gateway.EventNewMessage, func(Event) { messages.Add(1) })
	s.On(gateway.EventDisconnected, func(Event) { disconnects.Add(1) })

	assert.Nil(t, s.Connect(context.Background()))
	waitForState(t, s, StateOpen)

	assert.Nil(t, s.Send(gateway.EventPing, nil))

	deadline := time.After(3 * time.Second)
	for messages.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for message dispatches")
		case <-time.After(5 * time.Millisecond):
		}
	}

	assert.Equal(t, int32(1), connects.Load())
	assert.Equal(t, int32(2), messages.Load(), "expected the duplicate frame swallowed")
	assert.Len(t, s.Messages("chan-1"), 2)
	assert.Equal(t, 2, s.messages.LastSeq("chan-1"))

	// server-initiated normal close is terminal, no reconnect
	close(release)
	waitDone(t, s)

	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, s.Err())
	assert.Equal(t, int32(1), disconnects.Load())
	assert.ErrorIs(t, s.Send(gateway.EventPing, nil), ErrNotConnected)
}

func Test_sessionClose(t *testing.T) {
	srv := wsEcho(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := NewSession(Config{
		URL:    wsURL(srv) + "/ws",
		Token:  "tok",
		Logger: testutil.TestLogger(t),
	})
	assert.Nil(t, err)

	assert.Nil(t, s.Connect(context.Background()))
	waitForState(t, s, StateOpen)

	assert.Nil(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, s.Err())

	assert.ErrorIs(t, s.SendMessage("chan-1", "late", ""), ErrNotConnected)
}

func Test_closeDuringDial(t *testing.T) {
	srv := wsEcho(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	gate := make(chan struct{})
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-gate
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}

	s, err := NewSession(Config{
		URL:    wsURL(srv) + "/ws",
		Token:  "tok",
		Dialer: dialer,
		Logger: testutil.TestLogger(t),
	})
	assert.Nil(t, err)

	assert.Nil(t, s.Connect(context.Background()))

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	// let the shutdown land while the dial is still in flight, then let
	// the dial finish
	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close hung after a dial that finished mid-shutdown")
	}

	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, s.Err())
}

func Test_sendRequiresOpen(t *testing.T) {
	s, err := NewSession(Config{URL: "ws://localhost/ws", Token: "tok"})
	assert.Nil(t, err)

	assert.ErrorIs(t, s.SendMessage("chan-1", "hello", ""), ErrNotConnected)
	assert.ErrorIs(t, s.AddReaction("chan-1", "msg-1", "thumbsup"), ErrNotConnected)
	assert.ErrorIs(t, s.StartTyping("chan-1"), ErrNotConnected)
}
