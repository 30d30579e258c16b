package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kmorano/chatrelay/internal/gateway"
	"github.com/kmorano/chatrelay/internal/types"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrTokenExpired means the access token lapsed; the caller must
	// re-authenticate before reconnecting.
	ErrTokenExpired = errors.New("session token expired")
	// ErrRetriesExhausted means the reconnect ceiling was reached.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrNotConnected     = errors.New("session is not open")
	ErrAlreadyStarted   = errors.New("session already started")
)

const (
	defaultPingInterval = 30 * time.Second
	defaultBackoffBase  = time.Second
	defaultMaxAttempts  = 5
)

type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/ws".
	URL   string
	Token string
	// TokenExpiresAt gates reconnects; zero disables the check.
	TokenExpiresAt time.Time
	PingInterval   time.Duration
	BackoffBase    time.Duration
	MaxAttempts    int
	History        History
	Dialer         *websocket.Dialer
	Logger         *log.Logger
}

// Session maintains one logical connection across transport churn. It owns
// its handler table and message log; nothing about it is package-global.
type Session struct {
	cfg        Config
	log        *log.Logger
	dialer     *websocket.Dialer
	dispatcher *Dispatcher
	messages   *MessageLog
	history    History

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	attempts int
	started  bool
	err      error

	writeMu  sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.URL == "" || cfg.Token == "" {
		return nil, errors.New("session requires a url and a token")
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Session{
		cfg:        cfg,
		log:        cfg.Logger,
		dialer:     dialer,
		dispatcher: NewDispatcher(),
		messages:   NewMessageLog(),
		history:    cfg.History,
		state:      StateIdle,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why the session reached StateClosed, nil on a normal close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) On(eventType string, fn Handler) *Subscription {
	return s.dispatcher.On(eventType, fn)
}

func (s *Session) Off(sub *Subscription) bool {
	return s.dispatcher.Off(sub)
}

// Messages exposes the client-held log for a channel.
func (s *Session) Messages(channelId string) []types.Message {
	return s.messages.Messages(channelId)
}

// Connect starts the session's run loop. It returns once the loop is
// running; connection state is observed through State and the connected and
// disconnected events.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		if s.tokenExpired() {
			s.terminate(ErrTokenExpired)
			return
		}

		s.setState(StateConnecting)
		conn, err := s.dial(ctx)
		if err == nil {
			s.adopt(conn)

			// Close may have run while the dial was in flight, when there
			// was no conn yet for it to shut down
			if s.stopped() || ctx.Err() != nil {
				s.dropConn(conn)
				s.terminate(nil)
				return
			}

			s.setState(StateOpen)
			s.dispatchLocal(gateway.EventConnected, gateway.ConnectedPayload{
				Timestamp: time.Now().UTC(),
			})

			if err := s.backfill(ctx); err != nil {
				s.log.Printf("backfill: %v", err)
			}

			normal := s.readLoop(ctx, conn)
			s.dropConn(conn)

			if normal || s.stopped() || ctx.Err() != nil {
				s.terminate(nil)
				return
			}
		} else {
			s.log.Printf("dial %s: %v", s.cfg.URL, err)
		}

		attempt := s.nextAttempt()
		if attempt > s.cfg.MaxAttempts {
			s.terminate(ErrRetriesExhausted)
			return
		}

		// base * 2^attempt: 2s, 4s, 8s, 16s, 32s with the defaults
		wait := s.cfg.BackoffBase << attempt
		s.log.Printf("reconnect attempt %d in %s", attempt, wait)

		select {
		case <-time.After(wait):
		case <-s.stop:
			s.terminate(nil)
			return
		case <-ctx.Done():
			s.terminate(nil)
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, err
	}

	// the upgrade request carries the token as a query parameter
	q := u.Query()
	q.Set("token", s.cfg.Token)
	u.RawQuery = q.Encode()

	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// readLoop pumps inbound frames until the connection dies, running the ping
// ticker alongside. Returns true when the peer closed normally.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) bool {
	pingDone := make(chan struct{})
	defer close(pingDone)

	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.writeEnvelope(conn, gateway.EventPing, nil); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true
			}
			s.log.Printf("read: %v", err)
			return false
		}

		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev Event) {
	if ev.Type == gateway.EventNewMessage {
		var msg types.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			s.log.Printf("decode new_message: %v", err)
			return
		}

		// a frame for an id already held (live delivery racing backfill)
		// is swallowed, handlers see each message once
		if !s.messages.Append(msg) {
			return
		}
	}

	s.dispatcher.dispatch(ev)
}

// Send writes a {type, payload} envelope on the open connection.
func (s *Session) Send(eventType string, payload any) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	return s.writeEnvelope(conn, eventType, payload)
}

func (s *Session) SendMessage(channelId, content, parentMessageId string) error {
	return s.Send(gateway.EventMessage, gateway.SendMessagePayload{
		ChannelId:       channelId,
		Content:         content,
		ParentMessageId: parentMessageId,
	})
}

func (s *Session) AddReaction(channelId, messageId, reactionType string) error {
	return s.Send(gateway.EventAddReaction, gateway.ReactionPayload{
		ChannelId:    channelId,
		MessageId:    messageId,
		ReactionType: reactionType,
	})
}

func (s *Session) RemoveReaction(channelId, messageId, reactionType string) error {
	return s.Send(gateway.EventRemoveReaction, gateway.ReactionPayload{
		ChannelId:    channelId,
		MessageId:    messageId,
		ReactionType: reactionType,
	})
}

func (s *Session) StartTyping(channelId string) error {
	return s.Send(gateway.EventTypingStart, gateway.TypingPayload{ChannelId: channelId})
}

func (s *Session) StopTyping(channelId string) error {
	return s.Send(gateway.EventTypingStop, gateway.TypingPayload{ChannelId: channelId})
}

func (s *Session) writeEnvelope(conn *websocket.Conn, eventType string, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return conn.WriteJSON(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: eventType, Payload: payload})
}

// Close requests a normal shutdown. The run loop finishes with StateClosed
// and does not reconnect.
func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	s.mu.Lock()
	conn := s.conn
	started := s.started
	s.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}

	if started {
		<-s.done
	} else {
		s.terminate(nil)
	}

	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) adopt(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.attempts = 0
	s.mu.Unlock()
}

func (s *Session) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Session) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) tokenExpired() bool {
	return !s.cfg.TokenExpiresAt.IsZero() && time.Now().After(s.cfg.TokenExpiresAt)
}

// terminate enters the terminal state and emits the final disconnected
// dispatch the application shows its persistent indicator from.
func (s *Session) terminate(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.err = err
	s.mu.Unlock()

	if err != nil {
		s.log.Printf("session closed: %v", err)
	}

	s.dispatchLocal(gateway.EventDisconnected, gateway.DisconnectedPayload{
		Timestamp: time.Now().UTC(),
	})
}

func (s *Session) dispatchLocal(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Printf("marshal %s: %v", eventType, err)
		return
	}

	s.dispatcher.dispatch(Event{Type: eventType, Payload: raw})
}
