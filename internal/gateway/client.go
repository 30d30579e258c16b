package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kmorano/chatrelay/internal/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendQueueSize  = 256
)

// Client is one live gateway connection. It owns its bounded send queue and
// the read/write pumps; all channel state mutation goes through the channel
// actors.
type Client struct {
	conn          *websocket.Conn
	gw            *Gateway
	log           *log.Logger
	identity      types.Identity
	send          chan *ServerEvent
	channels      map[string]*channel
	channelsLock  sync.RWMutex
	lastHeartbeat atomic.Int64
	stop          chan struct{}
	stopOnce      sync.Once
}

func NewClient(identity types.Identity, conn *websocket.Conn, gw *Gateway, l *log.Logger) *Client {
	c := &Client{
		conn:     conn,
		gw:       gw,
		log:      l,
		identity: identity,
		send:     make(chan *ServerEvent, sendQueueSize),
		channels: make(map[string]*channel),
		stop:     make(chan struct{}),
	}
	c.touchHeartbeat()
	return c
}

func (c *Client) Identity() types.Identity {
	return c.identity
}

func (c *Client) Write() {
	defer func() {
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(ev)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.writeFrame(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.heartbeatWindow()))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		// any inbound frame counts as liveness
		c.conn.SetReadDeadline(time.Now().Add(c.gw.heartbeatWindow()))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Println("error parsing envelope:", err)
			c.queueEvent(errorEvent(CodeInvalidPayload, "invalid message format", ""))
			continue
		}

		c.handleEnvelope(&env)
	}
}

func (c *Client) handleEnvelope(env *Envelope) {
	c.touchHeartbeat()

	switch env.Type {
	case EventPing:
		c.queueEvent(&ServerEvent{Type: EventPong, Payload: PongPayload{Timestamp: Now()}})
	case EventMessage:
		var p SendMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ChannelId == "" || p.Content == "" {
			c.queueEvent(errorEvent(CodeInvalidPayload, "message requires channel_id and content", p.ChannelId))
			return
		}

		ch := c.getChannel(p.ChannelId)
		if ch == nil {
			c.queueEvent(errorEvent(CodeNotSubscribed, "not subscribed to channel", p.ChannelId))
			return
		}

		if !ch.enqueue(&clientEvent{kind: evSendMessage, client: c, message: &p}) {
			c.queueEvent(&ServerEvent{
				Type:    EventMessageFailed,
				Payload: MessageFailedPayload{ChannelId: p.ChannelId, Reason: CodeOverloaded},
			})
		}
	case EventAddReaction, EventRemoveReaction:
		var p ReactionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ChannelId == "" || p.MessageId == "" || p.ReactionType == "" {
			c.queueEvent(errorEvent(CodeInvalidPayload, "reaction requires channel_id, message_id and reaction_type", p.ChannelId))
			return
		}

		ch := c.getChannel(p.ChannelId)
		if ch == nil {
			c.queueEvent(errorEvent(CodeNotSubscribed, "not subscribed to channel", p.ChannelId))
			return
		}

		kind := evAddReaction
		if env.Type == EventRemoveReaction {
			kind = evRemoveReaction
		}
		if !ch.enqueue(&clientEvent{kind: kind, client: c, reaction: &p}) {
			c.queueEvent(errorEvent(CodeOverloaded, "channel busy, retry", p.ChannelId))
		}
	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ChannelId == "" {
			return
		}

		// typing is ephemeral: silently dropped when not subscribed or busy
		ch := c.getChannel(p.ChannelId)
		if ch == nil {
			return
		}

		kind := evTypingStart
		if env.Type == EventTypingStop {
			kind = evTypingStop
		}
		ch.enqueue(&clientEvent{kind: kind, client: c})
	default:
		c.log.Printf("unknown event type %q from %s", env.Type, c.identity.Key())
	}
}

// queueEvent enqueues an outbound event without blocking. Overflow drops the
// event so one slow consumer never stalls a fan-out.
func (c *Client) queueEvent(ev *ServerEvent) bool {
	select {
	case c.send <- ev:
	default:
		c.log.Printf("send queue full for %s, dropping %s", c.identity.Key(), ev.Type)
		c.gw.stats.Incr("NumEventsDropped")
		return false
	}

	return true
}

func (c *Client) writeFrame(msgType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) touchHeartbeat() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

func (c *Client) heartbeatAge(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastHeartbeat.Load()))
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.gw.deregisterChan <- c
	c.stopClient()
}

func (c *Client) addChannel(ch *channel) {
	c.channelsLock.Lock()
	defer c.channelsLock.Unlock()

	c.channels[ch.id] = ch
}

func (c *Client) delChannel(id string) {
	c.channelsLock.Lock()
	defer c.channelsLock.Unlock()

	delete(c.channels, id)
}

func (c *Client) getChannel(id string) *channel {
	c.channelsLock.RLock()
	defer c.channelsLock.RUnlock()

	return c.channels[id]
}

func (c *Client) channelList() []*channel {
	c.channelsLock.RLock()
	defer c.channelsLock.RUnlock()

	list := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		list = append(list, ch)
	}
	return list
}
