package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/kmorano/chatrelay/internal/database"
	"github.com/kmorano/chatrelay/internal/stats"
	"github.com/kmorano/chatrelay/internal/types"
)

var errChannelUnloaded = errors.New("channel unloaded")

type Options struct {
	// PingInterval must match the client's ping cadence
	PingInterval time.Duration
	// TimeoutFactor multiplies PingInterval into the forced-unregister window
	TimeoutFactor int
	TypingTTL     time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.TimeoutFactor <= 0 {
		opts.TimeoutFactor = 3
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = defaultTypingTTL
	}
	return opts
}

type registerReq struct {
	client   *Client
	channels []database.Channel
}

type unloadReq struct {
	channelId string
	archived  bool
	idle      bool
	done      chan struct{}
}

type refreshReq struct {
	channelId string
	members   map[string]struct{}
}

type publishReq struct {
	channel database.Channel
	notify  *notifyReq
}

type stopReq struct {
	done chan struct{}
}

// Gateway owns the connection table and the channel actors. All mutation of
// either goes through its run loop; fan-out itself happens inside the
// per-channel actors so the gateway never serializes delivery.
type Gateway struct {
	log      *log.Logger
	db       database.Repository
	stats    stats.StatsProvider
	opts     Options
	typing   *TypingTracker
	clients  map[*Client]struct{}
	identMap map[string]map[*Client]struct{}
	channels map[string]*channel

	registerChan   chan *registerReq
	deregisterChan chan *Client
	unloadChan     chan *unloadReq
	refreshChan    chan *refreshReq
	publishChan    chan *publishReq
	stop           chan stopReq
}

func NewGateway(logger *log.Logger, db database.Repository, su stats.StatsProvider, opts Options) (*Gateway, error) {
	if logger == nil || db == nil {
		return nil, errors.New("gateway requires a logger and a repository")
	}

	o := opts.withDefaults()
	gw := &Gateway{
		log:            logger,
		db:             db,
		stats:          su,
		opts:           o,
		typing:         NewTypingTracker(o.TypingTTL),
		clients:        make(map[*Client]struct{}),
		identMap:       make(map[string]map[*Client]struct{}),
		channels:       make(map[string]*channel),
		registerChan:   make(chan *registerReq, 64),
		deregisterChan: make(chan *Client, 64),
		unloadChan:     make(chan *unloadReq, 64),
		refreshChan:    make(chan *refreshReq, 64),
		publishChan:    make(chan *publishReq, 64),
		stop:           make(chan stopReq),
	}

	su.RegisterMetric("NumActiveConnections")
	su.RegisterMetric("NumActiveChannels")
	su.RegisterMetric("NumMessagesFannedOut")
	su.RegisterMetric("NumEventsDropped")

	return gw, nil
}

func (gw *Gateway) heartbeatWindow() time.Duration {
	return gw.opts.PingInterval * time.Duration(gw.opts.TimeoutFactor)
}

func (gw *Gateway) Run() {
	heartbeatTicker := time.NewTicker(gw.opts.PingInterval)
	defer heartbeatTicker.Stop()
	typingTicker := time.NewTicker(time.Second)
	defer typingTicker.Stop()

	for {
		select {
		case req := <-gw.registerChan:
			gw.handleRegister(req)
		case c := <-gw.deregisterChan:
			gw.handleDeregister(c)
		case req := <-gw.unloadChan:
			gw.handleUnload(req)
		case req := <-gw.refreshChan:
			gw.handleRefresh(req)
		case req := <-gw.publishChan:
			gw.handlePublish(req)
		case now := <-heartbeatTicker.C:
			gw.sweepHeartbeats(now)
		case now := <-typingTicker.C:
			gw.sweepTyping(now)
		case req := <-gw.stop:
			gw.handleStop(req)
			return
		}
	}
}

// RegisterClient adds an authenticated connection and subscribes it to the
// channels it is a member of. Archived channels are skipped; the connection
// itself still proceeds.
func (gw *Gateway) RegisterClient(c *Client, channels []database.Channel) {
	gw.registerChan <- &registerReq{client: c, channels: channels}
}

func (gw *Gateway) handleRegister(req *registerReq) {
	c := req.client
	gw.log.Printf("adding connection for %q", c.identity.Key())

	gw.clients[c] = struct{}{}
	key := c.identity.Key()
	if gw.identMap[key] == nil {
		gw.identMap[key] = make(map[*Client]struct{})
	}
	gw.identMap[key][c] = struct{}{}
	gw.stats.Incr("NumActiveConnections")

	var pending []*subReq
	for _, dbCh := range req.channels {
		if dbCh.IsArchived {
			continue
		}

		ch := gw.loadChannel(dbCh)
		sub := &subReq{client: c, reply: make(chan error, 1)}
		select {
		case ch.subChan <- sub:
			pending = append(pending, sub)
		default:
			gw.log.Printf("subscribe queue full on channel %q", ch.id)
		}
	}

	// collect subscribe outcomes off the run loop, then confirm the
	// connection
	go func() {
		for _, sub := range pending {
			if err := <-sub.reply; err != nil {
				gw.log.Printf("subscribe %q: %v", c.identity.Key(), err)
			}
		}

		c.queueEvent(&ServerEvent{
			Type: EventConnected,
			Payload: ConnectedPayload{
				UserId:        c.identity.UserId,
				IntegrationId: c.identity.IntegrationId,
				Timestamp:     Now(),
			},
		})
	}()
}

func (gw *Gateway) handleDeregister(c *Client) {
	if _, ok := gw.clients[c]; !ok {
		return
	}

	gw.log.Printf("removing connection for %q", c.identity.Key())
	delete(gw.clients, c)

	key := c.identity.Key()
	if conns, ok := gw.identMap[key]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(gw.identMap, key)
		}
	}
	gw.stats.Decr("NumActiveConnections")

	// release the connection from every channel it was subscribed to;
	// each actor clears the identity's typing state for its channel.
	// Unsubscribes must not be dropped under pressure or the actor keeps
	// fanning out to a dead connection, so a full queue falls back to a
	// blocking hand-off that gives up only once the actor has exited.
	for _, ch := range c.channelList() {
		req := &unsubReq{client: c, disconnected: true}
		select {
		case ch.unsubChan <- req:
		default:
			gw.log.Printf("unsubscribe queue full on channel %q, waiting", ch.id)
			go func(ch *channel) {
				select {
				case ch.unsubChan <- req:
				case <-ch.done:
				}
			}(ch)
		}
	}
}

func (gw *Gateway) loadChannel(dbCh database.Channel) *channel {
	if ch, ok := gw.channels[dbCh.Id]; ok {
		return ch
	}

	ch := newChannel(dbCh, gw)
	gw.channels[dbCh.Id] = ch
	gw.stats.Incr("NumActiveChannels")
	go ch.start()

	return ch
}

// UnloadChannel exits a channel actor, pruning every live subscription. Used
// when a channel is archived or deleted over the REST surface.
func (gw *Gateway) UnloadChannel(ctx context.Context, channelId string, archived bool) error {
	done := make(chan struct{})
	select {
	case gw.unloadChan <- &unloadReq{channelId: channelId, archived: archived, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (gw *Gateway) handleUnload(req *unloadReq) {
	ch, ok := gw.channels[req.channelId]
	if !ok {
		if req.done != nil {
			close(req.done)
		}
		return
	}

	delete(gw.channels, req.channelId)
	gw.stats.Decr("NumActiveChannels")

	ch.exit <- exitReq{archived: req.archived, done: req.done}
	<-ch.done
}

// RefreshMembership replaces a loaded channel's cached member set, pruning
// subscriptions for identities that left. No-op when the channel is not
// loaded.
func (gw *Gateway) RefreshMembership(channelId string, memberIds []string) {
	members := make(map[string]struct{}, len(memberIds))
	for _, id := range memberIds {
		members[id] = struct{}{}
	}

	select {
	case gw.refreshChan <- &refreshReq{channelId: channelId, members: members}:
	default:
		gw.log.Printf("membership refresh queue full for channel %q", channelId)
	}
}

func (gw *Gateway) handleRefresh(req *refreshReq) {
	ch, ok := gw.channels[req.channelId]
	if !ok {
		return
	}

	select {
	case ch.membersChan <- req.members:
	default:
		// replace a stale pending refresh
		select {
		case <-ch.membersChan:
		default:
		}
		ch.membersChan <- req.members
	}
}

// PublishNotification injects an integration-authored message through the
// channel actor so it shares the persist-then-fan-out path, and with it the
// per-channel ordering guarantee.
func (gw *Gateway) PublishNotification(ctx context.Context, dbCh database.Channel, params database.CreateMessageParams) (types.Message, error) {
	notify := &notifyReq{params: params, reply: make(chan notifyResp, 1)}

	select {
	case gw.publishChan <- &publishReq{channel: dbCh, notify: notify}:
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}

	select {
	case resp := <-notify.reply:
		return resp.msg, resp.err
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}

func (gw *Gateway) handlePublish(req *publishReq) {
	ch := gw.loadChannel(req.channel)
	if !ch.enqueue(&clientEvent{kind: evNotify, notify: req.notify}) {
		req.notify.reply <- notifyResp{err: errors.New("channel busy")}
	}
}

func (gw *Gateway) sweepHeartbeats(now time.Time) {
	window := gw.heartbeatWindow()
	for c := range gw.clients {
		if c.heartbeatAge(now) > window {
			gw.log.Printf("connection for %q missed heartbeat window, closing", c.identity.Key())
			c.stopClient()
		}
	}
}

func (gw *Gateway) sweepTyping(now time.Time) {
	for _, key := range gw.typing.Expired(now) {
		ch, ok := gw.channels[key.channelId]
		if !ok {
			continue
		}

		ch.enqueue(&clientEvent{
			kind:     evTypingExpired,
			identity: types.Identity{UserId: key.identity},
		})
	}
}

func (gw *Gateway) handleStop(req stopReq) {
	gw.log.Println("shutting down channels")
	for id, ch := range gw.channels {
		delete(gw.channels, id)
		ch.exit <- exitReq{}
		<-ch.done
	}

	for c := range gw.clients {
		c.stopClient()
	}

	close(req.done)
}

func (gw *Gateway) Shutdown(ctx context.Context) error {
	done := make(chan struct{})

	select {
	case gw.stop <- stopReq{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
