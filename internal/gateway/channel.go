package gateway

import (
	"errors"
	"log"
	"time"

	"github.com/kmorano/chatrelay/internal/database"
	"github.com/kmorano/chatrelay/internal/types"
)

const idleChannelTimeout = 30 * time.Second

var (
	ErrChannelArchived = errors.New("channel is archived")
	ErrNotMember       = errors.New("not a member of channel")
)

type eventKind int

const (
	evSendMessage eventKind = iota
	evAddReaction
	evRemoveReaction
	evTypingStart
	evTypingStop
	evTypingExpired
	evNotify
)

type clientEvent struct {
	kind     eventKind
	client   *Client
	identity types.Identity
	message  *SendMessagePayload
	reaction *ReactionPayload
	notify   *notifyReq
}

type subReq struct {
	client *Client
	reply  chan error
}

type unsubReq struct {
	client       *Client
	disconnected bool
}

type notifyReq struct {
	params database.CreateMessageParams
	reply  chan notifyResp
}

type notifyResp struct {
	msg types.Message
	err error
}

type exitReq struct {
	archived bool
	done     chan struct{}
}

// channel is the per-channel actor: it owns the subscriber set and
// serializes validate, persist and fan-out, which is what makes fan-out
// order equal persisted order within the channel.
type channel struct {
	id       string
	name     string
	archived bool
	gw       *Gateway
	log      *log.Logger
	// members is the cached membership view, authoritative in storage
	members  map[string]struct{}
	subs     map[*Client]struct{}
	identMap map[string]map[*Client]struct{}

	subChan     chan *subReq
	unsubChan   chan *unsubReq
	eventChan   chan *clientEvent
	membersChan chan map[string]struct{}
	exit        chan exitReq
	done        chan struct{}
	// killTimer unloads the channel once it has no subscribers left
	killTimer *time.Timer
}

func newChannel(dbCh database.Channel, gw *Gateway) *channel {
	members := make(map[string]struct{}, len(dbCh.Members))
	for _, m := range dbCh.Members {
		members[m.AccountId] = struct{}{}
	}

	return &channel{
		id:          dbCh.Id,
		name:        dbCh.Name,
		archived:    dbCh.IsArchived,
		gw:          gw,
		log:         gw.log,
		members:     members,
		subs:        make(map[*Client]struct{}),
		identMap:    make(map[string]map[*Client]struct{}),
		subChan:     make(chan *subReq, 64),
		unsubChan:   make(chan *unsubReq, 256),
		eventChan:   make(chan *clientEvent, 256),
		membersChan: make(chan map[string]struct{}, 1),
		exit:        make(chan exitReq),
		done:        make(chan struct{}),
	}
}

func (ch *channel) start() {
	ch.log.Printf("starting channel %q", ch.id)

	// refresh the membership cache before serving anything; the seed row
	// may not carry members
	if dbCh, err := ch.gw.db.GetChannelWithMembers(ch.id); err == nil {
		members := make(map[string]struct{}, len(dbCh.Members))
		for _, m := range dbCh.Members {
			members[m.AccountId] = struct{}{}
		}
		ch.members = members
		ch.archived = dbCh.IsArchived
	} else {
		ch.log.Printf("load members for %q: %v", ch.id, err)
	}

	ch.killTimer = time.NewTimer(idleChannelTimeout)

	for {
		select {
		case req := <-ch.subChan:
			ch.handleSubscribe(req)
		case req := <-ch.unsubChan:
			ch.handleUnsubscribe(req)
		case ev := <-ch.eventChan:
			ch.handleEvent(ev)
		case members := <-ch.membersChan:
			ch.handleMembershipChange(members)
		case <-ch.killTimer.C:
			ch.handleIdleTimeout()
		case e := <-ch.exit:
			ch.handleExit(e)
			return
		}
	}
}

// enqueue offers an event to the actor without blocking. A full queue is a
// back-pressure signal to the caller.
func (ch *channel) enqueue(ev *clientEvent) bool {
	select {
	case ch.eventChan <- ev:
		return true
	default:
		ch.log.Printf("event queue full on channel %q", ch.id)
		return false
	}
}

func (ch *channel) handleSubscribe(req *subReq) {
	if ch.archived {
		req.reply <- ErrChannelArchived
		return
	}

	key := req.client.identity.Key()
	if _, ok := ch.members[key]; !ok {
		req.reply <- ErrNotMember
		return
	}

	ch.killTimer.Stop()

	ch.subs[req.client] = struct{}{}
	if ch.identMap[key] == nil {
		ch.identMap[key] = make(map[*Client]struct{})
	}
	ch.identMap[key][req.client] = struct{}{}
	req.client.addChannel(ch)

	req.reply <- nil
}

func (ch *channel) handleUnsubscribe(req *unsubReq) {
	c := req.client
	if _, ok := ch.subs[c]; !ok {
		return
	}

	delete(ch.subs, c)
	c.delChannel(ch.id)

	key := c.identity.Key()
	if conns, ok := ch.identMap[key]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(ch.identMap, key)
			// the identity's last connection here is gone: clear any
			// typing state so other subscribers don't see a stuck
			// indicator
			if req.disconnected {
				if ch.gw.typing.Stop(ch.id, key) {
					ch.fanout(&ServerEvent{
						Type:    EventTypingStop,
						Payload: TypingPayload{ChannelId: ch.id, UserId: key},
					}, key)
				}
				ch.fanout(&ServerEvent{
					Type:    EventDisconnected,
					Payload: DisconnectedPayload{UserId: key, ChannelId: ch.id, Timestamp: Now()},
				}, key)
			}
		}
	}

	if len(ch.subs) == 0 {
		ch.killTimer.Reset(idleChannelTimeout)
	}
}

func (ch *channel) handleMembershipChange(members map[string]struct{}) {
	ch.members = members

	// prune subscriptions for identities no longer in the member set
	for key, conns := range ch.identMap {
		if _, ok := members[key]; ok {
			continue
		}
		for c := range conns {
			delete(ch.subs, c)
			c.delChannel(ch.id)
		}
		delete(ch.identMap, key)
		ch.gw.typing.Stop(ch.id, key)
	}

	if len(ch.subs) == 0 {
		ch.killTimer.Reset(idleChannelTimeout)
	}
}

func (ch *channel) handleIdleTimeout() {
	ch.log.Printf("channel %q idle, unloading", ch.id)
	ch.gw.unloadChan <- &unloadReq{channelId: ch.id, idle: true}
}

func (ch *channel) handleExit(e exitReq) {
	ch.log.Printf("channel %q exiting", ch.id)
	if e.archived {
		ch.archived = true
	}

	for c := range ch.subs {
		c.delChannel(ch.id)
	}
	ch.subs = make(map[*Client]struct{})
	ch.identMap = make(map[string]map[*Client]struct{})

	// refuse any subscribe already queued so no caller waits on a reply
	// from a dead actor
	for {
		select {
		case req := <-ch.subChan:
			req.reply <- errChannelUnloaded
			continue
		default:
		}
		break
	}

	if e.done != nil {
		close(e.done)
	}
	close(ch.done)
}

func (ch *channel) handleEvent(ev *clientEvent) {
	switch ev.kind {
	case evSendMessage:
		ch.sendMessage(ev.client, ev.message)
	case evAddReaction:
		ch.addReaction(ev.client, ev.reaction)
	case evRemoveReaction:
		ch.removeReaction(ev.client, ev.reaction)
	case evTypingStart:
		key := ev.client.identity.Key()
		ch.gw.typing.Start(ch.id, key)
		ch.fanout(&ServerEvent{
			Type:    EventTypingStart,
			Payload: TypingPayload{ChannelId: ch.id, UserId: key},
		}, key)
	case evTypingStop:
		key := ev.client.identity.Key()
		if ch.gw.typing.Stop(ch.id, key) {
			ch.fanout(&ServerEvent{
				Type:    EventTypingStop,
				Payload: TypingPayload{ChannelId: ch.id, UserId: key},
			}, key)
		}
	case evTypingExpired:
		// the tracker already dropped the entry; emit the one synthetic stop
		key := ev.identity.Key()
		ch.fanout(&ServerEvent{
			Type:    EventTypingStop,
			Payload: TypingPayload{ChannelId: ch.id, UserId: key},
		}, key)
	case evNotify:
		ch.publishNotification(ev.notify)
	}
}

func (ch *channel) sendMessage(c *Client, p *SendMessagePayload) {
	if _, ok := ch.subs[c]; !ok {
		c.queueEvent(errorEvent(CodeNotSubscribed, "not subscribed to channel", ch.id))
		return
	}
	if ch.archived {
		c.queueEvent(errorEvent(CodeChannelArchived, "channel is archived", ch.id))
		return
	}

	msg, err := ch.persistMessage(database.CreateMessageParams{
		ChannelId:       ch.id,
		SenderId:        c.identity.UserId,
		IntegrationId:   c.identity.IntegrationId,
		ParentMessageId: p.ParentMessageId,
		Content:         p.Content,
	})
	if err != nil {
		ch.log.Printf("persist message on %q: %v", ch.id, err)
		c.queueEvent(&ServerEvent{
			Type:    EventMessageFailed,
			Payload: MessageFailedPayload{ChannelId: ch.id, Reason: CodePersistenceFailure},
		})
		return
	}

	// all subscribers, sender included, reconcile through the same event
	ch.fanout(&ServerEvent{Type: EventNewMessage, Payload: msg}, "")
	ch.gw.stats.Incr("NumMessagesFannedOut")
}

func (ch *channel) addReaction(c *Client, p *ReactionPayload) {
	if _, ok := ch.subs[c]; !ok {
		c.queueEvent(errorEvent(CodeNotSubscribed, "not subscribed to channel", ch.id))
		return
	}

	params := database.AddReactionParams{
		MessageId:    p.MessageId,
		ChannelId:    ch.id,
		UserId:       c.identity.Key(),
		ReactionType: p.ReactionType,
	}

	r, created, err := ch.gw.db.AddReaction(params)
	if err != nil {
		// one internal retry for transient persistence failures
		r, created, err = ch.gw.db.AddReaction(params)
	}
	if err != nil {
		ch.log.Printf("add reaction on %q: %v", ch.id, err)
		c.queueEvent(errorEvent(CodePersistenceFailure, "failed to save reaction", ch.id))
		return
	}

	// duplicate triple: idempotent no-op, nothing fanned out
	if !created {
		return
	}

	ch.fanout(&ServerEvent{
		Type: EventReactionAdded,
		Payload: types.Reaction{
			Id:           r.Id,
			MessageId:    r.MessageId,
			ChannelId:    ch.id,
			UserId:       r.UserId,
			ReactionType: r.ReactionType,
			Timestamp:    r.CreatedAt,
		},
	}, "")
}

func (ch *channel) removeReaction(c *Client, p *ReactionPayload) {
	if _, ok := ch.subs[c]; !ok {
		c.queueEvent(errorEvent(CodeNotSubscribed, "not subscribed to channel", ch.id))
		return
	}

	key := c.identity.Key()
	removed, err := ch.gw.db.RemoveReaction(p.MessageId, key, p.ReactionType)
	if err != nil {
		removed, err = ch.gw.db.RemoveReaction(p.MessageId, key, p.ReactionType)
	}
	if err != nil {
		ch.log.Printf("remove reaction on %q: %v", ch.id, err)
		c.queueEvent(errorEvent(CodePersistenceFailure, "failed to remove reaction", ch.id))
		return
	}

	// fan out only when a row was actually deleted
	if !removed {
		return
	}

	ch.fanout(&ServerEvent{
		Type: EventReactionRemoved,
		Payload: types.Reaction{
			MessageId:    p.MessageId,
			ChannelId:    ch.id,
			UserId:       key,
			ReactionType: p.ReactionType,
			Timestamp:    Now(),
		},
	}, "")
}

func (ch *channel) publishNotification(req *notifyReq) {
	if ch.archived {
		req.reply <- notifyResp{err: ErrChannelArchived}
		return
	}

	msg, err := ch.persistMessage(req.params)
	if err != nil {
		req.reply <- notifyResp{err: err}
		return
	}

	ch.fanout(&ServerEvent{Type: EventNewMessage, Payload: msg}, "")
	ch.gw.stats.Incr("NumMessagesFannedOut")
	req.reply <- notifyResp{msg: msg}
}

// persistMessage writes through the storage collaborator with one internal
// retry. The second failure surfaces to the caller; a user write is never
// silently dropped.
func (ch *channel) persistMessage(params database.CreateMessageParams) (types.Message, error) {
	dbMsg, err := ch.gw.db.CreateMessage(params)
	if err != nil {
		dbMsg, err = ch.gw.db.CreateMessage(params)
	}
	if err != nil {
		return types.Message{}, err
	}

	return types.Message{
		Id:              dbMsg.Id,
		Seq:             dbMsg.Seq,
		ChannelId:       dbMsg.ChannelId,
		SenderId:        dbMsg.SenderId,
		IntegrationId:   dbMsg.IntegrationId,
		ParentMessageId: dbMsg.ParentMessageId,
		Content:         dbMsg.Content,
		Timestamp:       dbMsg.CreatedAt,
	}, nil
}

// fanout delivers ev to every subscribed connection, best effort. skipKey
// suppresses the originating identity's own connections (typing echo).
// Returns the delivered count.
func (ch *channel) fanout(ev *ServerEvent, skipKey string) int {
	var delivered int
	for c := range ch.subs {
		if skipKey != "" && c.identity.Key() == skipKey {
			continue
		}

		if c.queueEvent(ev) {
			delivered++
		}
	}

	return delivered
}
