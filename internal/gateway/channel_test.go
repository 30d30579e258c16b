package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/kmorano/chatrelay/internal/database"
	"github.com/kmorano/chatrelay/internal/stats"
	"github.com/kmorano/chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestChannel(t *testing.T, gw *Gateway, id string, members ...string) *channel {
	t.Helper()

	memberSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	ch := newChannel(database.Channel{Id: id, Name: id}, gw)
	ch.members = memberSet
	ch.killTimer = time.NewTimer(idleChannelTimeout)
	ch.killTimer.Stop()
	return ch
}

func subscribe(t *testing.T, ch *channel, c *Client) {
	t.Helper()

	reply := make(chan error, 1)
	ch.handleSubscribe(&subReq{client: c, reply: reply})
	if err := <-reply; err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func Test_handleSubscribe(t *testing.T) {
	t.Run("member subscribes", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c := newTestClient(gw, types.UserIdentity("user-1"))

		reply := make(chan error, 1)
		ch.handleSubscribe(&subReq{client: c, reply: reply})

		assert.NoError(t, <-reply)
		assert.Contains(t, ch.subs, c, "expected client in subscriber set")
		assert.Contains(t, ch.identMap["user-1"], c, "expected client in identity map")
		assert.NotNil(t, c.getChannel("chan-1"), "expected channel on client")
	})

	t.Run("archived channel refuses", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		ch.archived = true
		c := newTestClient(gw, types.UserIdentity("user-1"))

		reply := make(chan error, 1)
		ch.handleSubscribe(&subReq{client: c, reply: reply})

		assert.ErrorIs(t, <-reply, ErrChannelArchived)
		assert.NotContains(t, ch.subs, c)
	})

	t.Run("non-member refuses", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c := newTestClient(gw, types.UserIdentity("user-2"))

		reply := make(chan error, 1)
		ch.handleSubscribe(&subReq{client: c, reply: reply})

		assert.ErrorIs(t, <-reply, ErrNotMember)
		assert.NotContains(t, ch.subs, c)
	})
}

func Test_handleUnsubscribe(t *testing.T) {
	t.Run("last subscriber arms the kill timer", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c := newTestClient(gw, types.UserIdentity("user-1"))
		subscribe(t, ch, c)

		ch.handleUnsubscribe(&unsubReq{client: c})

		assert.NotContains(t, ch.subs, c)
		assert.NotContains(t, ch.identMap, "user-1")
		assert.Nil(t, c.getChannel("chan-1"))
		assert.True(t, ch.killTimer.Stop(), "expected kill timer armed once the channel is empty")
	})

	t.Run("disconnect clears typing state", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1", "user-2")
		c1 := newTestClient(gw, types.UserIdentity("user-1"))
		c2 := newTestClient(gw, types.UserIdentity("user-2"))
		subscribe(t, ch, c1)
		subscribe(t, ch, c2)

		gw.typing.Start("chan-1", "user-1")
		ch.handleUnsubscribe(&unsubReq{client: c1, disconnected: true})

		// the remaining subscriber sees the synthetic stop, then the
		// presence notice
		select {
		case ev := <-c2.send:
			assert.Equal(t, EventTypingStop, ev.Type)
			payload := ev.Payload.(TypingPayload)
			assert.Equal(t, "user-1", payload.UserId)
		default:
			t.Error("expected remaining subscriber to receive typing_stop")
		}

		select {
		case ev := <-c2.send:
			assert.Equal(t, EventDisconnected, ev.Type)
			payload := ev.Payload.(DisconnectedPayload)
			assert.Equal(t, "user-1", payload.UserId)
			assert.Equal(t, "chan-1", payload.ChannelId)
		default:
			t.Error("expected remaining subscriber to receive a disconnected notice")
		}

		assert.Equal(t, 0, gw.typing.len(), "expected typing entry cleared")
	})

	t.Run("second connection keeps typing state", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c1 := newTestClient(gw, types.UserIdentity("user-1"))
		c2 := newTestClient(gw, types.UserIdentity("user-1"))
		subscribe(t, ch, c1)
		subscribe(t, ch, c2)

		gw.typing.Start("chan-1", "user-1")
		ch.handleUnsubscribe(&unsubReq{client: c1, disconnected: true})

		assert.Equal(t, 1, gw.typing.len(), "expected typing entry kept while a connection remains")
		assert.Contains(t, ch.identMap["user-1"], c2)
	})

	t.Run("unknown client is a no-op", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		ch.handleUnsubscribe(&unsubReq{client: newTestClient(gw, types.UserIdentity("user-1"))})
	})
}

func Test_handleMembershipChange(t *testing.T) {
	gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	ch := newTestChannel(t, gw, "chan-1", "user-1", "user-2")
	c1 := newTestClient(gw, types.UserIdentity("user-1"))
	c2 := newTestClient(gw, types.UserIdentity("user-2"))
	subscribe(t, ch, c1)
	subscribe(t, ch, c2)

	gw.typing.Start("chan-1", "user-2")

	ch.handleMembershipChange(map[string]struct{}{"user-1": {}})

	assert.Contains(t, ch.subs, c1, "expected remaining member untouched")
	assert.NotContains(t, ch.subs, c2, "expected removed member pruned")
	assert.Nil(t, c2.getChannel("chan-1"))
	assert.Equal(t, 0, gw.typing.len(), "expected removed member's typing state cleared")
}

func Test_sendMessage(t *testing.T) {
	t.Run("persists then fans out to all subscribers", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1", "user-2")
		sender := newTestClient(gw, types.UserIdentity("user-1"))
		other := newTestClient(gw, types.UserIdentity("user-2"))
		subscribe(t, ch, sender)
		subscribe(t, ch, other)

		params := database.CreateMessageParams{
			ChannelId: "chan-1",
			SenderId:  "user-1",
			Content:   "hello",
		}
		db.On("CreateMessage", params).Return(database.Message{
			Id:        "msg-1",
			Seq:       7,
			ChannelId: "chan-1",
			SenderId:  "user-1",
			Content:   "hello",
		}, nil).Once()

		ch.sendMessage(sender, &SendMessagePayload{ChannelId: "chan-1", Content: "hello"})

		// the sender reconciles through the same new_message event
		for _, c := range []*Client{sender, other} {
			select {
			case ev := <-c.send:
				assert.Equal(t, EventNewMessage, ev.Type)
				msg := ev.Payload.(types.Message)
				assert.Equal(t, "msg-1", msg.Id)
				assert.Equal(t, 7, msg.Seq)
			default:
				t.Errorf("expected %s to receive new_message", c.identity.Key())
			}
			assert.Len(t, c.send, 0, "expected exactly one event per subscriber")
		}
	})

	t.Run("not subscribed is rejected to sender only", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		outsider := newTestClient(gw, types.UserIdentity("user-9"))

		ch.sendMessage(outsider, &SendMessagePayload{ChannelId: "chan-1", Content: "hello"})

		select {
		case ev := <-outsider.send:
			assert.Equal(t, EventError, ev.Type)
			assert.Equal(t, CodeNotSubscribed, ev.Payload.(ErrorPayload).Code)
		default:
			t.Error("expected sender to receive an error event")
		}
		db.AssertNotCalled(t, "CreateMessage")
	})

	t.Run("archived channel rejects", func(t *testing.T) {
		db := &database.MockRepository{}
		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c := newTestClient(gw, types.UserIdentity("user-1"))
		subscribe(t, ch, c)
		ch.archived = true

		ch.sendMessage(c, &SendMessagePayload{ChannelId: "chan-1", Content: "hello"})

		select {
		case ev := <-c.send:
			assert.Equal(t, EventError, ev.Type)
			assert.Equal(t, CodeChannelArchived, ev.Payload.(ErrorPayload).Code)
		default:
			t.Error("expected sender to receive an error event")
		}
	})

	t.Run("transient failure retried once", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c := newTestClient(gw, types.UserIdentity("user-1"))
		subscribe(t, ch, c)

		db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("db down")).Once()
		db.On("CreateMessage", mock.Anything).Return(database.Message{
			Id: "msg-1", ChannelId: "chan-1", SenderId: "user-1", Content: "hello",
		}, nil).Once()

		ch.sendMessage(c, &SendMessagePayload{ChannelId: "chan-1", Content: "hello"})

		select {
		case ev := <-c.send:
			assert.Equal(t, EventNewMessage, ev.Type, "expected the retry to deliver the message")
		default:
			t.Error("expected new_message after retry")
		}
	})

	t.Run("double failure surfaces message_failed to sender only", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1", "user-2")
		sender := newTestClient(gw, types.UserIdentity("user-1"))
		other := newTestClient(gw, types.UserIdentity("user-2"))
		subscribe(t, ch, sender)
		subscribe(t, ch, other)

		db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("db down")).Twice()

		ch.sendMessage(sender, &SendMessagePayload{ChannelId: "chan-1", Content: "hello"})

		select {
		case ev := <-sender.send:
			assert.Equal(t, EventMessageFailed, ev.Type)
			assert.Equal(t, CodePersistenceFailure, ev.Payload.(MessageFailedPayload).Reason)
		default:
			t.Error("expected sender to receive message_failed")
		}
		assert.Len(t, other.send, 0, "expected no partial fan-out on persistence failure")
	})
}

func Test_addReaction(t *testing.T) {
	t.Run("new triple fans out once", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1", "user-2")
		c1 := newTestClient(gw, types.UserIdentity("user-1"))
		c2 := newTestClient(gw, types.UserIdentity("user-2"))
		subscribe(t, ch, c1)
		subscribe(t, ch, c2)

		params := database.AddReactionParams{
			MessageId:    "msg-1",
			ChannelId:    "chan-1",
			UserId:       "user-2",
			ReactionType: "thumbsup",
		}
		db.On("AddReaction", params).Return(database.Reaction{
			Id:           "react-1",
			MessageId:    "msg-1",
			ChannelId:    "chan-1",
			UserId:       "user-2",
			ReactionType: "thumbsup",
		}, true, nil).Once()

		ch.addReaction(c2, &ReactionPayload{ChannelId: "chan-1", MessageId: "msg-1", ReactionType: "thumbsup"})

		for _, c := range []*Client{c1, c2} {
			select {
			case ev := <-c.send:
				assert.Equal(t, EventReactionAdded, ev.Type)
				r := ev.Payload.(types.Reaction)
				assert.Equal(t, "msg-1", r.MessageId)
				assert.Equal(t, "user-2", r.UserId)
			default:
				t.Errorf("expected %s to receive reaction_added", c.identity.Key())
			}
		}
	})

	t.Run("duplicate triple is a silent no-op", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c := newTestClient(gw, types.UserIdentity("user-1"))
		subscribe(t, ch, c)

		db.On("AddReaction", mock.Anything).Return(database.Reaction{}, false, nil).Once()

		ch.addReaction(c, &ReactionPayload{ChannelId: "chan-1", MessageId: "msg-1", ReactionType: "thumbsup"})

		assert.Len(t, c.send, 0, "expected nothing fanned out for a duplicate reaction")
	})

	t.Run("persistent failure reports to sender", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c := newTestClient(gw, types.UserIdentity("user-1"))
		subscribe(t, ch, c)

		db.On("AddReaction", mock.Anything).Return(database.Reaction{}, false, errors.New("db down")).Twice()

		ch.addReaction(c, &ReactionPayload{ChannelId: "chan-1", MessageId: "msg-1", ReactionType: "thumbsup"})

		select {
		case ev := <-c.send:
			assert.Equal(t, EventError, ev.Type)
			assert.Equal(t, CodePersistenceFailure, ev.Payload.(ErrorPayload).Code)
		default:
			t.Error("expected sender to receive persistence error")
		}
	})
}

func Test_removeReaction(t *testing.T) {
	t.Run("deleted row fans out", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1", "user-2")
		c1 := newTestClient(gw, types.UserIdentity("user-1"))
		c2 := newTestClient(gw, types.UserIdentity("user-2"))
		subscribe(t, ch, c1)
		subscribe(t, ch, c2)

		db.On("RemoveReaction", "msg-1", "user-2", "thumbsup").Return(true, nil).Once()

		ch.removeReaction(c2, &ReactionPayload{ChannelId: "chan-1", MessageId: "msg-1", ReactionType: "thumbsup"})

		select {
		case ev := <-c1.send:
			assert.Equal(t, EventReactionRemoved, ev.Type)
		default:
			t.Error("expected reaction_removed fan-out")
		}
	})

	t.Run("redundant remove fans out nothing", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c := newTestClient(gw, types.UserIdentity("user-1"))
		subscribe(t, ch, c)

		db.On("RemoveReaction", "msg-1", "user-1", "thumbsup").Return(false, nil).Once()

		ch.removeReaction(c, &ReactionPayload{ChannelId: "chan-1", MessageId: "msg-1", ReactionType: "thumbsup"})

		assert.Len(t, c.send, 0, "expected no fan-out when no row was deleted")
	})
}

func Test_fanout(t *testing.T) {
	gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	ch := newTestChannel(t, gw, "chan-1", "user-1", "user-2")
	c1 := newTestClient(gw, types.UserIdentity("user-1"))
	c2 := newTestClient(gw, types.UserIdentity("user-2"))
	subscribe(t, ch, c1)
	subscribe(t, ch, c2)

	ev := &ServerEvent{Type: EventTypingStart, Payload: TypingPayload{ChannelId: "chan-1", UserId: "user-1"}}

	delivered := ch.fanout(ev, "user-1")
	assert.Equal(t, 1, delivered, "expected self-suppressed fan-out to skip the originator")
	assert.Len(t, c1.send, 0, "expected no echo to the typing user")
	assert.Len(t, c2.send, 1)

	<-c2.send
	delivered = ch.fanout(ev, "")
	assert.Equal(t, 2, delivered, "expected unsuppressed fan-out to reach everyone")
}

func Test_typingEvents(t *testing.T) {
	gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	ch := newTestChannel(t, gw, "chan-1", "user-1", "user-2")
	c1 := newTestClient(gw, types.UserIdentity("user-1"))
	c2 := newTestClient(gw, types.UserIdentity("user-2"))
	subscribe(t, ch, c1)
	subscribe(t, ch, c2)

	ch.handleEvent(&clientEvent{kind: evTypingStart, client: c1})
	assert.Equal(t, 1, gw.typing.len(), "expected a live typing entry")
	assert.Len(t, c1.send, 0, "expected typing_start suppressed for the originator")

	select {
	case ev := <-c2.send:
		assert.Equal(t, EventTypingStart, ev.Type)
	default:
		t.Error("expected other subscriber to see typing_start")
	}

	// an explicit stop with no live entry fans out nothing
	ch.handleEvent(&clientEvent{kind: evTypingStop, client: c1})
	ch.handleEvent(&clientEvent{kind: evTypingStop, client: c1})

	select {
	case ev := <-c2.send:
		assert.Equal(t, EventTypingStop, ev.Type)
	default:
		t.Error("expected other subscriber to see typing_stop")
	}
	assert.Len(t, c2.send, 0, "expected exactly one typing_stop")
}

func Test_handleExit(t *testing.T) {
	gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	ch := newTestChannel(t, gw, "chan-1", "user-1")
	c := newTestClient(gw, types.UserIdentity("user-1"))
	subscribe(t, ch, c)

	// a subscribe still queued when the actor exits must not hang
	pending := &subReq{client: newTestClient(gw, types.UserIdentity("user-1")), reply: make(chan error, 1)}
	ch.subChan <- pending

	done := make(chan struct{})
	ch.handleExit(exitReq{archived: true, done: done})

	select {
	case <-done:
	default:
		t.Error("expected exit done channel closed")
	}

	select {
	case <-ch.done:
	default:
		t.Error("expected actor done channel closed")
	}

	assert.ErrorIs(t, <-pending.reply, errChannelUnloaded)
	assert.Nil(t, c.getChannel("chan-1"), "expected subscription released")
	assert.True(t, ch.archived)
}

func Test_handleIdleTimeout(t *testing.T) {
	gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	ch := newTestChannel(t, gw, "chan-1")

	ch.handleIdleTimeout()

	select {
	case req := <-gw.unloadChan:
		assert.Equal(t, "chan-1", req.channelId)
		assert.True(t, req.idle)
		assert.False(t, req.archived)
	default:
		t.Error("expected an unload request")
	}
}

func Test_publishNotification(t *testing.T) {
	t.Run("persists and fans out", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1", "user-1")
		c := newTestClient(gw, types.UserIdentity("user-1"))
		subscribe(t, ch, c)

		params := database.CreateMessageParams{ChannelId: "chan-1", IntegrationId: "int-1", Content: "alert"}
		db.On("CreateMessage", params).Return(database.Message{
			Id: "msg-1", ChannelId: "chan-1", IntegrationId: "int-1", Content: "alert",
		}, nil).Once()

		req := &notifyReq{params: params, reply: make(chan notifyResp, 1)}
		ch.publishNotification(req)

		resp := <-req.reply
		assert.NoError(t, resp.err)
		assert.Equal(t, "msg-1", resp.msg.Id)

		select {
		case ev := <-c.send:
			assert.Equal(t, EventNewMessage, ev.Type)
		default:
			t.Error("expected subscriber to receive the notification")
		}
	})

	t.Run("archived channel refuses", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, gw, "chan-1")
		ch.archived = true

		req := &notifyReq{reply: make(chan notifyResp, 1)}
		ch.publishNotification(req)

		resp := <-req.reply
		assert.ErrorIs(t, resp.err, ErrChannelArchived)
	})
}
