package client

import (
	"context"
	"sort"
	"sync"

	"github.com/kmorano/chatrelay/internal/types"
)

// History is the cold-start and catch-up source consulted after a
// (re)connect. RestClient satisfies it.
type History interface {
	Channels(ctx context.Context) ([]types.Channel, error)
	MessagesAfter(ctx context.Context, channelId string, afterSeq, limit int) ([]types.Message, error)
}

type channelLog struct {
	messages []types.Message
	seen     map[string]struct{}
}

// MessageLog is the client-held message state. Backfilled history merges
// into it by message id; an id already held is never replaced, so state a
// client applied optimistically survives a reconnect.
type MessageLog struct {
	mu       sync.Mutex
	channels map[string]*channelLog
}

func NewMessageLog() *MessageLog {
	return &MessageLog{
		channels: make(map[string]*channelLog),
	}
}

func (l *MessageLog) channel(channelId string) *channelLog {
	cl, ok := l.channels[channelId]
	if !ok {
		cl = &channelLog{seen: make(map[string]struct{})}
		l.channels[channelId] = cl
	}
	return cl
}

// Append adds a live message. Returns false when the id is already held.
func (l *MessageLog) Append(msg types.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl := l.channel(msg.ChannelId)
	if _, dup := cl.seen[msg.Id]; dup {
		return false
	}

	cl.seen[msg.Id] = struct{}{}
	cl.messages = append(cl.messages, msg)
	return true
}

// Merge folds a fetched history page into the log and returns how many
// entries were new. The channel converges to persisted seq order.
func (l *MessageLog) Merge(channelId string, msgs []types.Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl := l.channel(channelId)
	var added int
	for _, msg := range msgs {
		if _, dup := cl.seen[msg.Id]; dup {
			continue
		}
		cl.seen[msg.Id] = struct{}{}
		cl.messages = append(cl.messages, msg)
		added++
	}

	if added > 0 {
		sort.SliceStable(cl.messages, func(i, j int) bool {
			return cl.messages[i].Seq < cl.messages[j].Seq
		})
	}

	return added
}

// Messages returns a copy of the held entries for a channel.
func (l *MessageLog) Messages(channelId string) []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.channels[channelId]
	if !ok {
		return nil
	}

	out := make([]types.Message, len(cl.messages))
	copy(out, cl.messages)
	return out
}

// LastSeq returns the highest persisted sequence held for a channel, the
// watermark backfill fetches after.
func (l *MessageLog) LastSeq(channelId string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.channels[channelId]
	if !ok {
		return 0
	}

	var last int
	for _, msg := range cl.messages {
		if msg.Seq > last {
			last = msg.Seq
		}
	}
	return last
}

const backfillPageSize = 100

// backfill pulls every message persisted past the per-channel watermark and
// merges it. Called with the session already open; live frames arriving
// during the fetch dedup against the same log.
func (s *Session) backfill(ctx context.Context) error {
	if s.history == nil {
		return nil
	}

	channels, err := s.history.Channels(ctx)
	if err != nil {
		return err
	}

	for _, ch := range channels {
		if ch.IsArchived {
			continue
		}

		after := s.messages.LastSeq(ch.Id)
		for {
			page, err := s.history.MessagesAfter(ctx, ch.Id, after, backfillPageSize)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				break
			}

			s.messages.Merge(ch.Id, page)
			for _, msg := range page {
				if msg.Seq > after {
					after = msg.Seq
				}
			}

			if len(page) < backfillPageSize {
				break
			}
		}
	}

	return nil
}
