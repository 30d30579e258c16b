package gateway

import (
	"sync"
	"time"
)

const defaultTypingTTL = 10 * time.Second

type typingKey struct {
	channelId string
	identity  string
}

// TypingTracker holds ephemeral per-(channel, identity) typing state as a
// map of expiry timestamps swept periodically. No timer handle per entry.
type TypingTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[typingKey]time.Time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}

	return &TypingTracker{
		ttl:     ttl,
		entries: make(map[typingKey]time.Time),
	}
}

// Start stamps (or extends) the typing entry. Returns true if the identity
// was not already typing in the channel.
func (t *TypingTracker) Start(channelId, identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{channelId: channelId, identity: identity}
	_, live := t.entries[key]
	t.entries[key] = time.Now().Add(t.ttl)

	return !live
}

// Stop clears the entry and reports whether it was live. Callers fan out a
// typing_stop only when it was.
func (t *TypingTracker) Stop(channelId, identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{channelId: channelId, identity: identity}
	if _, live := t.entries[key]; !live {
		return false
	}

	delete(t.entries, key)
	return true
}

// Expired removes and returns every entry past its expiry. Each entry is
// returned at most once, which bounds synthetic stops to one per start.
func (t *TypingTracker) Expired(now time.Time) []typingKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []typingKey
	for key, deadline := range t.entries {
		if now.After(deadline) {
			expired = append(expired, key)
			delete(t.entries, key)
		}
	}

	return expired
}

func (t *TypingTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
