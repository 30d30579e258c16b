package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_typingStartStop(t *testing.T) {
	tracker := NewTypingTracker(10 * time.Second)

	assert.True(t, tracker.Start("chan-1", "user-1"), "expected first start to report newly typing")
	assert.False(t, tracker.Start("chan-1", "user-1"), "expected repeated start to report already typing")
	assert.Equal(t, 1, tracker.len(), "expected a single live entry")

	// same user typing in another channel is a separate entry
	assert.True(t, tracker.Start("chan-2", "user-1"), "expected start in another channel to be independent")
	assert.Equal(t, 2, tracker.len())

	assert.True(t, tracker.Stop("chan-1", "user-1"), "expected stop of live entry to report true")
	assert.False(t, tracker.Stop("chan-1", "user-1"), "expected redundant stop to report false")
	assert.Equal(t, 1, tracker.len())
}

func Test_typingExpired(t *testing.T) {
	tracker := NewTypingTracker(10 * time.Second)

	tracker.Start("chan-1", "user-1")
	tracker.Start("chan-1", "user-2")

	assert.Empty(t, tracker.Expired(time.Now()), "expected no entries expired before the ttl")

	expired := tracker.Expired(time.Now().Add(11 * time.Second))
	assert.Len(t, expired, 2, "expected both entries expired past the ttl")
	assert.Contains(t, expired, typingKey{channelId: "chan-1", identity: "user-1"})
	assert.Contains(t, expired, typingKey{channelId: "chan-1", identity: "user-2"})

	// a second sweep returns nothing: one synthetic stop per start
	assert.Empty(t, tracker.Expired(time.Now().Add(time.Minute)), "expected entries to expire at most once")
	assert.Equal(t, 0, tracker.len())
}

func Test_typingStartExtends(t *testing.T) {
	tracker := NewTypingTracker(10 * time.Second)

	tracker.Start("chan-1", "user-1")
	time.Sleep(10 * time.Millisecond)
	tracker.Start("chan-1", "user-1")

	// the restamped entry outlives the original deadline
	assert.Empty(t, tracker.Expired(time.Now().Add(10*time.Second)), "expected restart to extend the deadline")
	assert.True(t, tracker.Stop("chan-1", "user-1"))
}

func Test_defaultTypingTTL(t *testing.T) {
	tracker := NewTypingTracker(0)
	assert.Equal(t, defaultTypingTTL, tracker.ttl, "expected non-positive ttl to fall back to the default")
}
