package gateway

import (
	"encoding/json"
	"time"
)

// Event types carried in the {type, payload} envelope. The first group is
// client to server, the second server to client.
const (
	EventPing           = "ping"
	EventMessage        = "message"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventAddReaction    = "add_reaction"
	EventRemoveReaction = "remove_reaction"

	EventPong            = "pong"
	EventNewMessage      = "new_message"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventMessageFailed   = "message_failed"
	EventError           = "error"
)

// Error codes carried in an error payload. Business-rule failures are only
// ever returned to the originating connection.
const (
	CodeChannelArchived    = "channel_archived"
	CodeNotSubscribed      = "not_subscribed"
	CodeInvalidPayload     = "invalid_payload"
	CodePersistenceFailure = "persistence_failure"
	CodeOverloaded         = "overloaded"
)

// Envelope is an inbound client frame. The payload stays raw until the type
// tag selects a decoder.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is an outbound frame.
type ServerEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type SendMessagePayload struct {
	ChannelId       string `json:"channel_id"`
	Content         string `json:"content"`
	ParentMessageId string `json:"parent_message_id,omitempty"`
}

type ReactionPayload struct {
	ChannelId    string `json:"channel_id"`
	MessageId    string `json:"message_id"`
	ReactionType string `json:"reaction_type"`
}

type TypingPayload struct {
	ChannelId string `json:"channel_id"`
	UserId    string `json:"user_id,omitempty"`
}

type ConnectedPayload struct {
	UserId        string    `json:"user_id,omitempty"`
	IntegrationId string    `json:"integration_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type DisconnectedPayload struct {
	UserId    string    `json:"user_id,omitempty"`
	ChannelId string    `json:"channel_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ChannelId string `json:"channel_id,omitempty"`
}

type MessageFailedPayload struct {
	ChannelId string `json:"channel_id"`
	Reason    string `json:"reason"`
}

func errorEvent(code, message, channelId string) *ServerEvent {
	return &ServerEvent{
		Type: EventError,
		Payload: ErrorPayload{
			Code:      code,
			Message:   message,
			ChannelId: channelId,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
