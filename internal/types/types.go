package types

import (
	"time"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Identity is the authenticated principal behind a connection or an API
// call: a user or an integration bot, never both.
type Identity struct {
	UserId        string `json:"user_id,omitempty"`
	IntegrationId string `json:"integration_id,omitempty"`
}

func UserIdentity(userId string) Identity {
	return Identity{UserId: userId}
}

func IntegrationIdentity(integrationId string) Identity {
	return Identity{IntegrationId: integrationId}
}

func (i Identity) IsIntegration() bool {
	return i.IntegrationId != ""
}

// Key returns the single non-empty id, usable as a map key.
func (i Identity) Key() string {
	if i.IntegrationId != "" {
		return i.IntegrationId
	}
	return i.UserId
}

type Channel struct {
	Id         string    `json:"id"`
	Name       string    `json:"name"`
	Topic      string    `json:"topic,omitempty"`
	IsArchived bool      `json:"is_archived"`
	LastSeq    int       `json:"last_seq"`
	OwnerId    string    `json:"owner_id"`
	Members    []User    `json:"members,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	Id              string     `json:"id"`
	Seq             int        `json:"seq"`
	ChannelId       string     `json:"channel_id"`
	SenderId        string     `json:"sender_id,omitempty"`
	IntegrationId   string     `json:"integration_id,omitempty"`
	ParentMessageId string     `json:"parent_message_id,omitempty"`
	Content         string     `json:"content"`
	Timestamp       time.Time  `json:"timestamp"`
	Reactions       []Reaction `json:"reactions,omitempty"`
}

type Reaction struct {
	Id           string    `json:"id"`
	MessageId    string    `json:"message_id"`
	ChannelId    string    `json:"channel_id"`
	UserId       string    `json:"user_id"`
	ReactionType string    `json:"reaction_type"`
	Timestamp    time.Time `json:"timestamp"`
}

type Integration struct {
	Id         string    `json:"id"`
	Name       string    `json:"name"`
	ChannelId  string    `json:"channel_id"`
	OwnerId    string    `json:"owner_id"`
	IsRevoked  bool      `json:"is_revoked"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

type Invite struct {
	Id        string    `json:"id"`
	ChannelId string    `json:"channel_id"`
	Code      string    `json:"code"`
	CreatedBy string    `json:"created_by"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses,omitempty"`
	Uses      int       `json:"uses"`
	IsRevoked bool      `json:"is_revoked"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
