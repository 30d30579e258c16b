package database

import "time"

type Account struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Channel struct {
	Id         string
	Name       string
	Topic      string
	IsArchived bool
	LastSeq    int
	OwnerId    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Members    []Member
}

type Member struct {
	Id        string
	ChannelId string
	AccountId string
	Username  string
	Role      string
	CreatedAt time.Time
}

type Message struct {
	Id              string
	Seq             int
	ChannelId       string
	SenderId        string
	IntegrationId   string
	ParentMessageId string
	Content         string
	CreatedAt       time.Time
}

type Reaction struct {
	Id           string
	MessageId    string
	ChannelId    string
	UserId       string
	ReactionType string
	CreatedAt    time.Time
}

type Invite struct {
	Id        string
	ChannelId string
	Code      string
	CreatedBy string
	ExpiresAt time.Time
	MaxUses   int
	Uses      int
	IsRevoked bool
	CreatedAt time.Time
}

type Integration struct {
	Id         string
	Name       string
	ChannelId  string
	OwnerId    string
	TokenHash  string
	IsRevoked  bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	AccountId    string
	Username     string
	PasswordHash string
}

type CreateChannelParams struct {
	Name    string
	Topic   string
	OwnerId string
}

type CreateMessageParams struct {
	ChannelId       string
	SenderId        string
	IntegrationId   string
	ParentMessageId string
	Content         string
}

type AddReactionParams struct {
	MessageId    string
	ChannelId    string
	UserId       string
	ReactionType string
}

type CreateInviteParams struct {
	ChannelId string
	Code      string
	CreatedBy string
	ExpiresAt time.Time
	MaxUses   int
}

type CreateIntegrationParams struct {
	Name      string
	ChannelId string
	OwnerId   string
	TokenHash string
}
