package database

type Repository interface {
	Ping() error

	CreateAccount(params CreateAccountParams) (Account, error)
	UpdateAccount(params UpdateAccountParams) (Account, error)
	GetAccountById(accountId string) (Account, error)
	GetAccountByEmail(email string) (Account, error)

	CreateChannel(params CreateChannelParams) (Channel, error)
	GetChannel(channelId string) (Channel, error)
	GetChannelWithMembers(channelId string) (*Channel, error)
	ListChannelsForAccount(accountId string) ([]Channel, error)
	SetChannelArchived(channelId string, archived bool) error
	AddMember(channelId, accountId string) (Member, error)
	RemoveMember(channelId, accountId string) error
	IsMember(channelId, accountId string) bool

	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessages(channelId string, after, before, limit int) ([]Message, error)

	AddReaction(params AddReactionParams) (Reaction, bool, error)
	RemoveReaction(messageId, userId, reactionType string) (bool, error)
	GetReactionsForMessages(messageIds []string) ([]Reaction, error)

	CreateInvite(params CreateInviteParams) (Invite, error)
	GetInviteByCode(code string) (Invite, error)
	ConsumeInvite(inviteId string) error
	RevokeInvite(inviteId string) error

	CreateIntegration(params CreateIntegrationParams) (Integration, error)
	GetIntegrationById(integrationId string) (Integration, error)
	ListIntegrationsForAccount(accountId string) ([]Integration, error)
	RevokeIntegration(integrationId string) error
	TouchIntegration(integrationId string) error
}
