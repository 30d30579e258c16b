package database

import (
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) UpdateAccount(params UpdateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) GetAccountById(accountId string) (Account, error) {
	args := m.Called(accountId)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) GetAccountByEmail(email string) (Account, error) {
	args := m.Called(email)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) CreateChannel(params CreateChannelParams) (Channel, error) {
	args := m.Called(params)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockRepository) GetChannel(channelId string) (Channel, error) {
	args := m.Called(channelId)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockRepository) GetChannelWithMembers(channelId string) (*Channel, error) {
	args := m.Called(channelId)
	if ch, ok := args.Get(0).(*Channel); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ListChannelsForAccount(accountId string) ([]Channel, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Channel), args.Error(1)
}
func (m *MockRepository) SetChannelArchived(channelId string, archived bool) error {
	args := m.Called(channelId, archived)
	return args.Error(0)
}
func (m *MockRepository) AddMember(channelId, accountId string) (Member, error) {
	args := m.Called(channelId, accountId)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockRepository) RemoveMember(channelId, accountId string) error {
	args := m.Called(channelId, accountId)
	return args.Error(0)
}
func (m *MockRepository) IsMember(channelId, accountId string) bool {
	args := m.Called(channelId, accountId)
	return args.Bool(0)
}
func (m *MockRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessages(channelId string, after, before, limit int) ([]Message, error) {
	args := m.Called(channelId, after, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) AddReaction(params AddReactionParams) (Reaction, bool, error) {
	args := m.Called(params)
	return args.Get(0).(Reaction), args.Bool(1), args.Error(2)
}
func (m *MockRepository) RemoveReaction(messageId, userId, reactionType string) (bool, error) {
	args := m.Called(messageId, userId, reactionType)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) GetReactionsForMessages(messageIds []string) ([]Reaction, error) {
	args := m.Called(messageIds)
	return args.Get(0).([]Reaction), args.Error(1)
}
func (m *MockRepository) CreateInvite(params CreateInviteParams) (Invite, error) {
	args := m.Called(params)
	return args.Get(0).(Invite), args.Error(1)
}
func (m *MockRepository) GetInviteByCode(code string) (Invite, error) {
	args := m.Called(code)
	return args.Get(0).(Invite), args.Error(1)
}
func (m *MockRepository) ConsumeInvite(inviteId string) error {
	args := m.Called(inviteId)
	return args.Error(0)
}
func (m *MockRepository) RevokeInvite(inviteId string) error {
	args := m.Called(inviteId)
	return args.Error(0)
}
func (m *MockRepository) CreateIntegration(params CreateIntegrationParams) (Integration, error) {
	args := m.Called(params)
	return args.Get(0).(Integration), args.Error(1)
}
func (m *MockRepository) GetIntegrationById(integrationId string) (Integration, error) {
	args := m.Called(integrationId)
	return args.Get(0).(Integration), args.Error(1)
}
func (m *MockRepository) ListIntegrationsForAccount(accountId string) ([]Integration, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Integration), args.Error(1)
}
func (m *MockRepository) RevokeIntegration(integrationId string) error {
	args := m.Called(integrationId)
	return args.Error(0)
}
func (m *MockRepository) TouchIntegration(integrationId string) error {
	args := m.Called(integrationId)
	return args.Error(0)
}
