package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kmorano/chatrelay/internal/database"
	"github.com/kmorano/chatrelay/internal/gateway"
	"github.com/kmorano/chatrelay/internal/types"
	"golang.org/x/crypto/bcrypt"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UpdateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateChannelRequest struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

type CreateInviteRequest struct {
	ChannelId string `json:"channel_id"`
	ExpiresIn int    `json:"expires_in_hours"`
	MaxUses   int    `json:"max_uses"`
}

type AcceptInviteRequest struct {
	Code string `json:"code"`
}

type CreateIntegrationRequest struct {
	Name      string `json:"name"`
	ChannelId string `json:"channel_id"`
}

type NotificationRequest struct {
	Content         string `json:"content"`
	ParentMessageId string `json:"parent_message_id"`
}

// SessionResponse is returned by register and login. ExpiresAt lets clients
// decide between reconnecting with the same token and forcing a re-login.
type SessionResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      types.User `json:"user"`
}

// IntegrationCreatedResponse carries the raw API token. It is shown exactly
// once; only the hash is stored.
type IntegrationCreatedResponse struct {
	Integration types.Integration `json:"integration"`
	Token       string            `json:"token"`
}

func (s *ChatRelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func accountToUser(a database.Account) types.User {
	return types.User{
		Id:           a.Id,
		Username:     a.Username,
		EmailAddress: a.EmailAddress,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func channelToType(c database.Channel) types.Channel {
	ch := types.Channel{
		Id:         c.Id,
		Name:       c.Name,
		Topic:      c.Topic,
		IsArchived: c.IsArchived,
		LastSeq:    c.LastSeq,
		OwnerId:    c.OwnerId,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}

	for _, m := range c.Members {
		ch.Members = append(ch.Members, types.User{
			Id:       m.AccountId,
			Username: m.Username,
		})
	}

	return ch
}

func messageToType(m database.Message) types.Message {
	return types.Message{
		Id:              m.Id,
		Seq:             m.Seq,
		ChannelId:       m.ChannelId,
		SenderId:        m.SenderId,
		IntegrationId:   m.IntegrationId,
		ParentMessageId: m.ParentMessageId,
		Content:         m.Content,
		Timestamp:       m.CreatedAt,
	}
}

func reactionToType(r database.Reaction) types.Reaction {
	return types.Reaction{
		Id:           r.Id,
		MessageId:    r.MessageId,
		ChannelId:    r.ChannelId,
		UserId:       r.UserId,
		ReactionType: r.ReactionType,
		Timestamp:    r.CreatedAt,
	}
}

func inviteToType(i database.Invite) types.Invite {
	return types.Invite{
		Id:        i.Id,
		ChannelId: i.ChannelId,
		Code:      i.Code,
		CreatedBy: i.CreatedBy,
		ExpiresAt: i.ExpiresAt,
		MaxUses:   i.MaxUses,
		Uses:      i.Uses,
		IsRevoked: i.IsRevoked,
		CreatedAt: i.CreatedAt,
	}
}

func integrationToType(i database.Integration) types.Integration {
	return types.Integration{
		Id:         i.Id,
		Name:       i.Name,
		ChannelId:  i.ChannelId,
		OwnerId:    i.OwnerId,
		IsRevoked:  i.IsRevoked,
		CreatedAt:  i.CreatedAt,
		LastUsedAt: i.LastUsedAt,
	}
}

func (s *ChatRelayApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	}

	newAccount, err := s.db.CreateAccount(params)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, expiresAt, err := s.createJwtForSession(newAccount.Id, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, SessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      accountToUser(newAccount),
	})
}

func (s *ChatRelayApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Email == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountByEmail(lr.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(account.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, expiresAt, err := s.createJwtForSession(account.Id, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, SessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      accountToUser(account),
	})
}

func (s *ChatRelayApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, accountToUser(account))
}

func (s *ChatRelayApp) account(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.session(w, r)
	case http.MethodPut:
		userId, ok := UserId(r.Context())
		if !ok {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		var req UpdateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if req.Username == "" || req.Password == "" {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		pwdHash, err := hashPassword(req.Password)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		account, err := s.db.UpdateAccount(database.UpdateAccountParams{
			AccountId:    userId,
			Username:     req.Username,
			PasswordHash: pwdHash,
		})
		if err != nil {
			var errResp *ApiError
			if errors.Is(err, sql.ErrNoRows) {
				errResp = NewNotFoundError()
			} else {
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, accountToUser(account))
	default:
		errResp := NewMethodNotAllowedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *ChatRelayApp) createChannel(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newChannel, err := s.db.CreateChannel(database.CreateChannelParams{
		Name:    req.Name,
		Topic:   req.Topic,
		OwnerId: userId,
	})
	if err != nil {
		s.log.Println("create channel:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, channelToType(newChannel))
}

func (s *ChatRelayApp) listChannels(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbChannels, err := s.db.ListChannelsForAccount(userId)
	if err != nil {
		s.log.Println("list channels:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var channels []types.Channel
	for _, c := range dbChannels {
		channels = append(channels, channelToType(c))
	}

	s.writeJson(w, http.StatusOK, channels)
}

func (s *ChatRelayApp) getChannel(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelId := r.PathValue("id")
	if channelId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsMember(channelId, userId) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel, err := s.db.GetChannelWithMembers(channelId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, channelToType(*channel))
}

func (s *ChatRelayApp) archiveChannel(w http.ResponseWriter, r *http.Request) {
	s.setChannelArchived(w, r, true)
}

func (s *ChatRelayApp) unarchiveChannel(w http.ResponseWriter, r *http.Request) {
	s.setChannelArchived(w, r, false)
}

func (s *ChatRelayApp) setChannelArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelId := r.PathValue("id")
	channel, err := s.db.GetChannel(channelId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if channel.OwnerId != userId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.SetChannelArchived(channelId, archived); err != nil {
		s.log.Println("set channel archived:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if archived {
		// evict the live actor so connected members stop receiving events;
		// an unarchived channel loads again on demand
		if err := s.gw.UnloadChannel(r.Context(), channelId, true); err != nil {
			s.log.Println("unload channel:", err)
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *ChatRelayApp) leaveChannel(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelId := r.PathValue("id")
	channel, err := s.db.GetChannel(channelId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsMember(channelId, userId) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// the owner transfers or archives the channel, they cannot walk away
	if channel.OwnerId == userId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.RemoveMember(channelId, userId); err != nil {
		s.log.Println("remove member:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// the live actor prunes the leaver's subscriptions on refresh
	refreshed, err := s.db.GetChannelWithMembers(channelId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	memberIds := make([]string, 0, len(refreshed.Members))
	for _, m := range refreshed.Members {
		memberIds = append(memberIds, m.AccountId)
	}
	s.gw.RefreshMembership(channelId, memberIds)

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *ChatRelayApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelId := r.URL.Query().Get("channel_id")
	if channelId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsMember(channelId, userId) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var before, after, limit int
	var err error

	beforeStr := r.URL.Query().Get("before")
	if beforeStr != "" {
		before, err = strconv.Atoi(beforeStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	afterStr := r.URL.Query().Get("after")
	if afterStr != "" {
		after, err = strconv.Atoi(afterStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	dbMessages, err := s.db.GetMessages(channelId, after, before, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var messages []types.Message
	messageIds := make([]string, 0, len(dbMessages))
	for _, m := range dbMessages {
		messages = append(messages, messageToType(m))
		messageIds = append(messageIds, m.Id)
	}

	if len(messageIds) > 0 {
		dbReactions, err := s.db.GetReactionsForMessages(messageIds)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		byMessage := make(map[string][]types.Reaction, len(dbReactions))
		for _, r := range dbReactions {
			byMessage[r.MessageId] = append(byMessage[r.MessageId], reactionToType(r))
		}
		for i := range messages {
			messages[i].Reactions = byMessage[messages[i].Id]
		}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatRelayApp) createInvite(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.ChannelId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsMember(req.ChannelId, userId) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	code, err := s.generateInviteCode()
	if err != nil {
		s.log.Println("generate invite code:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 24
	}

	invite, err := s.db.CreateInvite(database.CreateInviteParams{
		ChannelId: req.ChannelId,
		Code:      code,
		CreatedBy: userId,
		ExpiresAt: time.Now().UTC().Add(time.Duration(expiresIn) * time.Hour),
		MaxUses:   req.MaxUses,
	})
	if err != nil {
		s.log.Println("create invite:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, inviteToType(invite))
}

func (s *ChatRelayApp) acceptInvite(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AcceptInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	invite, err := s.db.GetInviteByCode(req.Code)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if invite.IsRevoked || time.Now().After(invite.ExpiresAt) {
		errResp := NewGoneError("invite is no longer valid")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if invite.MaxUses > 0 && invite.Uses >= invite.MaxUses {
		errResp := NewGoneError("invite has been exhausted")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if s.db.IsMember(invite.ChannelId, userId) {
		errResp := NewConflictError("already a member")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.db.AddMember(invite.ChannelId, userId); err != nil {
		s.log.Println("add member:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.ConsumeInvite(invite.Id); err != nil {
		s.log.Println("consume invite:", err)
	}

	channel, err := s.db.GetChannelWithMembers(invite.ChannelId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	memberIds := make([]string, 0, len(channel.Members))
	for _, m := range channel.Members {
		memberIds = append(memberIds, m.AccountId)
	}
	s.gw.RefreshMembership(channel.Id, memberIds)

	s.writeJson(w, http.StatusOK, channelToType(*channel))
}

func (s *ChatRelayApp) revokeInvite(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	invite, err := s.db.GetInviteByCode(code)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel, err := s.db.GetChannel(invite.ChannelId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if invite.CreatedBy != userId && channel.OwnerId != userId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.RevokeInvite(invite.Id); err != nil {
		s.log.Println("revoke invite:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *ChatRelayApp) createIntegration(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" || req.ChannelId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel, err := s.db.GetChannel(req.ChannelId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if channel.OwnerId != userId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	secret, hash, err := generateApiSecret()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	integration, err := s.db.CreateIntegration(database.CreateIntegrationParams{
		Name:      req.Name,
		ChannelId: req.ChannelId,
		OwnerId:   userId,
		TokenHash: hash,
	})
	if err != nil {
		s.log.Println("create integration:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, IntegrationCreatedResponse{
		Integration: integrationToType(integration),
		Token:       integration.Id + "." + secret,
	})
}

func (s *ChatRelayApp) listIntegrations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbIntegrations, err := s.db.ListIntegrationsForAccount(userId)
	if err != nil {
		s.log.Println("list integrations:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var integrations []types.Integration
	for _, i := range dbIntegrations {
		integrations = append(integrations, integrationToType(i))
	}

	s.writeJson(w, http.StatusOK, integrations)
}

func (s *ChatRelayApp) revokeIntegration(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	integrationId := r.URL.Query().Get("id")
	if integrationId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	integration, err := s.db.GetIntegrationById(integrationId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if integration.OwnerId != userId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.RevokeIntegration(integrationId); err != nil {
		s.log.Println("revoke integration:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

// postNotification is the integration ingest endpoint. It authenticates with
// an API token rather than a session JWT, and routes the message through the
// channel actor so it interleaves correctly with live chat traffic.
func (s *ChatRelayApp) postNotification(w http.ResponseWriter, r *http.Request) {
	integrationId, secret, ok := splitApiToken(r.Header.Get("X-Api-Token"))
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	integration, err := s.db.GetIntegrationById(integrationId)
	if err != nil {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if integration.IsRevoked {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(integration.TokenHash), []byte(secret)); err != nil {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel, err := s.db.GetChannel(integration.ChannelId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if channel.IsArchived {
		errResp := NewGoneError("channel is archived")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.gw.PublishNotification(r.Context(), channel, database.CreateMessageParams{
		ChannelId:       channel.Id,
		IntegrationId:   integration.Id,
		ParentMessageId: req.ParentMessageId,
		Content:         req.Content,
	})
	if err != nil {
		s.log.Println("publish notification:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.TouchIntegration(integration.Id); err != nil {
		s.log.Println("touch integration:", err)
	}

	s.writeJson(w, http.StatusAccepted, msg)
}

func (s *ChatRelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channels, err := s.db.ListChannelsForAccount(account.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := gateway.NewClient(types.UserIdentity(account.Id), conn, s.gw, s.log)
	s.gw.RegisterClient(client, channels)
	go client.Write()
	go client.Read()
}
