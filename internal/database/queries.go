package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func (db *PgRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (id, username, email_address, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) "+
			"RETURNING id, username, email_address, created_at, updated_at",
		uuid.NewString(),
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgRepository) UpdateAccount(params UpdateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, username, email_address, created_at, updated_at",
		params.AccountId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgRepository) GetAccountById(accountId string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email_address, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgRepository) GetAccountByEmail(email string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email_address, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email_address = $1 LIMIT 1",
		email,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.PasswordHash,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgRepository) CreateChannel(params CreateChannelParams) (Channel, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Channel{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRow(
		"INSERT INTO channels (id, name, topic, owner_id, last_seq, is_archived, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, 0, FALSE, $5, $5) "+
			"RETURNING id, name, topic, owner_id, last_seq, is_archived, created_at, updated_at",
		uuid.NewString(),
		params.Name,
		params.Topic,
		params.OwnerId,
		now,
	)

	var c Channel
	if err := row.Scan(
		&c.Id,
		&c.Name,
		&c.Topic,
		&c.OwnerId,
		&c.LastSeq,
		&c.IsArchived,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Channel{}, err
	}

	// the creator is always a member
	if _, err := tx.Exec(
		"INSERT INTO members (id, channel_id, account_id, role, created_at) VALUES ($1, $2, $3, 'owner', $4)",
		uuid.NewString(), c.Id, params.OwnerId, now,
	); err != nil {
		return Channel{}, err
	}

	return c, tx.Commit()
}

func (db *PgRepository) GetChannel(channelId string) (Channel, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, topic, owner_id, last_seq, is_archived, created_at, updated_at FROM channels "+
			"WHERE id = $1 LIMIT 1",
		channelId,
	)

	var c Channel
	err := row.Scan(
		&c.Id,
		&c.Name,
		&c.Topic,
		&c.OwnerId,
		&c.LastSeq,
		&c.IsArchived,
		&c.CreatedAt,
		&c.UpdatedAt,
	)

	return c, err
}

func (db *PgRepository) GetChannelWithMembers(channelId string) (*Channel, error) {
	c, err := db.GetChannel(channelId)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(
		"SELECT m.id, m.channel_id, m.account_id, a.username, m.role, m.created_at "+
			"FROM members m JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.channel_id = $1 ORDER BY m.created_at",
		channelId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Id, &m.ChannelId, &m.AccountId, &m.Username, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		c.Members = append(c.Members, m)
	}

	return &c, rows.Err()
}

func (db *PgRepository) ListChannelsForAccount(accountId string) ([]Channel, error) {
	rows, err := db.conn.Query(
		"SELECT c.id, c.name, c.topic, c.owner_id, c.last_seq, c.is_archived, c.created_at, c.updated_at "+
			"FROM channels c JOIN members m ON m.channel_id = c.id "+
			"WHERE m.account_id = $1 ORDER BY c.created_at",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(
			&c.Id, &c.Name, &c.Topic, &c.OwnerId, &c.LastSeq, &c.IsArchived, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}

	return channels, rows.Err()
}

func (db *PgRepository) SetChannelArchived(channelId string, archived bool) error {
	res, err := db.conn.Exec(
		"UPDATE channels SET is_archived = $2, updated_at = $3 WHERE id = $1",
		channelId, archived, time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (db *PgRepository) AddMember(channelId, accountId string) (Member, error) {
	row := db.conn.QueryRow(
		"INSERT INTO members (id, channel_id, account_id, role, created_at) "+
			"VALUES ($1, $2, $3, 'member', $4) "+
			"RETURNING id, channel_id, account_id, role, created_at",
		uuid.NewString(), channelId, accountId, time.Now().UTC(),
	)

	var m Member
	err := row.Scan(&m.Id, &m.ChannelId, &m.AccountId, &m.Role, &m.CreatedAt)
	return m, err
}

func (db *PgRepository) RemoveMember(channelId, accountId string) error {
	_, err := db.conn.Exec(
		"DELETE FROM members WHERE channel_id = $1 AND account_id = $2",
		channelId, accountId,
	)
	return err
}

func (db *PgRepository) IsMember(channelId, accountId string) bool {
	var exists bool
	err := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM members WHERE channel_id = $1 AND account_id = $2)",
		channelId, accountId,
	).Scan(&exists)

	return err == nil && exists
}

// CreateMessage assigns the message id and per-channel sequence number in a
// single transaction so persisted order is total within a channel.
func (db *PgRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(
		"UPDATE channels SET last_seq = last_seq + 1, updated_at = $2 WHERE id = $1 RETURNING last_seq",
		params.ChannelId, time.Now().UTC(),
	).Scan(&seq); err != nil {
		return Message{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}

	row := tx.QueryRow(
		"INSERT INTO messages (id, seq, channel_id, sender_id, integration_id, parent_message_id, content, created_at) "+
			"VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8) "+
			"RETURNING id, seq, channel_id, COALESCE(sender_id, ''), COALESCE(integration_id, ''), "+
			"COALESCE(parent_message_id, ''), content, created_at",
		id.String(),
		seq,
		params.ChannelId,
		params.SenderId,
		params.IntegrationId,
		params.ParentMessageId,
		params.Content,
		time.Now().UTC(),
	)

	var m Message
	if err := row.Scan(
		&m.Id,
		&m.Seq,
		&m.ChannelId,
		&m.SenderId,
		&m.IntegrationId,
		&m.ParentMessageId,
		&m.Content,
		&m.CreatedAt,
	); err != nil {
		return Message{}, err
	}

	return m, tx.Commit()
}

func (db *PgRepository) GetMessages(channelId string, after, before, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if before <= 0 {
		before = int(^uint(0) >> 1)
	}

	rows, err := db.conn.Query(
		"SELECT id, seq, channel_id, COALESCE(sender_id, ''), COALESCE(integration_id, ''), "+
			"COALESCE(parent_message_id, ''), content, created_at FROM messages "+
			"WHERE channel_id = $1 AND seq > $2 AND seq < $3 ORDER BY seq LIMIT $4",
		channelId, after, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Id, &m.Seq, &m.ChannelId, &m.SenderId, &m.IntegrationId,
			&m.ParentMessageId, &m.Content, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// AddReaction inserts the (message, user, type) triple if absent. The second
// return value reports whether a row was actually created; a duplicate add is
// not an error.
func (db *PgRepository) AddReaction(params AddReactionParams) (Reaction, bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Reaction{}, false, fmt.Errorf("reaction id: %w", err)
	}

	row := db.conn.QueryRow(
		"INSERT INTO reactions (id, message_id, channel_id, user_id, reaction_type, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) "+
			"ON CONFLICT (message_id, user_id, reaction_type) DO NOTHING "+
			"RETURNING id, message_id, channel_id, user_id, reaction_type, created_at",
		id.String(),
		params.MessageId,
		params.ChannelId,
		params.UserId,
		params.ReactionType,
		time.Now().UTC(),
	)

	var r Reaction
	err = row.Scan(&r.Id, &r.MessageId, &r.ChannelId, &r.UserId, &r.ReactionType, &r.CreatedAt)
	if err == sql.ErrNoRows {
		// conflict: the triple already exists
		return Reaction{}, false, nil
	}
	if err != nil {
		return Reaction{}, false, err
	}

	return r, true, nil
}

func (db *PgRepository) RemoveReaction(messageId, userId, reactionType string) (bool, error) {
	res, err := db.conn.Exec(
		"DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND reaction_type = $3",
		messageId, userId, reactionType,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetReactionsForMessages fetches the reactions for a batch of messages in
// one round trip, ordered so history pages render them deterministically.
func (db *PgRepository) GetReactionsForMessages(messageIds []string) ([]Reaction, error) {
	if len(messageIds) == 0 {
		return nil, nil
	}

	rows, err := db.conn.Query(
		"SELECT id, message_id, channel_id, user_id, reaction_type, created_at FROM reactions "+
			"WHERE message_id = ANY($1) ORDER BY message_id, created_at",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.Id, &r.MessageId, &r.ChannelId, &r.UserId, &r.ReactionType, &r.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}

	return reactions, rows.Err()
}

func (db *PgRepository) CreateInvite(params CreateInviteParams) (Invite, error) {
	row := db.conn.QueryRow(
		"INSERT INTO invites (id, channel_id, code, created_by, expires_at, max_uses, uses, is_revoked, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, $7) "+
			"RETURNING id, channel_id, code, created_by, expires_at, max_uses, uses, is_revoked, created_at",
		uuid.NewString(),
		params.ChannelId,
		params.Code,
		params.CreatedBy,
		params.ExpiresAt,
		params.MaxUses,
		time.Now().UTC(),
	)

	var inv Invite
	err := row.Scan(
		&inv.Id, &inv.ChannelId, &inv.Code, &inv.CreatedBy,
		&inv.ExpiresAt, &inv.MaxUses, &inv.Uses, &inv.IsRevoked, &inv.CreatedAt,
	)
	return inv, err
}

func (db *PgRepository) GetInviteByCode(code string) (Invite, error) {
	row := db.conn.QueryRow(
		"SELECT id, channel_id, code, created_by, expires_at, max_uses, uses, is_revoked, created_at "+
			"FROM invites WHERE code = $1 LIMIT 1",
		code,
	)

	var inv Invite
	err := row.Scan(
		&inv.Id, &inv.ChannelId, &inv.Code, &inv.CreatedBy,
		&inv.ExpiresAt, &inv.MaxUses, &inv.Uses, &inv.IsRevoked, &inv.CreatedAt,
	)
	return inv, err
}

func (db *PgRepository) ConsumeInvite(inviteId string) error {
	_, err := db.conn.Exec(
		"UPDATE invites SET uses = uses + 1 WHERE id = $1",
		inviteId,
	)
	return err
}

func (db *PgRepository) RevokeInvite(inviteId string) error {
	_, err := db.conn.Exec(
		"UPDATE invites SET is_revoked = TRUE WHERE id = $1",
		inviteId,
	)
	return err
}

func (db *PgRepository) CreateIntegration(params CreateIntegrationParams) (Integration, error) {
	row := db.conn.QueryRow(
		"INSERT INTO integrations (id, name, channel_id, owner_id, token_hash, is_revoked, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, FALSE, $6) "+
			"RETURNING id, name, channel_id, owner_id, token_hash, is_revoked, created_at",
		uuid.NewString(),
		params.Name,
		params.ChannelId,
		params.OwnerId,
		params.TokenHash,
		time.Now().UTC(),
	)

	var i Integration
	err := row.Scan(&i.Id, &i.Name, &i.ChannelId, &i.OwnerId, &i.TokenHash, &i.IsRevoked, &i.CreatedAt)
	return i, err
}

func (db *PgRepository) GetIntegrationById(integrationId string) (Integration, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, channel_id, owner_id, token_hash, is_revoked, created_at, COALESCE(last_used_at, created_at) "+
			"FROM integrations WHERE id = $1 LIMIT 1",
		integrationId,
	)

	var i Integration
	err := row.Scan(&i.Id, &i.Name, &i.ChannelId, &i.OwnerId, &i.TokenHash, &i.IsRevoked, &i.CreatedAt, &i.LastUsedAt)
	return i, err
}

func (db *PgRepository) ListIntegrationsForAccount(accountId string) ([]Integration, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, channel_id, owner_id, token_hash, is_revoked, created_at, COALESCE(last_used_at, created_at) "+
			"FROM integrations WHERE owner_id = $1 ORDER BY created_at",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var integrations []Integration
	for rows.Next() {
		var i Integration
		if err := rows.Scan(
			&i.Id, &i.Name, &i.ChannelId, &i.OwnerId, &i.TokenHash, &i.IsRevoked, &i.CreatedAt, &i.LastUsedAt,
		); err != nil {
			return nil, err
		}
		integrations = append(integrations, i)
	}

	return integrations, rows.Err()
}

func (db *PgRepository) RevokeIntegration(integrationId string) error {
	_, err := db.conn.Exec(
		"UPDATE integrations SET is_revoked = TRUE WHERE id = $1",
		integrationId,
	)
	return err
}

func (db *PgRepository) TouchIntegration(integrationId string) error {
	_, err := db.conn.Exec(
		"UPDATE integrations SET last_used_at = $2 WHERE id = $1",
		integrationId, time.Now().UTC(),
	)
	return err
}
