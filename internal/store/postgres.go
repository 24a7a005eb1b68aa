package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const notificationRulesKey = "notification_rules"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Directory

func (s *PostgresStore) SearchUsers(ctx context.Context, fragment string) ([]User, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(fragment)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, COALESCE(email, ''), COALESCE(avatar_url, '')
		FROM users
		WHERE first_name ILIKE $1
		   OR last_name ILIKE $1
		   OR (first_name || ' ' || last_name) ILIKE $1
		ORDER BY first_name ASC, last_name ASC, id ASC
	`, pattern)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, COALESCE(email, ''), COALESCE(avatar_url, '')
		FROM users
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, COALESCE(email, ''), COALESCE(avatar_url, '')
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.FirstName, &user.LastName, &user.Email, &user.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.FirstName, &user.LastName, &user.Email, &user.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

// Conversations

const conversationColumns = `id, is_group, COALESCE(name, ''), COALESCE(tag_id, ''), is_locked, created_at`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var item Conversation
	err := row.Scan(&item.ID, &item.IsGroup, &item.Name, &item.TagID, &item.Locked, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	item, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetConversationByTag(ctx context.Context, tagID string) (Conversation, error) {
	item, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tag_id=$1`, tagID))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation by tag: %w", err)
	}
	return item, nil
}

// CreateConversation inserts the conversation and its initial participants
// in one transaction. A duplicate id or tag binding yields ErrConflict; an
// unknown participant yields ErrNotFound.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation, participantIDs []string) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin create conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := scanConversation(tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, is_group, name, tag_id, is_locked)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
		RETURNING `+conversationColumns,
		conv.ID, conv.IsGroup, conv.Name, conv.TagID, conv.Locked))
	if isUniqueViolation(err) {
		return Conversation{}, ErrConflict
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	for _, userID := range participantIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, created.ID, userID); err != nil {
			if isForeignKeyViolation(err) {
				return Conversation{}, ErrNotFound
			}
			return Conversation{}, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit create conversation: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.is_group, COALESCE(c.name, ''), COALESCE(c.tag_id, ''), c.is_locked, c.created_at
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.created_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations for user: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *PostgresStore) ListGroupConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE is_group
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list group conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	items := make([]Conversation, 0)
	for rows.Next() {
		item, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

// Participants

// AddParticipant links userID to the conversation. created is false when
// the pair already existed.
func (s *PostgresStore) AddParticipant(ctx context.Context, conversationID, userID string) (Participant, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, conversationID, userID)
	if isForeignKeyViolation(err) {
		return Participant{}, false, ErrNotFound
	}
	if err != nil {
		return Participant{}, false, fmt.Errorf("add participant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Participant{}, false, fmt.Errorf("add participant rows: %w", err)
	}

	var item Participant
	err = s.db.QueryRowContext(ctx, `
		SELECT p.conversation_id, p.user_id, p.joined_at, u.id, u.first_name, u.last_name, COALESCE(u.email, ''), COALESCE(u.avatar_url, '')
		FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id=$1 AND p.user_id=$2
	`, conversationID, userID).Scan(
		&item.ConversationID,
		&item.UserID,
		&item.JoinedAt,
		&item.User.ID,
		&item.User.FirstName,
		&item.User.LastName,
		&item.User.Email,
		&item.User.AvatarURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, false, ErrNotFound
	}
	if err != nil {
		return Participant{}, false, fmt.Errorf("read participant: %w", err)
	}
	return item, affected > 0, nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("remove participant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove participant rows: %w", err)
	}
	return affected > 0, nil
}

// ListParticipants returns the rosters of the given conversations keyed by
// conversation id, in join order.
func (s *PostgresStore) ListParticipants(ctx context.Context, conversationIDs []string) (map[string][]Participant, error) {
	out := make(map[string][]Participant, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.conversation_id, p.user_id, p.joined_at, u.id, u.first_name, u.last_name, COALESCE(u.email, ''), COALESCE(u.avatar_url, '')
		FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ANY($1)
		ORDER BY p.joined_at ASC, p.user_id ASC
	`, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Participant
		if err := rows.Scan(
			&item.ConversationID,
			&item.UserID,
			&item.JoinedAt,
			&item.User.ID,
			&item.User.FirstName,
			&item.User.LastName,
			&item.User.Email,
			&item.User.AvatarURL,
		); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out[item.ConversationID] = append(out[item.ConversationID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return out, nil
}

// Messages

const messageSelect = `
	SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.seq,
		u.id, u.first_name, u.last_name, COALESCE(u.email, ''), COALESCE(u.avatar_url, '')
	FROM messages m
	JOIN users u ON u.id = m.sender_id
`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var item Message
	err := row.Scan(
		&item.ID,
		&item.ConversationID,
		&item.SenderID,
		&item.Content,
		&item.CreatedAt,
		&item.Seq,
		&item.Sender.ID,
		&item.Sender.FirstName,
		&item.Sender.LastName,
		&item.Sender.Email,
		&item.Sender.AvatarURL,
	)
	return item, err
}

// InsertMessage persists msg and returns it joined with the sender's
// display fields. A zero CreatedAt defers to the database clock.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	var createdAt any
	if !msg.CreatedAt.IsZero() {
		createdAt = msg.CreatedAt
	}
	item, err := scanMessage(s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
			VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, NOW()))
			RETURNING id, conversation_id, sender_id, content, created_at, seq
		)
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.seq,
			u.id, u.first_name, u.last_name, COALESCE(u.email, ''), COALESCE(u.avatar_url, '')
		FROM inserted m
		JOIN users u ON u.id = m.sender_id
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, createdAt))
	if isForeignKeyViolation(err) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// LatestMessages returns the most recent message of each conversation that
// has one.
func (s *PostgresStore) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error) {
	out := make(map[string]Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (m.conversation_id)
			m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.seq,
			u.id, u.first_name, u.last_name, COALESCE(u.email, ''), COALESCE(u.avatar_url, '')
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ANY($1)
		ORDER BY m.conversation_id, m.created_at DESC, m.seq DESC
	`, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("latest messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan latest message: %w", err)
		}
		out[item.ConversationID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest messages: %w", err)
	}
	return out, nil
}

// DeleteMessage hard-deletes a message and returns the removed row.
func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string) (Message, error) {
	var item Message
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM messages
		WHERE id=$1
		RETURNING id, conversation_id, sender_id, content, created_at, seq
	`, messageID).Scan(&item.ID, &item.ConversationID, &item.SenderID, &item.Content, &item.CreatedAt, &item.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("delete message: %w", err)
	}
	return item, nil
}

// Tags

func (s *PostgresStore) GetTagMembers(ctx context.Context, tagID string) (TagMembers, error) {
	out := TagMembers{TagID: tagID}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM tags WHERE id=$1`, tagID).Scan(&out.TagName)
	if errors.Is(err, sql.ErrNoRows) {
		return TagMembers{}, ErrNotFound
	}
	if err != nil {
		return TagMembers{}, fmt.Errorf("get tag: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM user_tags WHERE tag_id=$1 ORDER BY assigned_at ASC, user_id ASC
	`, tagID)
	if err != nil {
		return TagMembers{}, fmt.Errorf("list tag members: %w", err)
	}
	defer rows.Close()

	out.MemberUserIDs = make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return TagMembers{}, fmt.Errorf("scan tag member: %w", err)
		}
		out.MemberUserIDs = append(out.MemberUserIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return TagMembers{}, fmt.Errorf("iterate tag members: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AssignUserToTag(ctx context.Context, tagID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_tags (user_id, tag_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, tag_id) DO NOTHING
	`, userID, tagID)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("assign user to tag: %w", err)
	}
	return nil
}

// Notification channels and preferences

func (s *PostgresStore) DeliveryToken(ctx context.Context, userID string) (string, bool, error) {
	var token sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT push_token FROM users WHERE id=$1`, userID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read delivery token: %w", err)
	}
	if !token.Valid || strings.TrimSpace(token.String) == "" {
		return "", false, nil
	}
	return token.String, true, nil
}

func (s *PostgresStore) SetDeliveryToken(ctx context.Context, userID, token string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET push_token=$2 WHERE id=$1`, userID, token)
	if err != nil {
		return fmt.Errorf("set delivery token: %w", err)
	}
	return requireAffected(result, "set delivery token")
}

func (s *PostgresStore) UsersWithDeliveryToken(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM users WHERE push_token IS NOT NULL AND push_token <> '' ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users with delivery token: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) NotificationRules(ctx context.Context) (map[string]bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key=$1`, notificationRulesKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notification rules: %w", err)
	}
	return decodeFlags(raw)
}

func (s *PostgresStore) SetNotificationRules(ctx context.Context, rules map[string]bool) error {
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("marshal notification rules: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
	`, notificationRulesKey, string(raw))
	if err != nil {
		return fmt.Errorf("save notification rules: %w", err)
	}
	return nil
}

func (s *PostgresStore) UserNotificationSettings(ctx context.Context, userID string) (map[string]bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT notification_settings FROM users WHERE id=$1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notification settings: %w", err)
	}
	return decodeFlags(raw)
}

// MergeUserNotificationSettings folds settings into the user's stored flags
// in one statement and returns the result, so concurrent updates to
// different categories both survive.
func (s *PostgresStore) MergeUserNotificationSettings(ctx context.Context, userID string, settings map[string]bool) (map[string]bool, error) {
	if settings == nil {
		settings = map[string]bool{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal notification settings: %w", err)
	}
	var merged []byte
	err = s.db.QueryRowContext(ctx, `
		UPDATE users
		SET notification_settings = COALESCE(notification_settings, '{}'::jsonb) || $2::jsonb
		WHERE id=$1
		RETURNING notification_settings
	`, userID, string(raw)).Scan(&merged)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("save notification settings: %w", err)
	}
	return decodeFlags(merged)
}

// decodeFlags reads a JSON object of category flags. Values that are not
// booleans are kept as false so they never count as an explicit opt-in.
func decodeFlags(raw []byte) (map[string]bool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	if values == nil {
		return nil, nil
	}
	flags := make(map[string]bool, len(values))
	for key, value := range values {
		b, ok := value.(bool)
		flags[key] = ok && b
	}
	return flags, nil
}

// Announcements

// InsertAnnouncement stores an announcement; a pinned one unpins every
// other announcement in the same transaction.
func (s *PostgresStore) InsertAnnouncement(ctx context.Context, item Announcement) (Announcement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Announcement{}, fmt.Errorf("begin insert announcement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if item.IsPinned {
		if _, err := tx.ExecContext(ctx, `UPDATE announcements SET is_pinned=FALSE WHERE is_pinned`); err != nil {
			return Announcement{}, fmt.Errorf("unpin announcements: %w", err)
		}
	}

	var created Announcement
	err = tx.QueryRowContext(ctx, `
		INSERT INTO announcements (id, title, body, is_pinned, created_by)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING id, title, body, is_pinned, COALESCE(created_by, ''), created_at
	`, item.ID, item.Title, item.Body, item.IsPinned, item.CreatedBy).Scan(
		&created.ID,
		&created.Title,
		&created.Body,
		&created.IsPinned,
		&created.CreatedBy,
		&created.CreatedAt,
	)
	if err != nil {
		return Announcement{}, fmt.Errorf("insert announcement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Announcement{}, fmt.Errorf("commit announcement: %w", err)
	}
	return created, nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
