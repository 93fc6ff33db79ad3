package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/chat"
)

// Chats is a chat.Store on the chats and messages tables.
type Chats struct {
	db *DB
}

// NewChats creates a Chats store.
func NewChats(db *DB) *Chats {
	return &Chats{db: db}
}

const chatColumns = `id, participants, is_group_chat, chat_name, trip_id, group_admin,
	last_message_at, last_message_preview, is_archived, created_at, updated_at`

func scanChat(row interface{ Scan(...any) error }) (*chat.Chat, error) {
	var (
		c            chat.Chat
		participants pq.StringArray
		tripID       sql.NullString
		admin        sql.NullString
	)
	err := row.Scan(&c.ID, &participants, &c.IsGroupChat, &c.ChatName, &tripID, &admin,
		&c.LastMessageAt, &c.LastMessagePreview, &c.IsArchived, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Participants = stringsOrEmpty(participants)
	c.TripID = tripID.String
	c.GroupAdmin = admin.String
	return &c, nil
}

func (s *Chats) listChats(ctx context.Context, op, query string, args ...any) ([]chat.Chat, error) {
	rows, err := s.db.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Upstream(op, err)
	}
	defer rows.Close()

	out := []chat.Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, apperr.Upstream(op, err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream(op, err)
	}
	return out, nil
}

func (s *Chats) CreateChat(ctx context.Context, c *chat.Chat) error {
	var directKey sql.NullString
	if !c.IsGroupChat && len(c.Participants) == 2 {
		directKey = nullString(chat.DirectKey(c.Participants[0], c.Participants[1]))
	}
	const query = `
		INSERT INTO chats (id, participants, is_group_chat, chat_name, trip_id, group_admin, direct_key,
			last_message_at, last_message_preview, is_archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.conn(ctx).ExecContext(ctx, query,
		c.ID, pq.Array(c.Participants), c.IsGroupChat, c.ChatName, nullString(c.TripID), nullString(c.GroupAdmin),
		directKey, c.LastMessageAt, c.LastMessagePreview, c.IsArchived, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("chat.create", "direct chat already exists")
	}
	if err != nil {
		return apperr.Upstream("chat.create", err)
	}
	return nil
}

func (s *Chats) GetChat(ctx context.Context, id string) (*chat.Chat, error) {
	row := s.db.conn(ctx).QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("chat.get", "chat not found")
	}
	if err != nil {
		return nil, apperr.Upstream("chat.get", err)
	}
	return c, nil
}

func (s *Chats) FindDirect(ctx context.Context, userA, userB string) (*chat.Chat, error) {
	const query = `SELECT ` + chatColumns + ` FROM chats
		WHERE direct_key = $1 AND NOT is_group_chat AND NOT is_archived`

	row := s.db.conn(ctx).QueryRowContext(ctx, query, chat.DirectKey(userA, userB))
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Upstream("chat.find_direct", err)
	}
	return c, nil
}

func (s *Chats) ListByUser(ctx context.Context, userID string) ([]chat.Chat, error) {
	const query = `SELECT ` + chatColumns + ` FROM chats
		WHERE participants @> ARRAY[$1::uuid] AND NOT is_archived
		ORDER BY last_message_at DESC, created_at DESC`
	return s.listChats(ctx, "chat.list_by_user", query, userID)
}

func (s *Chats) ListActiveTripChats(ctx context.Context) ([]chat.Chat, error) {
	const query = `SELECT ` + chatColumns + ` FROM chats
		WHERE is_group_chat AND trip_id IS NOT NULL AND NOT is_archived
		ORDER BY last_message_at DESC, created_at DESC`
	return s.listChats(ctx, "chat.list_trip_chats", query)
}

func (s *Chats) SetArchived(ctx context.Context, chatID string, archived bool) error {
	res, err := s.db.conn(ctx).ExecContext(ctx,
		`UPDATE chats SET is_archived = $2, updated_at = now() WHERE id = $1`, chatID, archived)
	if isUniqueViolation(err) {
		return apperr.Conflict("chat.archive", "direct chat already exists")
	}
	if err != nil {
		return apperr.Upstream("chat.archive", err)
	}
	return rowsChanged(res, "chat.archive", "chat not found")
}

func (s *Chats) SetParticipants(ctx context.Context, chatID string, participants []string, groupAdmin string) error {
	res, err := s.db.conn(ctx).ExecContext(ctx,
		`UPDATE chats SET participants = $2, group_admin = $3, updated_at = now() WHERE id = $1`,
		chatID, pq.Array(participants), nullString(groupAdmin))
	if err != nil {
		return apperr.Upstream("chat.set_participants", err)
	}
	return rowsChanged(res, "chat.set_participants", "chat not found")
}

const messageColumns = `id, chat_id, sender_id, content, message_type, media_url, sent_at, read_by, edited_at`

func scanMessage(row interface{ Scan(...any) error }) (*chat.Message, error) {
	var (
		m      chat.Message
		sender sql.NullString
		readBy pq.StringArray
		edited sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ChatID, &sender, &m.Content, &m.Type, &m.MediaURL, &m.SentAt, &readBy, &edited)
	if err != nil {
		return nil, err
	}
	m.SenderID = sender.String
	m.ReadBy = stringsOrEmpty(readBy)
	m.EditedAt = timePtr(edited)
	return &m, nil
}

func (s *Chats) InsertMessage(ctx context.Context, m *chat.Message) error {
	const query = `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.conn(ctx).ExecContext(ctx, query,
		m.ID, m.ChatID, nullString(m.SenderID), m.Content, string(m.Type), m.MediaURL, m.SentAt,
		pq.Array(m.ReadBy), nullTime(m.EditedAt))
	if isUniqueViolation(err) {
		return apperr.Conflict("chat.insert_message", "message id already exists")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return apperr.NotFound("chat.insert_message", "chat not found")
	}
	if err != nil {
		return apperr.Upstream("chat.insert_message", err)
	}
	return nil
}

func (s *Chats) UpdatePreview(ctx context.Context, chatID, preview string, at time.Time) error {
	res, err := s.db.conn(ctx).ExecContext(ctx, `
		UPDATE chats SET last_message_preview = $2, last_message_at = $3, updated_at = $3
		WHERE id = $1 AND last_message_at <= $3`, chatID, preview, at)
	if err != nil {
		return apperr.Upstream("chat.update_preview", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either the chat is gone or the stored preview is newer.
		if _, err := s.GetChat(ctx, chatID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Chats) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	row := s.db.conn(ctx).QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("chat.get_message", "message not found")
	}
	if err != nil {
		return nil, apperr.Upstream("chat.get_message", err)
	}
	return m, nil
}

func (s *Chats) UpdateMessage(ctx context.Context, m *chat.Message) error {
	res, err := s.db.conn(ctx).ExecContext(ctx, `
		UPDATE messages SET content = $2, message_type = $3, media_url = $4, read_by = $5, edited_at = $6
		WHERE id = $1`,
		m.ID, m.Content, string(m.Type), m.MediaURL, pq.Array(m.ReadBy), nullTime(m.EditedAt))
	if err != nil {
		return apperr.Upstream("chat.update_message", err)
	}
	return rowsChanged(res, "chat.update_message", "message not found")
}

func (s *Chats) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.conn(ctx).ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return apperr.Upstream("chat.delete_message", err)
	}
	return rowsChanged(res, "chat.delete_message", "message not found")
}

func (s *Chats) ListMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]chat.Message, error) {
	if before.IsZero() {
		before = time.Now().Add(time.Nanosecond)
	}
	const query = `SELECT ` + messageColumns + ` FROM messages
		WHERE chat_id = $1 AND sent_at < $2
		ORDER BY sent_at DESC, id DESC
		LIMIT $3`

	rows, err := s.db.conn(ctx).QueryContext(ctx, query, chatID, before, limit)
	if err != nil {
		return nil, apperr.Upstream("chat.list_messages", err)
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Upstream("chat.list_messages", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream("chat.list_messages", err)
	}
	return out, nil
}

func (s *Chats) MarkRead(ctx context.Context, chatID, userID string) (int, error) {
	res, err := s.db.conn(ctx).ExecContext(ctx, `
		UPDATE messages SET read_by = array_append(read_by, $2::uuid)
		WHERE chat_id = $1 AND NOT (read_by @> ARRAY[$2::uuid])`, chatID, userID)
	if err != nil {
		return 0, apperr.Upstream("chat.mark_read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Upstream("chat.mark_read", err)
	}
	return int(n), nil
}
