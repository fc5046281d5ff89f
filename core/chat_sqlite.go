package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SQLiteChatStore struct {
	db *sql.DB
}

func NewSQLiteChatStore(db *sql.DB) *SQLiteChatStore {
	return &SQLiteChatStore{
		db: db,
	}
}

const roomColumns = `id, name, description, type, category, creator_id, max_participants,
	allow_file_sharing, allow_emoji, require_approval, last_activity, message_count, is_active, created_at`

func scanRoom(row interface{ Scan(...any) error }) (*Room, error) {
	var (
		r       Room
		creator sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Type, &r.Category, &creator,
		&r.Settings.MaxParticipants, &r.Settings.AllowFileSharing, &r.Settings.AllowEmoji,
		&r.Settings.RequireApproval, &r.LastActivity, &r.MessageCount, &r.IsActive, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.CreatorID = creator.String
	return &r, nil
}

func (s *SQLiteChatStore) CreateRoom(ctx context.Context, input RoomCreateInput) (*Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM rooms WHERE name = ?)", input.Name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("QueryRowContext(room exists): %w", err)
	}
	if exists {
		return nil, ErrConflictedRoom
	}

	now := time.Now().UTC()
	room := &Room{
		ID:           uuid.New().String(),
		Name:         input.Name,
		Description:  input.Description,
		Type:         input.Type,
		Category:     input.Category,
		CreatorID:    input.CreatorID,
		Settings:     DefaultRoomSettings,
		LastActivity: now,
		IsActive:     true,
		CreatedAt:    now,
	}
	if room.Type == "" {
		room.Type = PublicRoom
	}
	if room.Category == "" {
		room.Category = "general"
	}
	if input.Settings != nil {
		room.Settings = *input.Settings
	}

	var creator sql.NullString
	if input.CreatorID != "" {
		creator = sql.NullString{String: input.CreatorID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO rooms (id, name, description, type, category, creator_id,
		max_participants, allow_file_sharing, allow_emoji, require_approval, last_activity, created_at)
		VALUES (@id, @name, @description, @type, @category, @creator_id,
		@max_participants, @allow_file_sharing, @allow_emoji, @require_approval, @now, @now)`,
		sql.Named("id", room.ID),
		sql.Named("name", room.Name),
		sql.Named("description", room.Description),
		sql.Named("type", room.Type),
		sql.Named("category", room.Category),
		sql.Named("creator_id", creator),
		sql.Named("max_participants", room.Settings.MaxParticipants),
		sql.Named("allow_file_sharing", room.Settings.AllowFileSharing),
		sql.Named("allow_emoji", room.Settings.AllowEmoji),
		sql.Named("require_approval", room.Settings.RequireApproval),
		sql.Named("now", now))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert room): %w", err)
	}

	if input.CreatorID != "" {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO room_members (room_id, user_id, role, online, joined_at) VALUES (@room_id, @user_id, @role, 0, @now)",
			sql.Named("room_id", room.ID), sql.Named("user_id", input.CreatorID),
			sql.Named("role", Admin), sql.Named("now", now))
		if err != nil {
			return nil, fmt.Errorf("ExecContext(insert room creator): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}
	return room, nil
}

func (s *SQLiteChatStore) GetRoomByID(ctx context.Context, id string) (*Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext(select room): %w", err)
	}
	return room, nil
}

func (s *SQLiteChatStore) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE name = ?", name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext(select room): %w", err)
	}
	return room, nil
}

// ListRooms returns the active rooms ordered by category then name.
func (s *SQLiteChatStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE is_active = 1 ORDER BY category, name")
	if err != nil {
		return nil, fmt.Errorf("QueryContext(select rooms): %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		rooms = append(rooms, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return rooms, nil
}

func (s *SQLiteChatStore) DeactivateRoom(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE rooms SET is_active = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ExecContext(deactivate room): %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *SQLiteChatStore) UpdateRoomActivity(ctx context.Context, roomID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE rooms SET last_activity = @at WHERE id = @id",
		sql.Named("at", at), sql.Named("id", roomID))
	if err != nil {
		return fmt.Errorf("ExecContext(update activity): %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) IncrementMessageCount(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"UPDATE rooms SET message_count = message_count + 1 WHERE id = ? RETURNING message_count", roomID).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrRoomNotFound
		}
		return 0, fmt.Errorf("QueryRowContext(increment message count): %w", err)
	}
	return count, nil
}

// UpsertRoomMembership inserts the member or refreshes its online flag.
// The role of an existing member is kept.
func (s *SQLiteChatStore) UpsertRoomMembership(ctx context.Context, m RoomMember) error {
	if m.Role == "" {
		m.Role = Member
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id, role, online, joined_at)
		VALUES (@room_id, @user_id, @role, @online, @joined_at)
		ON CONFLICT (room_id, user_id) DO UPDATE SET online = excluded.online`,
		sql.Named("room_id", m.RoomID),
		sql.Named("user_id", m.UserID),
		sql.Named("role", m.Role),
		sql.Named("online", m.Online),
		sql.Named("joined_at", m.JoinedAt))
	if err != nil {
		return fmt.Errorf("ExecContext(upsert member): %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) RemoveRoomMembership(ctx context.Context, roomID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM room_members WHERE room_id = ? AND user_id = ?", roomID, userID)
	if err != nil {
		return false, fmt.Errorf("ExecContext(delete member): %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("RowsAffected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteChatStore) SetMemberOnline(ctx context.Context, roomID, userID string, online bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE room_members SET online = ? WHERE room_id = ? AND user_id = ?",
		online, roomID, userID)
	if err != nil {
		return fmt.Errorf("ExecContext(update member online): %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) SetUserOffline(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE room_members SET online = 0 WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("ExecContext(update member online): %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) SetMemberRole(ctx context.Context, roomID, userID string, role MemberRole) error {
	res, err := s.db.ExecContext(ctx, "UPDATE room_members SET role = ? WHERE room_id = ? AND user_id = ?",
		role, roomID, userID)
	if err != nil {
		return fmt.Errorf("ExecContext(update member role): %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (s *SQLiteChatStore) GetRoomMembers(ctx context.Context, roomID string) ([]RoomMember, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT room_id, user_id, role, online, joined_at FROM room_members WHERE room_id = ? ORDER BY joined_at",
		roomID)
	if err != nil {
		return nil, fmt.Errorf("QueryContext(select members): %w", err)
	}
	defer rows.Close()

	var members []RoomMember
	for rows.Next() {
		var m RoomMember
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.Role, &m.Online, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return members, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteChatStore) CreateMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	if (input.RoomID == "") == (input.ReceiverID == "") {
		return nil, ErrInvalidTarget
	}
	if input.Type == "" {
		input.Type = TextMessage
	}

	var attachments sql.NullString
	if len(input.Attachments) > 0 {
		b, err := json.Marshal(input.Attachments)
		if err != nil {
			return nil, fmt.Errorf("marshal attachments: %w", err)
		}
		attachments = sql.NullString{String: string(b), Valid: true}
	}

	msg := &Message{
		Content:     input.Content,
		Type:        input.Type,
		SenderID:    input.SenderID,
		RoomID:      input.RoomID,
		ReceiverID:  input.ReceiverID,
		ReplyTo:     input.ReplyTo,
		Attachments: input.Attachments,
		ReadBy:      []ReadReceipt{},
		CreatedAt:   time.Now().UTC(),
	}

	err := s.db.QueryRowContext(ctx, `INSERT INTO messages
		(content, type, sender_id, room_id, receiver_id, reply_to, attachments, created_at)
		VALUES (@content, @type, @sender_id, @room_id, @receiver_id, @reply_to, @attachments, @created_at)
		RETURNING id`,
		sql.Named("content", msg.Content),
		sql.Named("type", msg.Type),
		sql.Named("sender_id", msg.SenderID),
		sql.Named("room_id", nullString(msg.RoomID)),
		sql.Named("receiver_id", nullString(msg.ReceiverID)),
		sql.Named("reply_to", sql.NullInt64{Int64: msg.ReplyTo, Valid: msg.ReplyTo != 0}),
		sql.Named("attachments", attachments),
		sql.Named("created_at", msg.CreatedAt)).Scan(&msg.ID)
	if err != nil {
		return nil, fmt.Errorf("QueryRowContext(insert message): %w", err)
	}
	return msg, nil
}

const messageColumns = `id, content, type, sender_id, room_id, receiver_id, reply_to, attachments,
	created_at, edited_at, deleted_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var (
		m                   Message
		roomID, receiverID  sql.NullString
		replyTo             sql.NullInt64
		attachments         sql.NullString
		editedAt, deletedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.Content, &m.Type, &m.SenderID, &roomID, &receiverID, &replyTo,
		&attachments, &m.CreatedAt, &editedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	m.RoomID = roomID.String
	m.ReceiverID = receiverID.String
	m.ReplyTo = replyTo.Int64
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	m.ReadBy = []ReadReceipt{}
	return &m, nil
}

func (s *SQLiteChatStore) GetMessageByID(ctx context.Context, id int64) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext(select message): %w", err)
	}
	if err := s.attachReceipts(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLiteChatStore) FindMessagesByRoom(ctx context.Context, roomID string, q MessageQuery) ([]Message, error) {
	return s.findMessages(ctx, "room_id = @room_id", q, sql.Named("room_id", roomID))
}

func (s *SQLiteChatStore) FindDirectMessages(ctx context.Context, userA, userB string, q MessageQuery) ([]Message, error) {
	return s.findMessages(ctx,
		"((sender_id = @a AND receiver_id = @b) OR (sender_id = @b AND receiver_id = @a))",
		q, sql.Named("a", userA), sql.Named("b", userB))
}

// findMessages fetches the newest page in descending order and returns it
// oldest to newest. Soft-deleted messages are skipped.
func (s *SQLiteChatStore) findMessages(ctx context.Context, where string, q MessageQuery, args ...any) ([]Message, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(messageColumns)
	sb.WriteString(" FROM messages WHERE deleted_at IS NULL AND ")
	sb.WriteString(where)
	if q.Before > 0 {
		sb.WriteString(" AND id < @before")
		args = append(args, sql.Named("before", q.Before))
	}
	sb.WriteString(" ORDER BY id DESC LIMIT @limit")
	args = append(args, sql.Named("limit", q.Limit))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext(select messages): %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, q.Limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	slices.Reverse(messages)

	ptrs := make([]*Message, len(messages))
	for i := range messages {
		ptrs[i] = &messages[i]
	}
	if err := s.attachReceipts(ctx, ptrs...); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *SQLiteChatStore) attachReceipts(ctx context.Context, messages ...*Message) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[int64]*Message, len(messages))
	ids := make([]any, 0, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT message_id, user_id, read_at FROM message_reads WHERE message_id IN ("+
			strings.Repeat("?,", len(ids)-1)+"?) ORDER BY read_at", ids...)
	if err != nil {
		return fmt.Errorf("QueryContext(select receipts): %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id int64
			r  ReadReceipt
		)
		if err := rows.Scan(&id, &r.UserID, &r.ReadAt); err != nil {
			return fmt.Errorf("Scan: %w", err)
		}
		if m, ok := byID[id]; ok {
			m.ReadBy = append(m.ReadBy, r)
		}
	}
	return rows.Err()
}

func (s *SQLiteChatStore) MarkMessageRead(ctx context.Context, messageID int64, userID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO message_reads (message_id, user_id, read_at)
		VALUES (@message_id, @user_id, @read_at) ON CONFLICT DO NOTHING`,
		sql.Named("message_id", messageID), sql.Named("user_id", userID), sql.Named("read_at", at))
	if err != nil {
		return false, fmt.Errorf("ExecContext(insert receipt): %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("RowsAffected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteChatStore) EditMessage(ctx context.Context, id int64, content string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = @content, edited_at = @at WHERE id = @id AND deleted_at IS NULL",
		sql.Named("content", content), sql.Named("at", at), sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext(edit message): %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageDeleted
	}
	return nil
}

// SoftDeleteMessage stamps deleted_at once; it reports whether this call did it.
func (s *SQLiteChatStore) SoftDeleteMessage(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET deleted_at = @at WHERE id = @id AND deleted_at IS NULL",
		sql.Named("at", at), sql.Named("id", id))
	if err != nil {
		return false, fmt.Errorf("ExecContext(delete message): %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("RowsAffected: %w", err)
	}
	return n > 0, nil
}
