package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{
		db: db,
	}
}

const userColumns = "id, username, avatar, status, last_seen, created_at"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u        User
		lastSeen sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Avatar, &u.Status, &lastSeen, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.LastSeen = lastSeen.Time
	return &u, nil
}

func (s *SQLiteUserStore) CreateUser(ctx context.Context, input UserCreateInput) (*User, error) {
	eu, err := s.GetUserByUsername(ctx, input.Username)
	if err != nil {
		return nil, fmt.Errorf("checking if user exists: %w", err)
	}

	if eu != nil {
		return nil, ErrConflictedUser
	}

	user := &User{
		ID:        uuid.New().String(),
		Username:  input.Username,
		Avatar:    input.Avatar,
		Status:    StatusOffline,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, avatar, status, created_at) VALUES (@id, @username, @avatar, @status, @created_at)",
		sql.Named("id", user.ID),
		sql.Named("username", user.Username),
		sql.Named("avatar", user.Avatar),
		sql.Named("status", user.Status),
		sql.Named("created_at", user.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert user): %w", err)
	}

	return user, nil
}

func (s *SQLiteUserStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext(select user): %w", err)
	}
	return user, nil
}

func (s *SQLiteUserStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext(select user): %w", err)
	}
	return user, nil
}

func (s *SQLiteUserStore) GetUsersByIDs(ctx context.Context, ids ...string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	values := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		values = append(values, id)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id IN ("+strings.Repeat("?,", len(ids)-1)+"?) ORDER BY username",
		values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext(select users): %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return users, nil
}

func (s *SQLiteUserStore) UpdateUserStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET status = @status WHERE id = @id",
		sql.Named("status", status), sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext(update status): %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteUserStore) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET last_seen = @at WHERE id = @id",
		sql.Named("at", at), sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext(update last_seen): %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) UpdateAvatar(ctx context.Context, id, avatar string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET avatar = @avatar WHERE id = @id",
		sql.Named("avatar", avatar), sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext(update avatar): %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteUserStore) SendFriendRequest(ctx context.Context, fromID, toID string) (bool, error) {
	if fromID == toID {
		return false, ErrSelfFriendRequest
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO friend_requests (from_id, to_id, sent_at)
		SELECT @from, @to, @sent_at
		WHERE NOT EXISTS (SELECT 1 FROM friends WHERE user_id = @from AND friend_id = @to)`,
		sql.Named("from", fromID),
		sql.Named("to", toID),
		sql.Named("sent_at", time.Now().UTC()))
	if err != nil {
		return false, fmt.Errorf("ExecContext(insert friend request): %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteUserStore) AcceptFriendRequest(ctx context.Context, userID, fromID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM friend_requests WHERE from_id = @from AND to_id = @to",
		sql.Named("from", fromID), sql.Named("to", userID))
	if err != nil {
		return fmt.Errorf("ExecContext(delete friend request): %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFriendRequestNotFound
	}

	// a crossed request in the other direction is settled too
	if _, err := tx.ExecContext(ctx, "DELETE FROM friend_requests WHERE from_id = @from AND to_id = @to",
		sql.Named("from", userID), sql.Named("to", fromID)); err != nil {
		return fmt.Errorf("ExecContext(delete friend request): %w", err)
	}

	now := time.Now().UTC()
	for _, pair := range [][2]string{{userID, fromID}, {fromID, userID}} {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO friends (user_id, friend_id, since) VALUES (@user, @friend, @since)",
			sql.Named("user", pair[0]), sql.Named("friend", pair[1]), sql.Named("since", now))
		if err != nil {
			return fmt.Errorf("ExecContext(insert friend): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) ListFriends(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.avatar, u.status, u.last_seen, u.created_at
		FROM friends f JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ? ORDER BY u.username`, userID)
	if err != nil {
		return nil, fmt.Errorf("QueryContext(select friends): %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return users, nil
}

func (s *SQLiteUserStore) ListFriendRequests(ctx context.Context, userID string) ([]FriendRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.avatar, u.status, u.last_seen, u.created_at, r.sent_at
		FROM friend_requests r JOIN users u ON u.id = r.from_id
		WHERE r.to_id = ? ORDER BY r.sent_at, u.username`, userID)
	if err != nil {
		return nil, fmt.Errorf("QueryContext(select friend requests): %w", err)
	}
	defer rows.Close()

	var requests []FriendRequest
	for rows.Next() {
		var (
			req      FriendRequest
			lastSeen sql.NullTime
		)
		u := &req.From
		if err := rows.Scan(&u.ID, &u.Username, &u.Avatar, &u.Status, &lastSeen, &u.CreatedAt, &req.SentAt); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		u.LastSeen = lastSeen.Time
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return requests, nil
}
