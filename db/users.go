package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/streamsync/followers"
)

type userRow struct {
	ID              string       `db:"id"`
	Username        string       `db:"username"`
	IsFollower      bool         `db:"is_follower"`
	FollowedAt      sql.NullTime `db:"followed_at"`
	LastFollowCheck sql.NullTime `db:"last_follow_check"`
	IsSubscriber    bool         `db:"is_subscriber"`
}

func (r userRow) user() *followers.User {
	return &followers.User{
		ID:              r.ID,
		Username:        r.Username,
		IsFollower:      r.IsFollower,
		FollowedAt:      r.FollowedAt.Time,
		LastFollowCheck: r.LastFollowCheck.Time,
		IsSubscriber:    r.IsSubscriber,
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

const userColumns = `id, username, is_follower, followed_at, last_follow_check, is_subscriber`

func (s *Store) getUser(ctx context.Context, where string, arg any) (*followers.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE `+where+` ORDER BY updated_at DESC LIMIT 1`, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return row.user(), nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*followers.User, error) {
	return s.getUser(ctx, `id = $1`, id)
}

func (s *Store) UserByName(ctx context.Context, username string) (*followers.User, error) {
	return s.getUser(ctx, `username = $1`, username)
}

// SaveUser records the login of id, creating the user when unknown.
func (s *Store) SaveUser(ctx context.Context, id, username string) error {
	if id == "" {
		return fmt.Errorf("user id empty")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, updated_at = NOW()`, id, username)
	return err
}

func (s *Store) SetFollow(ctx context.Context, id string, follower bool, followedAt, checkedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_follower = $2, followed_at = $3, last_follow_check = $4, updated_at = NOW() WHERE id = $1`,
		id, follower, nullTime(followedAt), nullTime(checkedAt))
	return err
}

// MarkSubscriber flags a user as subscriber, creating it when unknown.
func (s *Store) MarkSubscriber(ctx context.Context, id, username string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, is_subscriber) VALUES ($1, $2, TRUE)
		ON CONFLICT (id) DO UPDATE SET is_subscriber = TRUE, username = EXCLUDED.username, updated_at = NOW()`, id, username)
	return err
}
