package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one received redemption and what the router did with it.
type Entry struct {
	ID            string    `json:"id"`
	ReceivedAt    time.Time `json:"received_at"`
	RewardID      string    `json:"reward_id"`
	RewardTitle   string    `json:"reward_title,omitempty"`
	UserName      string    `json:"user_name"`
	UserInput     string    `json:"user_input,omitempty"`
	Outcome       string    `json:"outcome"`
	SourceScene   string    `json:"source_scene,omitempty"`
	TargetScene   string    `json:"target_scene,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// History stores redemption entries.
type History struct{ db *DB }

// NewHistory returns a history store on d.
func NewHistory(d *DB) *History { return &History{db: d} }

// Record inserts e, filling ID and ReceivedAt when empty.
func (h *History) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	_, err := h.db.exec(ctx, `INSERT INTO redemptions(id, received_at, reward_id, reward_title, user_name, user_input, outcome, source_scene, target_scene, correlation_id)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ReceivedAt.UnixMilli(), e.RewardID, e.RewardTitle, e.UserName, e.UserInput, e.Outcome, e.SourceScene, e.TargetScene, e.CorrelationID)
	if err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := h.db.query(ctx, `SELECT id, received_at, reward_id, reward_title, user_name, user_input, outcome, source_scene, target_scene, correlation_id
		FROM redemptions ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query redemptions: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e                                          Entry
			ms                                         int64
			title, user, input, source, target, corrID sql.NullString
		)
		if err := rows.Scan(&e.ID, &ms, &e.RewardID, &title, &user, &input, &e.Outcome, &source, &target, &corrID); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		e.ReceivedAt = time.UnixMilli(ms)
		e.RewardTitle, e.UserName, e.UserInput = title.String, user.String, input.String
		e.SourceScene, e.TargetScene, e.CorrelationID = source.String, target.String, corrID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (h *History) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.db.exec(ctx, `DELETE FROM redemptions WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune redemptions: %w", err)
	}
	return res.RowsAffected()
}
