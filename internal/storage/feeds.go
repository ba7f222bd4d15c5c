package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PluginFeedRepository handles recurring plugin feed schedules.
type PluginFeedRepository struct {
	db DB
}

// NewPluginFeedRepository creates a new plugin feed repository.
func NewPluginFeedRepository(db DB) *PluginFeedRepository {
	return &PluginFeedRepository{db: db}
}

const feedColumns = `id, name, plugin_name, agent_key, owner_user_id, params,
	interval_seconds, enabled, next_run_at, last_run_at, created_at, updated_at`

func scanFeed(row interface{ Scan(...interface{}) error }) (*PluginFeed, error) {
	feed := &PluginFeed{}
	var params []byte
	err := row.Scan(
		&feed.ID, &feed.Name, &feed.PluginName, &feed.AgentKey, &feed.OwnerUserID,
		&params, &feed.IntervalSeconds, &feed.Enabled, &feed.NextRunAt,
		&feed.LastRunAt, &feed.CreatedAt, &feed.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	feed.Params = rawJSON(params)
	return feed, nil
}

// Create inserts a new plugin feed.
func (r *PluginFeedRepository) Create(ctx context.Context, feed *PluginFeed) error {
	if feed.ID == "" {
		feed.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	feed.CreatedAt = now
	feed.UpdatedAt = now

	query := `
		INSERT INTO plugin_feeds (` + feedColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		feed.ID, feed.Name, feed.PluginName, feed.AgentKey, feed.OwnerUserID,
		feed.Params, feed.IntervalSeconds, feed.Enabled, feed.NextRunAt,
		feed.LastRunAt, feed.CreatedAt, feed.UpdatedAt,
	)
	return err
}

// GetByID retrieves a plugin feed by ID.
func (r *PluginFeedRepository) GetByID(ctx context.Context, id string) (*PluginFeed, error) {
	query := `SELECT ` + feedColumns + ` FROM plugin_feeds WHERE id = $1`
	return scanFeed(r.db.QueryRowContext(ctx, query, id))
}

// ClaimDue locks and returns due feeds: enabled, with next_run_at unset or in
// the past. Rows locked by another scheduler replica are skipped, so two
// schedulers never claim the same feed in a tick. Must run inside a
// transaction.
func (r *PluginFeedRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*PluginFeed, error) {
	query := `
		SELECT ` + feedColumns + ` FROM plugin_feeds
		WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at NULLS FIRST
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []*PluginFeed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	return feeds, rows.Err()
}

// ScheduleNext advances last_run_at to now and next_run_at one interval out.
func (r *PluginFeedRepository) ScheduleNext(ctx context.Context, feed *PluginFeed, now time.Time) error {
	next := now.Add(time.Duration(feed.IntervalSeconds) * time.Second)
	query := `
		UPDATE plugin_feeds
		SET last_run_at = $2, next_run_at = $3, updated_at = $2
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, feed.ID, now, next)
	if err != nil {
		return err
	}
	feed.LastRunAt = &now
	feed.NextRunAt = &next
	return requireRow(res)
}

// SetEnabled toggles a feed.
func (r *PluginFeedRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE plugin_feeds SET enabled = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, enabled, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}
