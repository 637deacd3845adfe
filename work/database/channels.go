package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"iptv-hub/work/types"
)

const channelColumns = `id, name, normalized_name, region, variant, category, logo_url,
	enabled, stream_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChannel(s rowScanner) (*types.LogicalChannel, error) {
	var ch types.LogicalChannel
	var created, updated int64
	err := s.Scan(&ch.ID, &ch.Name, &ch.NormalizedName, &ch.Region, &ch.Variant, &ch.Category,
		&ch.LogoURL, &ch.Enabled, &ch.StreamCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	ch.CreatedAt = fromMillis(created)
	ch.UpdatedAt = fromMillis(updated)
	return &ch, nil
}

func (db *DB) queryChannels(ctx context.Context, query string, args ...interface{}) ([]*types.LogicalChannel, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var channels []*types.LogicalChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertChannel(ctx context.Context, ex execer, ch *types.LogicalChannel) (int64, error) {
	now := time.Now()
	res, err := ex.ExecContext(ctx, `
		INSERT INTO channels (name, normalized_name, region, variant, category, logo_url, enabled, stream_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		ch.Name, ch.NormalizedName, ch.Region, ch.Variant, ch.Category, ch.LogoURL,
		boolInt(ch.Enabled), toMillis(now), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to create channel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get channel ID: %w", err)
	}
	ch.ID = id
	ch.StreamCount = 0
	ch.CreatedAt, ch.UpdatedAt = now, now
	return id, nil
}

// CreateChannel inserts a channel and sets ch.ID.
func (db *DB) CreateChannel(ctx context.Context, ch *types.LogicalChannel) (int64, error) {
	return insertChannel(ctx, db, ch)
}

// GetChannel loads one channel.
func (db *DB) GetChannel(ctx context.Context, id int64) (*types.LogicalChannel, error) {
	ch, err := scanChannel(db.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	return ch, nil
}

// FindChannelsByKey returns the enabled channels sharing a normalized name,
// lowest id first.
func (db *DB) FindChannelsByKey(ctx context.Context, normalized string) ([]*types.LogicalChannel, error) {
	return db.queryChannels(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE normalized_name = ? AND enabled = 1 ORDER BY id",
		normalized)
}

// ListChannels returns channels ordered by name then id.
func (db *DB) ListChannels(ctx context.Context, includeDisabled bool) ([]*types.LogicalChannel, error) {
	query := "SELECT " + channelColumns + " FROM channels"
	if !includeDisabled {
		query += " WHERE enabled = 1"
	}
	return db.queryChannels(ctx, query+" ORDER BY name COLLATE NOCASE, id")
}

// SetChannelLogoIfEmpty fills in a missing logo and reports whether it did.
func (db *DB) SetChannelLogoIfEmpty(ctx context.Context, id int64, logoURL string) (bool, error) {
	if logoURL == "" {
		return false, nil
	}
	res, err := db.ExecContext(ctx,
		"UPDATE channels SET logo_url = ?, updated_at = ? WHERE id = ? AND logo_url = ''",
		logoURL, toMillis(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("failed to set channel logo: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetChannelEnabled enables or disables a channel.
func (db *DB) SetChannelEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := db.ExecContext(ctx,
		"UPDATE channels SET enabled = ?, updated_at = ? WHERE id = ?",
		boolInt(enabled), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	return requireRow(res, "channel", id)
}

// DeleteChannel removes a channel and, through the foreign key, its variants.
func (db *DB) DeleteChannel(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return requireRow(res, "channel", id)
}

const recountSQL = `
	UPDATE channels SET stream_count = (
		SELECT COUNT(*) FROM stream_variants v
		WHERE v.channel_id = channels.id AND v.is_active = 1
	)`

// RecomputeStreamCounts refreshes every channel's active-variant count in
// one statement.
func (db *DB) RecomputeStreamCounts(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, recountSQL); err != nil {
		return fmt.Errorf("failed to recompute stream counts: %w", err)
	}
	return nil
}

// RecomputeStreamCount refreshes the active-variant count of one channel.
func (db *DB) RecomputeStreamCount(ctx context.Context, channelID int64) error {
	return recountChannels(ctx, db, channelID)
}

func recountChannels(ctx context.Context, ex execer, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := recountSQL + " WHERE id IN (" + placeholders(len(ids)) + ")"
	if _, err := ex.ExecContext(ctx, query, int64Args(ids)...); err != nil {
		return fmt.Errorf("failed to recompute stream counts: %w", err)
	}
	return nil
}

// SplitChannel atomically creates ch and moves the listed variants of
// sourceID into it, marking them as manual overrides.
func (db *DB) SplitChannel(ctx context.Context, sourceID int64, variantIDs []int64, ch *types.LogicalChannel, reason string) error {
	if len(variantIDs) == 0 {
		return fmt.Errorf("split channel %d: no variants given", sourceID)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	newID, err := insertChannel(ctx, tx, ch)
	if err != nil {
		return err
	}

	args := append([]interface{}{newID, reason, toMillis(time.Now()), sourceID}, int64Args(variantIDs)...)
	res, err := tx.ExecContext(ctx, `
		UPDATE stream_variants
		SET channel_id = ?, merge_method = 'manual', merge_confidence = 100, merge_reason = ?,
		    manual_override = 1, updated_at = ?
		WHERE channel_id = ? AND id IN (`+placeholders(len(variantIDs))+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to move variants: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if int(moved) != len(variantIDs) {
		return fmt.Errorf("split channel %d: %d of %d variants belong to it: %w", sourceID, moved, len(variantIDs), ErrNotFound)
	}

	if err := recountChannels(ctx, tx, sourceID, newID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit split: %w", err)
	}
	ch.StreamCount = len(variantIDs)
	return nil
}

// MergeChannels atomically moves every variant of sourceID into targetID and
// disables the source. It returns the number of variants moved.
func (db *DB) MergeChannels(ctx context.Context, sourceID, targetID int64, reason string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range []int64{sourceID, targetID} {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM channels WHERE id = ?)", id).Scan(&exists); err != nil {
			return 0, fmt.Errorf("failed to check channel: %w", err)
		}
		if !exists {
			return 0, fmt.Errorf("channel %d: %w", id, ErrNotFound)
		}
	}

	now := toMillis(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE stream_variants
		SET channel_id = ?, merge_method = 'manual', merge_confidence = 100, merge_reason = ?,
		    manual_override = 1, updated_at = ?
		WHERE channel_id = ?`, targetID, reason, now, sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to move variants: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE channels SET enabled = 0, updated_at = ? WHERE id = ?", now, sourceID); err != nil {
		return 0, fmt.Errorf("failed to disable source channel: %w", err)
	}
	if err := recountChannels(ctx, tx, sourceID, targetID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit merge: %w", err)
	}
	return int(moved), nil
}
