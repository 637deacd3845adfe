package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"iptv-hub/work/types"
)

const variantColumns = `id, channel_id, provider_id, url, external_id, format,
	resolution, bitrate, codec, quality_score, detection_method,
	is_active, consecutive_failures, last_check, last_success, last_failure,
	response_time_ms, failure_reason, priority_order, checks_total, checks_passed,
	original_name, original_category, merge_method, merge_confidence, merge_reason,
	manual_override, created_at, updated_at`

func scanVariant(s rowScanner) (*types.StreamVariant, error) {
	var v types.StreamVariant
	var lastCheck, lastSuccess, lastFailure sql.NullInt64
	var method string
	var created, updated int64

	err := s.Scan(
		&v.ID, &v.ChannelID, &v.ProviderID, &v.URL, &v.ExternalID, &v.Format,
		&v.Resolution, &v.Bitrate, &v.Codec, &v.QualityScore, &v.DetectionMethod,
		&v.IsActive, &v.ConsecutiveFailures, &lastCheck, &lastSuccess, &lastFailure,
		&v.ResponseTimeMs, &v.FailureReason, &v.PriorityOrder, &v.ChecksTotal, &v.ChecksPassed,
		&v.OriginalName, &v.OriginalCategory, &method, &v.MergeConfidence, &v.MergeReason,
		&v.ManualOverride, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	v.MergeMethod = types.MergeMethod(method)
	v.LastCheck = timePtr(lastCheck)
	v.LastSuccess = timePtr(lastSuccess)
	v.LastFailure = timePtr(lastFailure)
	v.CreatedAt = fromMillis(created)
	v.UpdatedAt = fromMillis(updated)
	return &v, nil
}

func (db *DB) queryVariants(ctx context.Context, query string, args ...interface{}) ([]*types.StreamVariant, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants: %w", err)
	}
	defer rows.Close()

	var variants []*types.StreamVariant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// CreateVariant inserts v unless (provider, URL) already exists. It returns
// the id of the stored row and whether this call created it.
func (db *DB) CreateVariant(ctx context.Context, v *types.StreamVariant) (int64, bool, error) {
	now := time.Now()
	res, err := db.ExecContext(ctx, `
		INSERT INTO stream_variants (
			channel_id, provider_id, url, external_id, format,
			resolution, bitrate, codec, quality_score, detection_method,
			is_active, consecutive_failures, response_time_ms, failure_reason, priority_order,
			original_name, original_category, merge_method, merge_confidence, merge_reason,
			manual_override, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, url) DO NOTHING`,
		v.ChannelID, v.ProviderID, v.URL, v.ExternalID, v.Format,
		v.Resolution, v.Bitrate, v.Codec, v.QualityScore, v.DetectionMethod,
		v.PriorityOrder,
		v.OriginalName, v.OriginalCategory, string(v.MergeMethod), v.MergeConfidence, v.MergeReason,
		boolInt(v.ManualOverride), toMillis(now), toMillis(now),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create variant: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		existing, err := db.FindVariantByProviderURL(ctx, v.ProviderID, v.URL)
		if err != nil {
			return 0, false, err
		}
		return existing.ID, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get variant ID: %w", err)
	}
	v.ID = id
	v.IsActive = true
	v.CreatedAt, v.UpdatedAt = now, now
	return id, true, nil
}

// FindVariantByProviderURL looks a variant up by its unique (provider, URL).
func (db *DB) FindVariantByProviderURL(ctx context.Context, providerID int64, url string) (*types.StreamVariant, error) {
	v, err := scanVariant(db.QueryRowContext(ctx,
		"SELECT "+variantColumns+" FROM stream_variants WHERE provider_id = ? AND url = ?", providerID, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variant for provider %d: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load variant: %w", err)
	}
	return v, nil
}

// GetVariant loads one variant.
func (db *DB) GetVariant(ctx context.Context, id int64) (*types.StreamVariant, error) {
	v, err := scanVariant(db.QueryRowContext(ctx, "SELECT "+variantColumns+" FROM stream_variants WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variant %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load variant: %w", err)
	}
	return v, nil
}

// maxInArgs caps the bound parameters of one IN list.
const maxInArgs = 500

// GetVariants loads the listed variants. Unknown ids are skipped.
func (db *DB) GetVariants(ctx context.Context, ids []int64) ([]*types.StreamVariant, error) {
	var out []*types.StreamVariant
	for start := 0; start < len(ids); start += maxInArgs {
		batch := ids[start:min(start+maxInArgs, len(ids))]
		variants, err := db.queryVariants(ctx,
			"SELECT "+variantColumns+" FROM stream_variants WHERE id IN ("+placeholders(len(batch))+") ORDER BY id",
			int64Args(batch)...)
		if err != nil {
			return nil, err
		}
		out = append(out, variants...)
	}
	return out, nil
}

// ListVariantsForChannel returns a channel's variants in priority order.
func (db *DB) ListVariantsForChannel(ctx context.Context, channelID int64) ([]*types.StreamVariant, error) {
	return db.queryVariants(ctx,
		"SELECT "+variantColumns+" FROM stream_variants WHERE channel_id = ? ORDER BY priority_order, id",
		channelID)
}

// ListVariantIDs returns variant ids for one provider, or for every provider
// when providerID is 0.
func (db *DB) ListVariantIDs(ctx context.Context, providerID int64, includeInactive bool) ([]int64, error) {
	query := "SELECT id FROM stream_variants WHERE 1 = 1"
	var args []interface{}
	if providerID != 0 {
		query += " AND provider_id = ?"
		args = append(args, providerID)
	}
	if !includeInactive {
		query += " AND is_active = 1"
	}

	rows, err := db.QueryContext(ctx, query+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan variant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateVariantQuality stores refreshed resolution fields.
func (db *DB) UpdateVariantQuality(ctx context.Context, v *types.StreamVariant) error {
	res, err := db.ExecContext(ctx, `
		UPDATE stream_variants
		SET resolution = ?, bitrate = ?, codec = ?, quality_score = ?, detection_method = ?,
		    external_id = ?, original_category = ?, updated_at = ?
		WHERE id = ?`,
		v.Resolution, v.Bitrate, v.Codec, v.QualityScore, v.DetectionMethod,
		v.ExternalID, v.OriginalCategory, toMillis(time.Now()), v.ID)
	if err != nil {
		return fmt.Errorf("failed to update variant quality: %w", err)
	}
	return requireRow(res, "variant", v.ID)
}

// UpdateVariantHealth stores the health fields of v.
func (db *DB) UpdateVariantHealth(ctx context.Context, v *types.StreamVariant) error {
	res, err := db.ExecContext(ctx, `
		UPDATE stream_variants
		SET is_active = ?, consecutive_failures = ?, last_check = ?, last_success = ?, last_failure = ?,
		    response_time_ms = ?, failure_reason = ?, checks_total = ?, checks_passed = ?, updated_at = ?
		WHERE id = ?`,
		boolInt(v.IsActive), v.ConsecutiveFailures, nullMillis(v.LastCheck), nullMillis(v.LastSuccess),
		nullMillis(v.LastFailure), v.ResponseTimeMs, v.FailureReason, v.ChecksTotal, v.ChecksPassed,
		toMillis(time.Now()), v.ID)
	if err != nil {
		return fmt.Errorf("failed to update variant health: %w", err)
	}
	return requireRow(res, "variant", v.ID)
}

// SetPriorityOrders writes each variant's PriorityOrder in one transaction.
func (db *DB) SetPriorityOrders(ctx context.Context, variants []*types.StreamVariant) error {
	if len(variants) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE stream_variants SET priority_order = ? WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, v := range variants {
		if _, err := stmt.ExecContext(ctx, v.PriorityOrder, v.ID); err != nil {
			return fmt.Errorf("failed to update priority for variant %d: %w", v.ID, err)
		}
	}
	return tx.Commit()
}
