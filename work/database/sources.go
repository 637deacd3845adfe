package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"iptv-hub/work/config"
	"iptv-hub/work/types"
)

// ProviderFromSource maps a configured source onto a provider row.
func ProviderFromSource(src *config.SourceConfig) *types.Provider {
	return &types.Provider{
		Name:     src.Name,
		Kind:     src.Kind,
		URL:      src.URL,
		Username: src.Username,
		Password: src.Password,
		Enabled:  !src.Disabled,
	}
}

// UpsertProvider saves a provider keyed by name and sets p.ID.
func (db *DB) UpsertProvider(ctx context.Context, p *types.Provider) (int64, error) {
	now := toMillis(time.Now())
	query := `
		INSERT INTO providers (name, kind, url, username, password, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			url = excluded.url,
			username = excluded.username,
			password = excluded.password,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	if _, err := db.ExecContext(ctx, query, p.Name, p.Kind, p.URL, p.Username, p.Password, boolInt(p.Enabled), now, now); err != nil {
		return 0, fmt.Errorf("failed to save provider: %w", err)
	}

	// LastInsertId is unreliable on the update path.
	var id int64
	if err := db.QueryRowContext(ctx, "SELECT id FROM providers WHERE name = ?", p.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get provider ID: %w", err)
	}
	p.ID = id
	return id, nil
}

// GetProvider loads one provider.
func (db *DB) GetProvider(ctx context.Context, id int64) (*types.Provider, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, kind, url, username, password, enabled
		FROM providers WHERE id = ?`, id)

	var p types.Provider
	err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.URL, &p.Username, &p.Password, &p.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider: %w", err)
	}
	return &p, nil
}

// ListProviders returns every provider ordered by id.
func (db *DB) ListProviders(ctx context.Context) ([]*types.Provider, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, kind, url, username, password, enabled
		FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	defer rows.Close()

	var providers []*types.Provider
	for rows.Next() {
		var p types.Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.URL, &p.Username, &p.Password, &p.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, &p)
	}
	return providers, rows.Err()
}
