package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrSettingNotFound indicates a setting key is absent.
var ErrSettingNotFound = errors.New("setting not found")

// GetSetting loads a setting value into dst. Values are stored as JSON,
// so dst must be a pointer to a JSON-compatible type.
func (db *DB) GetSetting(ctx context.Context, key string, dst any) error {
	var value []byte

	err := db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSettingNotFound
		}

		return fmt.Errorf("get setting %q: %w", key, err)
	}

	if err := json.Unmarshal(value, dst); err != nil {
		return fmt.Errorf("unmarshal setting %q: %w", key, err)
	}

	return nil
}

// SaveSetting upserts a setting value.
func (db *DB) SaveSetting(ctx context.Context, key string, value any, description string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %q: %w", key, err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO settings (key, value, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value,
			description = EXCLUDED.description, updated_at = now()`,
		key, data, toText(description))
	if err != nil {
		return fmt.Errorf("save setting %q: %w", key, err)
	}

	return nil
}

// DeleteSetting removes a setting key.
func (db *DB) DeleteSetting(ctx context.Context, key string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}

	return nil
}
