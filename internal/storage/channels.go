package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// ErrChannelNotFound indicates a channel could not be found.
var ErrChannelNotFound = errors.New("channel not found")

const channelColumns = `c.id, c.source_id, c.name, c.connector_type, c.config, c.source_identifier,
	c.enabled, c.fetch_interval_min, c.last_fetch_at, c.last_error, c.created_at, c.updated_at,
	s.name, s.enabled, s.is_stakeholder`

// GetChannel loads a channel with its source context.
func (db *DB) GetChannel(ctx context.Context, id int64) (*domain.Channel, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+channelColumns+`
		FROM channels c JOIN sources s ON s.id = c.source_id
		WHERE c.id = $1`, id)

	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}

		return nil, fmt.Errorf("get channel: %w", err)
	}

	return ch, nil
}

// ListEffectivelyEnabledChannels returns channels whose channel-level and
// source-level enabled flags are both set.
func (db *DB) ListEffectivelyEnabledChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+channelColumns+`
		FROM channels c JOIN sources s ON s.id = c.source_id
		WHERE c.enabled AND s.enabled
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled channels: %w", err)
	}
	defer rows.Close()

	return collectChannels(rows)
}

// UpdateChannelFetchResult records the outcome of a fetch attempt. The
// last error stays visible until the next success.
func (db *DB) UpdateChannelFetchResult(ctx context.Context, channelID int64, fetchedAt time.Time, fetchErr string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE channels SET last_fetch_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, channelID, fetchedAt, toText(fetchErr))
	if err != nil {
		return fmt.Errorf("update channel fetch result: %w", err)
	}

	return nil
}

// UpsertChannel inserts or updates a channel keyed by its uniqueness
// triple (source, connector type, source identifier).
func (db *DB) UpsertChannel(ctx context.Context, ch *domain.Channel) error {
	cfg, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("marshal channel config: %w", err)
	}

	err = db.Pool.QueryRow(ctx, `
		INSERT INTO channels (source_id, name, connector_type, config, source_identifier, enabled, fetch_interval_min)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id, connector_type, source_identifier)
		DO UPDATE SET name = EXCLUDED.name, config = EXCLUDED.config,
			enabled = EXCLUDED.enabled, fetch_interval_min = EXCLUDED.fetch_interval_min,
			updated_at = now()
		RETURNING id`,
		ch.SourceID, toText(ch.Name), string(ch.ConnectorType), cfg,
		ch.SourceIdentifier, ch.Enabled, ch.FetchIntervalMin).Scan(&ch.ID)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*domain.Channel, error) {
	var (
		ch          domain.Channel
		cfg         []byte
		lastFetchAt pgtype.Timestamptz
		connType    string
	)

	err := row.Scan(&ch.ID, &ch.SourceID, &ch.Name, &connType, &cfg, &ch.SourceIdentifier,
		&ch.Enabled, &ch.FetchIntervalMin, &lastFetchAt, &ch.LastError, &ch.CreatedAt, &ch.UpdatedAt,
		&ch.SourceName, &ch.SourceEnabled, &ch.SourceIsStakeholder)
	if err != nil {
		return nil, err
	}

	ch.ConnectorType = domain.ConnectorType(connType)
	ch.LastFetchAt = fromTimestamptzPtr(lastFetchAt)

	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &ch.Config); err != nil {
			return nil, fmt.Errorf("unmarshal channel config: %w", err)
		}
	}

	return &ch, nil
}

func collectChannels(rows pgx.Rows) ([]domain.Channel, error) {
	var channels []domain.Channel

	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}

		channels = append(channels, *ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}

	return channels, nil
}
