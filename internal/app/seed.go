package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
	"github.com/wohlfahrt-digital/newswatch/internal/ingest/connector"
)

const defaultFetchIntervalMin = 60

// seedSource is one entry of a --seed file. When an id is given the
// existing source is updated, otherwise a new one is inserted. Channels
// are validated against their connector, get their identifier derived
// from the config, and are upserted by the (connector type, identifier)
// key.
type seedSource struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	IsStakeholder bool          `json:"is_stakeholder"`
	Enabled       *bool         `json:"enabled"`
	Channels      []seedChannel `json:"channels"`
}

type seedChannel struct {
	Name             string         `json:"name"`
	ConnectorType    string         `json:"connector_type"`
	Config           map[string]any `json:"config"`
	Enabled          *bool          `json:"enabled"`
	FetchIntervalMin int            `json:"fetch_interval_min"`
}

// Seed loads sources and their channels from a JSON file and writes
// them to the database. Meant for initial provisioning and for keeping
// a checked-in channel list in sync.
func (a *App) Seed(ctx context.Context, path string) error {
	defer a.db.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var entries []seedSource
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	var sources, channels int

	for _, entry := range entries {
		if entry.Name == "" {
			return fmt.Errorf("seed source without a name")
		}

		if entry.ID != 0 {
			if _, err := a.db.GetSource(ctx, entry.ID); err != nil {
				return fmt.Errorf("seed source %q: %w", entry.Name, err)
			}
		}

		src := &domain.Source{
			ID:            entry.ID,
			Name:          entry.Name,
			Description:   entry.Description,
			IsStakeholder: entry.IsStakeholder,
			Enabled:       boolOrDefault(entry.Enabled, true),
		}
		if err := a.db.SaveSource(ctx, src); err != nil {
			return err
		}

		sources++

		for _, sc := range entry.Channels {
			ch, err := a.seedChannel(src.ID, sc)
			if err != nil {
				return fmt.Errorf("seed channel %q of %q: %w", sc.Name, entry.Name, err)
			}

			if err := a.db.UpsertChannel(ctx, ch); err != nil {
				return fmt.Errorf("seed channel %q of %q: %w", sc.Name, entry.Name, err)
			}

			channels++
		}
	}

	a.logger.Info().Int("sources", sources).Int("channels", channels).Msg("seed applied")

	return nil
}

// seedChannel validates one channel entry against its connector and
// derives the canonical identifier from the config.
func (a *App) seedChannel(sourceID int64, sc seedChannel) (*domain.Channel, error) {
	ct := domain.ConnectorType(sc.ConnectorType)

	conn, err := a.connectors.Get(ct)
	if err != nil {
		return nil, err
	}

	if err := conn.Validate(sc.Config); err != nil {
		return nil, err
	}

	ident, err := connector.DeriveSourceIdentifier(ct, sc.Config)
	if err != nil {
		return nil, err
	}

	interval := sc.FetchIntervalMin
	if interval <= 0 {
		interval = defaultFetchIntervalMin
	}

	return &domain.Channel{
		SourceID:         sourceID,
		Name:             sc.Name,
		ConnectorType:    ct,
		Config:           sc.Config,
		SourceIdentifier: ident,
		Enabled:          boolOrDefault(sc.Enabled, true),
		FetchIntervalMin: interval,
	}, nil
}

// ApplySetting stores a runtime override. The value must be valid JSON.
func (a *App) ApplySetting(ctx context.Context, key, value string) error {
	defer a.db.Close()

	if !json.Valid([]byte(value)) {
		return fmt.Errorf("setting %q: value is not valid JSON", key)
	}

	if err := a.db.SaveSetting(ctx, key, json.RawMessage(value), ""); err != nil {
		return err
	}

	a.logger.Info().Str("key", key).Msg("setting saved")

	return nil
}

// RemoveSetting deletes a runtime override, falling back to env config.
func (a *App) RemoveSetting(ctx context.Context, key string) error {
	defer a.db.Close()

	if err := a.db.DeleteSetting(ctx, key); err != nil {
		return err
	}

	a.logger.Info().Str("key", key).Msg("setting removed")

	return nil
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}

	return *v
}
