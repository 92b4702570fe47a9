package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/reedfamily/cs2instance/internal/launch"
)

const keyStartParameters = "start_parameters"

// StartParameters returns the last saved start parameters, or the defaults.
func (s *Sink) StartParameters(ctx context.Context) (launch.Parameters, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, keyStartParameters).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return launch.Defaults(), nil
	}
	if err != nil {
		return launch.Parameters{}, fmt.Errorf("load start parameters: %w", err)
	}
	var p launch.Parameters
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return launch.Parameters{}, fmt.Errorf("decode start parameters: %w", err)
	}
	return p.WithDefaults(), nil
}

func (s *Sink) SaveStartParameters(ctx context.Context, p launch.Parameters) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		keyStartParameters, string(data),
	)
	if err != nil {
		return fmt.Errorf("save start parameters: %w", err)
	}
	return nil
}
