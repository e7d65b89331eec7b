package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/community-ledger/ledger"
)

// ErrNoBillingConfig is returned by ActiveConfig before any config is saved.
var ErrNoBillingConfig = errors.New("no billing config stored")

// =============================================================================
// DIRECTORY (ledger.Directory interface)
// =============================================================================

// SaveUnit creates or replaces a unit.
func (s *Store) SaveUnit(ctx context.Context, u ledger.Unit) error {
	query := `
		INSERT INTO units (id, label, fee_override, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			fee_override = excluded.fee_override,
			updated_at = excluded.updated_at
	`
	var fee sql.NullString
	if u.FeeOverride != nil {
		fee = sql.NullString{String: u.FeeOverride.Value.String(), Valid: true}
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, query, u.ID, u.Label, fee, now, now)
	if err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}
	return nil
}

func (s *Store) Unit(ctx context.Context, id ledger.UnitID) (*ledger.Unit, error) {
	var (
		u   ledger.Unit
		fee sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, label, fee_override FROM units WHERE id = ?", id,
	).Scan(&u.ID, &u.Label, &fee)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnitNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if fee.Valid {
		m, err := ledger.ParseMoney(fee.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fee override of %s: %w", id, err)
		}
		u.FeeOverride = &m
	}
	return &u, nil
}

// SetResident binds a resident to a unit. An empty residentID vacates it.
func (s *Store) SetResident(ctx context.Context, unitID ledger.UnitID, residentID ledger.ResidentID) error {
	if residentID == "" {
		_, err := s.db.ExecContext(ctx, "DELETE FROM unit_residents WHERE unit_id = ?", unitID)
		return err
	}
	query := `
		INSERT INTO unit_residents (unit_id, resident_id, since)
		VALUES (?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			resident_id = excluded.resident_id,
			since = excluded.since
	`
	_, err := s.db.ExecContext(ctx, query, unitID, residentID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set resident: %w", err)
	}
	return nil
}

func (s *Store) ResidentForUnit(ctx context.Context, unitID ledger.UnitID) (*ledger.ResidentID, error) {
	var r ledger.ResidentID
	err := s.db.QueryRowContext(ctx,
		"SELECT resident_id FROM unit_residents WHERE unit_id = ?", unitID,
	).Scan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// BILLING CONFIG (ledger.ConfigProvider interface)
// =============================================================================

func (s *Store) ActiveConfig(ctx context.Context) (ledger.BillingConfig, error) {
	var (
		cfg       ledger.BillingConfig
		fee       string
		pct       string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT default_fee, surcharge_percent, grace_period_days, max_lookahead, updated_at, updated_by
		FROM billing_config WHERE id = 1
	`).Scan(&fee, &pct, &cfg.GracePeriodDays, &cfg.MaxLookahead, &updatedAt, &cfg.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, ErrNoBillingConfig
	}
	if err != nil {
		return cfg, err
	}

	if cfg.DefaultFee, err = ledger.ParseMoney(fee); err != nil {
		return cfg, fmt.Errorf("failed to parse default fee %q: %w", fee, err)
	}
	if cfg.SurchargePercent, err = decimal.NewFromString(pct); err != nil {
		return cfg, fmt.Errorf("failed to parse surcharge percent %q: %w", pct, err)
	}
	cfg.UpdatedAt = parseTime(updatedAt)
	return cfg, nil
}

// SaveConfig replaces the active billing configuration.
func (s *Store) SaveConfig(ctx context.Context, cfg ledger.BillingConfig) error {
	return s.writeConfig(ctx, cfg, `
		ON CONFLICT(id) DO UPDATE SET
			default_fee = excluded.default_fee,
			surcharge_percent = excluded.surcharge_percent,
			grace_period_days = excluded.grace_period_days,
			max_lookahead = excluded.max_lookahead,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by`)
}

// SeedConfig stores cfg only if no configuration exists yet.
func (s *Store) SeedConfig(ctx context.Context, cfg ledger.BillingConfig) error {
	return s.writeConfig(ctx, cfg, "ON CONFLICT(id) DO NOTHING")
}

func (s *Store) writeConfig(ctx context.Context, cfg ledger.BillingConfig, conflict string) error {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	if cfg.UpdatedBy == "" {
		cfg.UpdatedBy = ledger.SystemActor
	}
	query := `
		INSERT INTO billing_config
		(id, default_fee, surcharge_percent, grace_period_days, max_lookahead, updated_at, updated_by)
		VALUES (1, ?, ?, ?, ?, ?, ?)
	` + conflict
	_, err := s.db.ExecContext(ctx, query,
		cfg.DefaultFee.Value.String(),
		cfg.SurchargePercent.String(),
		cfg.GracePeriodDays,
		cfg.Lookahead(),
		formatTime(cfg.UpdatedAt),
		cfg.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save billing config: %w", err)
	}
	return nil
}
