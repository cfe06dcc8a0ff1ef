package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const energyColumns = `id, tenant_id, site, source, period, quantity, unit, cost, notes, created_at, updated_at`

func scanEnergyReading(row interface{ Scan(...any) error }) (EnergyReading, error) {
	var item EnergyReading
	err := row.Scan(&item.ID, &item.TenantID, &item.Site, &item.Source, &item.Period, &item.Quantity, &item.Unit, &item.Cost, &item.Notes, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return EnergyReading{}, err
	}
	return item, nil
}

// InsertEnergyReading fails with a unique violation when a reading for the
// same site, source and month exists.
func (s *PostgresStore) InsertEnergyReading(ctx context.Context, item EnergyReading) (EnergyReading, error) {
	created, err := scanEnergyReading(s.db.QueryRowContext(ctx, `
		INSERT INTO energy_readings (id, tenant_id, site, source, period, quantity, unit, cost, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+energyColumns,
		item.ID, item.TenantID, item.Site, item.Source, item.Period, item.Quantity, item.Unit, item.Cost, item.Notes))
	if err != nil {
		return EnergyReading{}, fmt.Errorf("insert energy reading: %w", err)
	}
	return created, nil
}

// UpsertEnergyReading replaces the reading for the same site, source and
// month. It reports whether a new row was created.
func (s *PostgresStore) UpsertEnergyReading(ctx context.Context, item EnergyReading) (EnergyReading, bool, error) {
	var inserted bool
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO energy_readings (id, tenant_id, site, source, period, quantity, unit, cost, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, site, source, period) DO UPDATE
		SET quantity=EXCLUDED.quantity, unit=EXCLUDED.unit, cost=EXCLUDED.cost, notes=EXCLUDED.notes, updated_at=NOW()
		RETURNING `+energyColumns+`, (xmax = 0)`,
		item.ID, item.TenantID, item.Site, item.Source, item.Period, item.Quantity, item.Unit, item.Cost, item.Notes)
	saved, err := scanEnergyReading(scanFunc(func(dest ...any) error {
		return row.Scan(append(dest, &inserted)...)
	}))
	if err != nil {
		return EnergyReading{}, false, fmt.Errorf("upsert energy reading: %w", err)
	}
	return saved, inserted, nil
}

func (s *PostgresStore) GetEnergyReading(ctx context.Context, tenantID, id string) (EnergyReading, error) {
	return scanEnergyReading(s.db.QueryRowContext(ctx, `
		SELECT `+energyColumns+` FROM energy_readings WHERE tenant_id=$1 AND id=$2
	`, tenantID, id))
}

func (s *PostgresStore) UpdateEnergyReading(ctx context.Context, item EnergyReading) (EnergyReading, error) {
	return scanEnergyReading(s.db.QueryRowContext(ctx, `
		UPDATE energy_readings
		SET site=$3, source=$4, period=$5, quantity=$6, unit=$7, cost=$8, notes=$9, updated_at=NOW()
		WHERE tenant_id=$1 AND id=$2
		RETURNING `+energyColumns,
		item.TenantID, item.ID, item.Site, item.Source, item.Period, item.Quantity, item.Unit, item.Cost, item.Notes))
}

func (s *PostgresStore) DeleteEnergyReading(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM energy_readings WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete energy reading: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListEnergyReadings returns readings with from <= period < to, optionally
// for one site.
func (s *PostgresStore) ListEnergyReadings(ctx context.Context, tenantID string, from, to time.Time, site string) ([]EnergyReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+energyColumns+`
		FROM energy_readings
		WHERE tenant_id=$1 AND period >= $2 AND period < $3 AND ($4='' OR site=$4)
		ORDER BY period ASC, site ASC, source ASC
	`, tenantID, from, to, site)
	if err != nil {
		return nil, fmt.Errorf("list energy readings: %w", err)
	}
	defer rows.Close()

	items := make([]EnergyReading, 0)
	for rows.Next() {
		item, err := scanEnergyReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scan energy reading: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate energy readings: %w", err)
	}
	return items, nil
}
