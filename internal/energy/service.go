package energy

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"ims/api/internal/logging"
	"ims/api/internal/store"
	"ims/api/internal/util"
)

var log = logging.Component("energy")

type Store interface {
	ListEnergyReadings(ctx context.Context, tenantID string, from, to time.Time, site string) ([]store.EnergyReading, error)
	UpsertEnergyReading(ctx context.Context, item store.EnergyReading) (store.EnergyReading, bool, error)
}

// ImportResult summarises a CSV import.
type ImportResult struct {
	Inserted int        `json:"inserted"`
	Updated  int        `json:"updated"`
	Errors   []RowError `json:"errors"`
}

type Service struct {
	store    Store
	emission map[string]float64
}

func NewService(s Store, emission map[string]float64) *Service {
	return &Service{store: s, emission: emission}
}

// Dashboard loads the year and the one before it and aggregates them.
func (s *Service) Dashboard(ctx context.Context, tenantID string, year int, site string) (Dashboard, error) {
	from, to := YearRange(year)
	current, err := s.store.ListEnergyReadings(ctx, tenantID, from, to, site)
	if err != nil {
		return Dashboard{}, err
	}
	prevFrom, prevTo := YearRange(year - 1)
	previous, err := s.store.ListEnergyReadings(ctx, tenantID, prevFrom, prevTo, site)
	if err != nil {
		return Dashboard{}, err
	}
	return BuildDashboard(year, site, current, previous, s.emission), nil
}

// Import upserts every valid CSV row. Rows that fail to parse or store are
// reported in the result; only an unreadable header fails the call.
func (s *Service) Import(ctx context.Context, tenantID string, r io.Reader) (ImportResult, error) {
	rows, rowErrors, err := ParseCSV(r)
	if err != nil {
		return ImportResult{}, err
	}
	result := ImportResult{Errors: rowErrors}
	for _, row := range rows {
		reading := row.Reading
		reading.ID = util.NewID("nrg")
		reading.TenantID = tenantID
		_, inserted, err := s.store.UpsertEnergyReading(ctx, reading)
		if err != nil {
			log.WithError(err).WithField("tenant", tenantID).Warn("energy import row failed")
			result.Errors = append(result.Errors, RowError{
				Line:    row.Line,
				Message: fmt.Sprintf("store %s %s %s: %v", reading.Site, reading.Source, reading.Period.Format("2006-01"), err),
			})
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	log.WithFields(logrus.Fields{
		"tenant":   tenantID,
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"errors":   len(result.Errors),
	}).Info("energy import finished")
	return result, nil
}
