package energy

import (
	"fmt"
	"math"
	"time"

	"ims/api/internal/store"
)

// SourceSeries holds one source's figures for the year.
type SourceSeries struct {
	Source        string    `json:"source"`
	Unit          string    `json:"unit"`
	Monthly       []float64 `json:"monthly"`
	Total         float64   `json:"total"`
	Cost          float64   `json:"cost"`
	CO2eKg        float64   `json:"co2eKg"`
	PreviousTotal float64   `json:"previousTotal"`
	ChangePct     *float64  `json:"changePct"`
}

// Dashboard is the chart-ready summary of a year of readings.
type Dashboard struct {
	Year             int            `json:"year"`
	Site             string         `json:"site,omitempty"`
	Months           []string       `json:"months"`
	Series           []SourceSeries `json:"series"`
	MonthlyKWh       []float64      `json:"monthlyKwh"`
	TotalKWh         float64        `json:"totalKwh"`
	TotalCost        float64        `json:"totalCost"`
	TotalCO2eKg      float64        `json:"totalCo2eKg"`
	PreviousTotalKWh float64        `json:"previousTotalKwh"`
	ChangePct        *float64       `json:"changePct"`
	Skipped          int            `json:"skipped"`
}

// BuildDashboard aggregates current-year readings and compares them with
// the previous year. Water is reported in m3 and kept out of the kWh
// totals. Readings with an unusable unit are counted in Skipped.
func BuildDashboard(year int, site string, current, previous []store.EnergyReading, emission map[string]float64) Dashboard {
	d := Dashboard{
		Year:       year,
		Site:       site,
		Months:     make([]string, 12),
		MonthlyKWh: make([]float64, 12),
	}
	for m := 0; m < 12; m++ {
		d.Months[m] = fmt.Sprintf("%04d-%02d", year, m+1)
	}

	bySource := make(map[string]*SourceSeries, len(factors))
	for _, source := range Sources() {
		bySource[source] = &SourceSeries{
			Source:  source,
			Unit:    BaseUnit(source),
			Monthly: make([]float64, 12),
		}
	}

	for _, r := range current {
		series, ok := bySource[r.Source]
		if !ok || r.Period.Year() != year {
			d.Skipped++
			continue
		}
		value, err := Normalize(r.Source, r.Unit, r.Quantity)
		if err != nil {
			log.WithError(err).WithField("reading", r.ID).Warn("energy reading skipped")
			d.Skipped++
			continue
		}
		month := int(r.Period.Month()) - 1
		series.Monthly[month] += value
		series.Total += value
		series.Cost += r.Cost
		series.CO2eKg += value * emission[r.Source]
		if r.Source != SourceWater {
			d.MonthlyKWh[month] += value
		}
	}

	for _, r := range previous {
		series, ok := bySource[r.Source]
		if !ok {
			continue
		}
		value, err := Normalize(r.Source, r.Unit, r.Quantity)
		if err != nil {
			continue
		}
		series.PreviousTotal += value
		if r.Source != SourceWater {
			d.PreviousTotalKWh += value
		}
	}

	for _, source := range Sources() {
		series := bySource[source]
		series.Total = round(series.Total)
		series.Cost = round(series.Cost)
		series.CO2eKg = round(series.CO2eKg)
		series.PreviousTotal = round(series.PreviousTotal)
		series.ChangePct = changePct(series.PreviousTotal, series.Total)
		for m := range series.Monthly {
			series.Monthly[m] = round(series.Monthly[m])
		}
		if source != SourceWater {
			d.TotalKWh += series.Total
		}
		d.TotalCost += series.Cost
		d.TotalCO2eKg += series.CO2eKg
		d.Series = append(d.Series, *series)
	}
	for m := range d.MonthlyKWh {
		d.MonthlyKWh[m] = round(d.MonthlyKWh[m])
	}
	d.TotalKWh = round(d.TotalKWh)
	d.TotalCost = round(d.TotalCost)
	d.TotalCO2eKg = round(d.TotalCO2eKg)
	d.PreviousTotalKWh = round(d.PreviousTotalKWh)
	d.ChangePct = changePct(d.PreviousTotalKWh, d.TotalKWh)
	return d
}

// YearRange returns [1 Jan year, 1 Jan year+1) in UTC.
func YearRange(year int) (time.Time, time.Time) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(1, 0, 0)
}

// changePct is nil when there is nothing to compare against.
func changePct(previous, current float64) *float64 {
	if previous == 0 {
		return nil
	}
	pct := round((current - previous) / previous * 100)
	return &pct
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
