package energy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"ims/api/internal/store"
)

var requiredColumns = []string{"site", "source", "period", "quantity", "unit"}

// Row is one parsed CSV line.
type Row struct {
	Line    int
	Reading store.EnergyReading
}

// RowError reports one rejected CSV line. The header is line 1.
type RowError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// ParseCSV reads site,source,period,quantity,unit[,cost][,notes] rows.
// Columns are matched by header name. A malformed header fails the whole
// file; bad rows are reported and skipped.
func ParseCSV(r io.Reader) ([]Row, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("csv is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, column := range requiredColumns {
		if _, ok := index[column]; !ok {
			return nil, nil, fmt.Errorf("csv header missing column %q", column)
		}
	}

	rows := make([]Row, 0)
	rowErrors := make([]RowError, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			line := 0
			if errors.As(err, &parseErr) {
				line = parseErr.StartLine
			}
			rowErrors = append(rowErrors, RowError{Line: line, Message: err.Error()})
			continue
		}
		line, _ := reader.FieldPos(0)
		if blank(record) {
			continue
		}
		get := func(column string) string {
			i, ok := index[column]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		reading, err := parseRow(get)
		if err != nil {
			rowErrors = append(rowErrors, RowError{Line: line, Message: err.Error()})
			continue
		}
		rows = append(rows, Row{Line: line, Reading: reading})
	}
	return rows, rowErrors, nil
}

func parseRow(get func(string) string) (store.EnergyReading, error) {
	reading := store.EnergyReading{
		Site:   get("site"),
		Source: NormalizeSource(get("source")),
		Unit:   NormalizeUnit(get("unit")),
		Notes:  get("notes"),
	}
	period, err := ParsePeriod(get("period"))
	if err != nil {
		return store.EnergyReading{}, err
	}
	reading.Period = period

	quantity, err := strconv.ParseFloat(get("quantity"), 64)
	if err != nil {
		return store.EnergyReading{}, fmt.Errorf("quantity %q is not a number", get("quantity"))
	}
	reading.Quantity = quantity

	if raw := get("cost"); raw != "" {
		cost, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return store.EnergyReading{}, fmt.Errorf("cost %q is not a number", raw)
		}
		reading.Cost = cost
	}
	if err := Validate(reading); err != nil {
		return store.EnergyReading{}, err
	}
	return reading, nil
}

// ParsePeriod accepts YYYY-MM and YYYY-MM-DD and returns the first of the
// month in UTC.
func ParsePeriod(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{"2006-01", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("period %q must be YYYY-MM", value)
}

// Validate checks a reading's site, source, unit and amounts.
func Validate(r store.EnergyReading) error {
	if strings.TrimSpace(r.Site) == "" {
		return fmt.Errorf("site is required")
	}
	if !ValidSource(r.Source) {
		return fmt.Errorf("source %q must be one of %s", r.Source, strings.Join(Sources(), ", "))
	}
	if !finite(r.Quantity) {
		return fmt.Errorf("quantity must be a finite number")
	}
	if !finite(r.Cost) {
		return fmt.Errorf("cost must be a finite number")
	}
	if _, err := Normalize(r.Source, r.Unit, r.Quantity); err != nil {
		return err
	}
	if r.Quantity < 0 {
		return fmt.Errorf("quantity must not be negative")
	}
	if r.Cost < 0 {
		return fmt.Errorf("cost must not be negative")
	}
	if r.Period.IsZero() {
		return fmt.Errorf("period is required")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func blank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
