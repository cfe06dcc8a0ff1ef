// Package energy converts energy readings to kWh, builds the yearly
// dashboard and imports readings from CSV.
package energy

import (
	"fmt"
	"sort"
	"strings"
)

const (
	SourceElectricity = "electricity"
	SourceGas         = "gas"
	SourceDiesel      = "diesel"
	SourceLPG         = "lpg"
	SourceWater       = "water"
)

const (
	UnitKWh    = "kWh"
	UnitMWh    = "MWh"
	UnitM3     = "m3"
	UnitLitres = "litres"
)

// Gas volume to energy: volume correction factor times calorific value
// (MJ/m3) divided by 3.6 MJ/kWh.
const gasKWhPerM3 = 1.02264 * 39.5 / 3.6

// factors maps source to unit to the multiplier giving kWh. Water stays m3.
var factors = map[string]map[string]float64{
	SourceElectricity: {UnitKWh: 1, UnitMWh: 1000},
	SourceGas:         {UnitKWh: 1, UnitMWh: 1000, UnitM3: gasKWhPerM3},
	SourceDiesel:      {UnitKWh: 1, UnitLitres: 10.96},
	SourceLPG:         {UnitKWh: 1, UnitLitres: 7.11},
	SourceWater:       {UnitM3: 1},
}

var unitAliases = map[string]string{
	"kwh":    UnitKWh,
	"mwh":    UnitMWh,
	"m3":     UnitM3,
	"m³":     UnitM3,
	"l":      UnitLitres,
	"litre":  UnitLitres,
	"litres": UnitLitres,
	"liter":  UnitLitres,
	"liters": UnitLitres,
}

// Sources lists the known sources in display order.
func Sources() []string {
	return []string{SourceElectricity, SourceGas, SourceDiesel, SourceLPG, SourceWater}
}

func ValidSource(source string) bool {
	_, ok := factors[source]
	return ok
}

// NormalizeSource lowercases and trims a source name.
func NormalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}

// NormalizeUnit maps spelling variants to the canonical unit names.
func NormalizeUnit(unit string) string {
	key := strings.ToLower(strings.TrimSpace(unit))
	if canonical, ok := unitAliases[key]; ok {
		return canonical
	}
	return strings.TrimSpace(unit)
}

// Units returns the units accepted for a source.
func Units(source string) []string {
	units := make([]string, 0, len(factors[source]))
	for unit := range factors[source] {
		units = append(units, unit)
	}
	sort.Strings(units)
	return units
}

// BaseUnit is the unit dashboard figures for the source are reported in.
func BaseUnit(source string) string {
	if source == SourceWater {
		return UnitM3
	}
	return UnitKWh
}

// Normalize converts quantity to the source's base unit.
func Normalize(source, unit string, quantity float64) (float64, error) {
	byUnit, ok := factors[source]
	if !ok {
		return 0, fmt.Errorf("unknown source %q", source)
	}
	factor, ok := byUnit[NormalizeUnit(unit)]
	if !ok {
		return 0, fmt.Errorf("unit %q is not valid for %s (use %s)", unit, source, strings.Join(Units(source), ", "))
	}
	return quantity * factor, nil
}
