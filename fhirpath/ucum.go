package fhirpath

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/iimos/ucum"
)

// calendarUnitToUCUM maps the bare calendar-duration keywords FHIRPath allows
// in Quantity literals (5 years, 3 'days') onto their UCUM codes, so that a
// calendar duration and a definite UCUM duration of the same magnitude
// canonicalize to one comparable unit string.
var calendarUnitToUCUM = map[string]string{
	UnitYear: "a", UnitYears: "a",
	UnitMonth: "mo", UnitMonths: "mo",
	UnitWeek: "wk", UnitWeeks: "wk",
	UnitDay: "d", UnitDays: "d",
	UnitHour: "h", UnitHours: "h",
	UnitMinute: "min", UnitMinutes: "min",
	UnitSecond: "s", UnitSeconds: "s", UnitS: "s",
	UnitMillisecond: "ms", UnitMilliseconds: "ms", UnitMs: "ms",
}

// ucumToDisplay is the inverse of calendarUnitToUCUM, used only to render a
// Quantity's canonical unit back out as the bare calendar word FHIRPath test
// expectations show for them (`5 years` rather than `5 'a'`), when the
// quantity unit is in fact a calendar literal.
var ucumToDisplay = map[string]string{
	"a": UnitYear, "mo": UnitMonth, "wk": UnitWeek, "d": UnitDay,
	"h": UnitHour, "min": UnitMinute, "s": UnitSecond, "ms": UnitMillisecond,
}

// baseUnitFactors gives each UCUM unit's scale against the base unit of its
// dimension, expressed as a rational pair (numerator/denominator) so the
// conversion stays exact in apd's arbitrary precision arithmetic.
//
// iimos/ucum parses and validates unit syntax (canonicalUCUMUnit below) but
// does not itself expose a conversion-factor API, so the scaling table here
// is self-contained; see DESIGN.md for the reasoning. Only the units
// FHIRPath's calendar durations and common clinical quantities need are
// listed; unknown units are only comparable to themselves.
type unitFactor struct {
	dimension string
	num, den  int64
}

var baseUnitFactors = map[string]unitFactor{
	// time, base = second
	"s": {"time", 1, 1}, "ms": {"time", 1, 1000}, "min": {"time", 60, 1},
	"h": {"time", 3600, 1}, "d": {"time", 86400, 1}, "wk": {"time", 604800, 1},
	// mo/a are not fixed-length and never auto-convert against d/h/s/etc.,
	// see calendarEqualityRestricted in types.go.
	"mo": {"time-calendar", 1, 1}, "a": {"time-calendar", 1, 1},

	// mass, base = gram
	"g": {"mass", 1, 1}, "mg": {"mass", 1, 1000}, "kg": {"mass", 1000, 1},
	"ug": {"mass", 1, 1000000},

	// length, base = meter
	"m": {"length", 1, 1}, "cm": {"length", 1, 100}, "mm": {"length", 1, 1000},
	"km": {"length", 1000, 1},

	// volume, base = liter
	"L": {"volume", 1, 1}, "l": {"volume", 1, 1}, "mL": {"volume", 1, 1000}, "ml": {"volume", 1, 1000},

	// dimensionless
	"1": {"dimensionless", 1, 1}, "%": {"dimensionless", 1, 100},
}

// canonicalUCUMUnit normalizes a FHIRPath quantity unit string to the form
// used for comparison: bare calendar keywords map to UCUM codes, quoted UCUM
// unit expressions are validated (falling back to the literal text if
// ucum.Parse rejects it, since FHIRPath must still compare unknown-but-equal
// unit strings) and "1"/"" both mean dimensionless.
func canonicalUCUMUnit(unit string) string {
	unit = strings.Trim(unit, "'")
	if unit == "" {
		return "1"
	}
	if code, ok := calendarUnitToUCUM[strings.ToLower(unit)]; ok {
		return code
	}
	if _, err := ucum.Parse(unit); err == nil {
		return unit
	}
	return unit
}

// displayQuantityUnit renders a canonical unit for String()/toString(): a
// canonical calendar code is shown as the word form FHIRPath literals use.
func displayQuantityUnit(unit String) string {
	u := string(unit)
	if word, ok := ucumToDisplay[u]; ok {
		return word
	}
	return u
}

// convertDecimalUnit converts value (expressed in fromUnit) into toUnit.
// It returns an error if the two units are not both known and of the same
// dimension, which the caller treats as "incomparable" per FHIRPath Quantity
// semantics rather than a hard evaluation error.
func convertDecimalUnit(ctx context.Context, value *apd.Decimal, fromUnit, toUnit string) (*apd.Decimal, error) {
	if fromUnit == toUnit {
		return value, nil
	}

	from, ok := baseUnitFactors[fromUnit]
	if !ok {
		return nil, fmt.Errorf("unknown or non-convertible unit %q", fromUnit)
	}
	to, ok := baseUnitFactors[toUnit]
	if !ok {
		return nil, fmt.Errorf("unknown or non-convertible unit %q", toUnit)
	}
	if from.dimension != to.dimension || strings.HasSuffix(from.dimension, "-calendar") {
		return nil, fmt.Errorf("incompatible units %q and %q", fromUnit, toUnit)
	}

	apdCtx := apdContext(ctx)
	var baseValue, result apd.Decimal
	if _, err := apdCtx.Quo(&baseValue, value, apd.New(from.den, 0)); err != nil {
		return nil, err
	}
	if _, err := apdCtx.Mul(&baseValue, &baseValue, apd.New(from.num, 0)); err != nil {
		return nil, err
	}
	if _, err := apdCtx.Mul(&result, &baseValue, apd.New(to.den, 0)); err != nil {
		return nil, err
	}
	if _, err := apdCtx.Quo(&result, &result, apd.New(to.num, 0)); err != nil {
		return nil, err
	}
	return &result, nil
}
