// Package units provides shared constants, validation and conversion for pump
// flow rate units.
package units

import (
	"fmt"
	"strings"
)

// Rate unit constants
const (
	MLPerMin = "ml/min"
	ULPerMin = "ul/min"
	MLPerH   = "ml/h"
	ULPerH   = "ul/h"
)

// ValidRateUnits contains all valid rate unit values
var ValidRateUnits = []string{MLPerMin, ULPerMin, MLPerH, ULPerH}

// mlPerMinFactor is how many ml/min one unit of each rate represents.
var mlPerMinFactor = map[string]float64{
	MLPerMin: 1,
	ULPerMin: 1e-3,
	MLPerH:   1.0 / 60,
	ULPerH:   1e-3 / 60,
}

// IsValidRate checks if the given unit is a known rate unit
func IsValidRate(unit string) bool {
	_, ok := mlPerMinFactor[unit]
	return ok
}

// GetValidRateUnitsString returns a comma-separated list of valid rate units for error messages
func GetValidRateUnitsString() string {
	return strings.Join(ValidRateUnits, ", ")
}

// ConvertRate converts value from one rate unit to another.
func ConvertRate(value float64, from, to string) (float64, error) {
	src, ok := mlPerMinFactor[from]
	if !ok {
		return 0, fmt.Errorf("unknown rate unit %q: expected one of %s", from, GetValidRateUnitsString())
	}
	dst, ok := mlPerMinFactor[to]
	if !ok {
		return 0, fmt.Errorf("unknown rate unit %q: expected one of %s", to, GetValidRateUnitsString())
	}
	if from == to {
		return value, nil
	}
	return value * src / dst, nil
}
