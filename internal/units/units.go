// Package units provides shared constants and conversions for the units
// reported by the validation tooling. Internally momenta and energies are
// in MeV and lengths in mm.
package units

// Momentum and energy unit constants
const (
	MeV = "mev"
	GeV = "gev"
	TeV = "tev"
)

// Length unit constants
const (
	MM = "mm"
	CM = "cm"
	M  = "m"
)

// ValidUnits contains all valid momentum unit values
var ValidUnits = []string{MeV, GeV, TeV}

// ValidLengthUnits contains all valid length unit values
var ValidLengthUnits = []string{MM, CM, M}

// IsValid checks if the given unit is a valid momentum unit
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// IsValidLength checks if the given unit is a valid length unit
func IsValidLength(unit string) bool {
	for _, validUnit := range ValidLengthUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid momentum units for error messages
func GetValidUnitsString() string {
	return "mev, gev, tev"
}

// ConvertMomentum converts a momentum or energy from MeV to the target units
func ConvertMomentum(valueMeV float64, targetUnits string) float64 {
	switch targetUnits {
	case GeV:
		return valueMeV / 1e3
	case TeV:
		return valueMeV / 1e6
	default:
		return valueMeV
	}
}

// ToMeV converts a momentum or energy in the given units back to MeV
func ToMeV(value float64, fromUnits string) float64 {
	switch fromUnits {
	case GeV:
		return value * 1e3
	case TeV:
		return value * 1e6
	default:
		return value
	}
}

// ConvertLength converts a length from millimetres to the target units
func ConvertLength(valueMM float64, targetUnits string) float64 {
	switch targetUnits {
	case CM:
		return valueMM / 10
	case M:
		return valueMM / 1e3
	default:
		return valueMM
	}
}

// Label returns the display label of a unit
func Label(unit string) string {
	switch unit {
	case MeV:
		return "MeV"
	case GeV:
		return "GeV"
	case TeV:
		return "TeV"
	}
	return unit
}
