package units

import (
	"math"
	"testing"
)

func TestConvertMomentum(t *testing.T) {
	tests := []struct {
		name     string
		valueMeV float64
		units    string
		expected float64
	}{
		{"20 GeV muon", 20000, GeV, 20},
		{"mev no conversion", 105.66, MeV, 105.66},
		{"tev", 2.5e6, TeV, 2.5},
		{"unknown units default to mev", 1500, "unknown", 1500},
		{"zero", 0, GeV, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertMomentum(tt.valueMeV, tt.units)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("ConvertMomentum(%f, %s) = %f, want %f", tt.valueMeV, tt.units, result, tt.expected)
			}
			if tt.units == MeV || tt.units == GeV || tt.units == TeV {
				if back := ToMeV(result, tt.units); math.Abs(back-tt.valueMeV) > 1e-9 {
					t.Errorf("ToMeV(%f, %s) = %f, want %f", result, tt.units, back, tt.valueMeV)
				}
			}
		})
	}
}

func TestConvertLength(t *testing.T) {
	tests := []struct {
		name     string
		valueMM  float64
		units    string
		expected float64
	}{
		{"mm", 1500, MM, 1500},
		{"cm", 1500, CM, 150},
		{"m", 1500, M, 1.5},
		{"unknown", 7, "furlong", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertLength(tt.valueMM, tt.units)
			if math.Abs(result-tt.expected) > 1e-12 {
				t.Errorf("ConvertLength(%f, %s) = %f, want %f", tt.valueMM, tt.units, result, tt.expected)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid mev", MeV, true},
		{"valid gev", GeV, true},
		{"valid tev", TeV, true},
		{"length is not momentum", MM, false},
		{"empty string", "", false},
		{"case sensitive", "GeV", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsValid(tt.unit); result != tt.expected {
				t.Errorf("IsValid(%s) = %v, want %v", tt.unit, result, tt.expected)
			}
		})
	}
	if !IsValidLength(CM) || IsValidLength(GeV) {
		t.Errorf("IsValidLength mismatch")
	}
}

func TestLabelsAndValidString(t *testing.T) {
	if got := GetValidUnitsString(); got != "mev, gev, tev" {
		t.Errorf("GetValidUnitsString() = %s", got)
	}
	if got := Label(GeV); got != "GeV" {
		t.Errorf("Label(gev) = %s, want GeV", got)
	}
	if got := Label(CM); got != "cm" {
		t.Errorf("Label(cm) = %s, want cm", got)
	}
}
