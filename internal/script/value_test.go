package script

import (
	"math"
	"testing"
)

func TestCoerceInt(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
		ok    bool
	}{
		{"int", 42, 42, true},
		{"int64", int64(-7), -7, true},
		{"uint32", uint32(9), 9, true},
		{"integral float64", float64(100), 100, true},
		{"negative integral float64", float64(-3), -3, true},
		{"fractional float64", 1.5, 0, false},
		{"NaN", math.NaN(), 0, false},
		{"uint64 overflow", uint64(math.MaxUint64), 0, false},
		{"string", "5", 0, false},
		{"bool", true, 0, false},
	}
	for _, tt := range tests {
		got, ok := CoerceInt(tt.input)
		if ok != tt.ok {
			t.Errorf("%s: CoerceInt ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("%s: CoerceInt = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestCoerceFloat(t *testing.T) {
	if got, ok := CoerceFloat(1.25); !ok || got != 1.25 {
		t.Errorf("CoerceFloat(1.25) = %v, %v", got, ok)
	}
	if got, ok := CoerceFloat(3); !ok || got != 3.0 {
		t.Errorf("CoerceFloat(3) = %v, %v", got, ok)
	}
	if _, ok := CoerceFloat("1.5"); ok {
		t.Error("CoerceFloat accepted a string")
	}
}
