package sizing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ds(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = d(s)
	}
	return out
}

func equalAll(a, b []decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func TestFloorToDigits(t *testing.T) {
	tests := []struct {
		in     string
		digits int32
		want   string
	}{
		{"1.239", 2, "1.23"},
		{"-1.239", 2, "-1.23"},
		{"5", 3, "5"},
		{"0.0009", 3, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := FloorToDigits(d(tt.in), tt.digits); !got.Equal(d(tt.want)) {
				t.Fatalf("FloorToDigits(%s, %d) = %s, want %s", tt.in, tt.digits, got, tt.want)
			}
		})
	}
}

func TestSplitTakeProfitVolumes(t *testing.T) {
	tests := []struct {
		name      string
		volume    string
		precision int32
		legs      int
		want      []decimal.Decimal
	}{
		{"remainder to first leg", "100", 0, 3, ds("34", "33", "33")},
		{"fractional precision", "1", 2, 3, ds("0.34", "0.33", "0.33")},
		{"large remainder", "10", 0, 4, ds("4", "2", "2", "2")},
		{"single leg", "7.5", 1, 1, ds("7.5")},
		{"even split", "9", 0, 3, ds("3", "3", "3")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitTakeProfitVolumes(d(tt.volume), tt.precision, tt.legs)
			if !equalAll(got, tt.want) {
				t.Fatalf("SplitTakeProfitVolumes = %v, want %v", got, tt.want)
			}
			sum := decimal.Zero
			for i, v := range got {
				sum = sum.Add(v)
				if i > 0 && v.GreaterThan(got[i-1]) {
					t.Fatalf("legs not sorted descending: %v", got)
				}
			}
			if !sum.Equal(d(tt.volume)) {
				t.Fatalf("legs sum to %s, want %s", sum, tt.volume)
			}
		})
	}

	if got := SplitTakeProfitVolumes(d("10"), 0, 0); got != nil {
		t.Fatalf("zero legs = %v, want nil", got)
	}
}

func TestVolumeAndMargin(t *testing.T) {
	base := VolumeInput{
		Deposit:           d("1000"),
		RiskPercent:       d("1"),
		Entry:             d("100"),
		Stop:              d("95"),
		AvailableMargin:   d("1000"),
		Leverage:          10,
		QuantityPrecision: 3,
	}

	t.Run("risk bound", func(t *testing.T) {
		vol, margin, err := VolumeAndMargin(base)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !vol.Equal(d("2")) || !margin.Equal(d("20")) {
			t.Fatalf("got volume=%s margin=%s, want 2 and 20", vol, margin)
		}
	})

	t.Run("margin bound", func(t *testing.T) {
		in := base
		in.AvailableMargin = d("10")
		vol, margin, err := VolumeAndMargin(in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !vol.Equal(d("1")) || !margin.Equal(d("10")) {
			t.Fatalf("got volume=%s margin=%s, want 1 and 10", vol, margin)
		}
	})

	t.Run("short side", func(t *testing.T) {
		in := base
		in.Entry, in.Stop = d("95"), d("100")
		vol, _, err := VolumeAndMargin(in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !vol.Equal(d("2")) {
			t.Fatalf("volume = %s, want 2", vol)
		}
	})

	t.Run("zero distance", func(t *testing.T) {
		in := base
		in.Stop = in.Entry
		if _, _, err := VolumeAndMargin(in); !errors.Is(err, ErrZeroStopDistance) {
			t.Fatalf("err = %v, want ErrZeroStopDistance", err)
		}
	})
}

func TestPotentialLossAndProfit(t *testing.T) {
	loss, profit := PotentialLossAndProfit(d("100"), d("95"), ds("110", "120"), d("10"), 0)
	if !loss.Equal(d("50")) {
		t.Fatalf("loss = %s, want 50", loss)
	}
	if !profit.Equal(d("150")) {
		t.Fatalf("profit = %s, want 150", profit)
	}

	// Largest leg goes to the first target.
	_, profit = PotentialLossAndProfit(d("100"), d("95"), ds("110", "120", "130"), d("100"), 0)
	// 34*110 + 33*120 + 33*130 = 11990, exit 119.9.
	if !profit.Equal(d("1990")) {
		t.Fatalf("profit = %s, want 1990", profit)
	}

	loss, profit = PotentialLossAndProfit(d("1.2345"), d("1.2"), nil, d("3"), 0)
	if !loss.Equal(d("0.10")) || !profit.IsZero() {
		t.Fatalf("got loss=%s profit=%s, want 0.10 and 0", loss, profit)
	}
}

func TestMarginAndRiskPercent(t *testing.T) {
	if got := Margin(d("3.333"), d("3"), 2); !got.Equal(d("5")) {
		t.Fatalf("Margin = %s, want 5", got)
	}
	if got := Margin(d("1"), d("1"), 0); !got.IsZero() {
		t.Fatalf("Margin with zero leverage = %s, want 0", got)
	}
	if got := RiskPercent(d("50"), d("1000")); !got.Equal(d("5")) {
		t.Fatalf("RiskPercent = %s, want 5", got)
	}
}
