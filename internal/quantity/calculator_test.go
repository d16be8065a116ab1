package quantity

import (
	"fmt"
	"math"
	"testing"
)

func TestComputeScenarios(t *testing.T) {
	tests := []struct {
		name     string
		sig      string
		days     int
		wantQty  int
		wantUnit string
	}{
		{"twice daily tablet", "Take 1 tablet by mouth twice daily", 30, 60, "tablet"},
		{"prn discount", "Take 1 tablet by mouth twice daily as needed", 30, 50, "tablet"},
		{"capsules tid", "Take 2 capsules by mouth three times daily", 14, 84, "capsule"},
		{"half tablet", "Take 0.5 tablet by mouth once daily", 7, 4, "tablet"},
		{"every 8 hours", "Take 1 tablet every 8 hours", 10, 30, "tablet"},
		{"liquid", "Take 5 ml by mouth twice daily", 10, 100, "ml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Compute(tt.sig, tt.days)
			if !res.Succeeded {
				t.Fatalf("expected success, got error %q", res.ErrorMessage)
			}
			if res.TotalQuantity != tt.wantQty {
				t.Errorf("total quantity = %d, want %d", res.TotalQuantity, tt.wantQty)
			}
			if res.Unit != tt.wantUnit {
				t.Errorf("unit = %q, want %q", res.Unit, tt.wantUnit)
			}
			if res.DaysSupply != tt.days {
				t.Errorf("days supply = %d, want %d", res.DaysSupply, tt.days)
			}
		})
	}
}

func TestComputeScheduledProperty(t *testing.T) {
	phrases := map[int]string{
		1: "once daily",
		2: "twice daily",
		3: "three times daily",
		4: "four times daily",
	}
	for amount := 1; amount <= 4; amount++ {
		for freq, phrase := range phrases {
			for _, days := range []int{1, 7, 30, 90} {
				sigText := fmt.Sprintf("Take %d tablets %s", amount, phrase)
				res := Compute(sigText, days)
				want := amount * freq * days
				if res.TotalQuantity != want {
					t.Errorf("%q x %d days: got %d, want %d", sigText, days, res.TotalQuantity, want)
				}
			}
		}
	}
}

func TestComputePRNProperty(t *testing.T) {
	for _, days := range []int{1, 3, 10, 30, 90} {
		res := Compute("Take 2 tablets every 6 hours as needed", days)
		raw := float64(2 * 4 * days)
		want := int(math.Ceil(math.Max(raw*0.7, raw-10)))
		if res.TotalQuantity != want {
			t.Errorf("days %d: got %d, want %d", days, res.TotalQuantity, want)
		}
		if !res.PRNAdjusted {
			t.Errorf("days %d: expected PRN adjustment flag", days)
		}
	}
}

func TestComputeUnparseable(t *testing.T) {
	res := Compute("use as directed", 30)
	if res.Succeeded {
		t.Fatal("expected failure")
	}
	if res.ErrorMessage != ErrUnparseableSig {
		t.Errorf("unexpected error message %q", res.ErrorMessage)
	}
	if res.TotalQuantity != 0 {
		t.Errorf("expected zero quantity, got %d", res.TotalQuantity)
	}
}

func TestComputeNonPositiveDaysSupply(t *testing.T) {
	for _, days := range []int{0, -5} {
		res := Compute("Take 1 tablet twice daily as needed", days)
		if !res.Succeeded {
			t.Errorf("days %d: expected success", days)
		}
		if res.TotalQuantity != 0 {
			t.Errorf("days %d: expected zero quantity, got %d", days, res.TotalQuantity)
		}
	}
}

func TestComputeTinyDoseNeedsOneUnit(t *testing.T) {
	res := Compute("Take 0.00000000001 tablet daily", 30)
	if !res.Succeeded {
		t.Fatalf("expected success, got error %q", res.ErrorMessage)
	}
	if res.TotalQuantity != 1 {
		t.Errorf("total quantity = %d, want 1", res.TotalQuantity)
	}
}

func TestRoundUp(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{-3.5, 0},
		{0.1 * 3 * 10, 3},
		{42.01, 43},
		{59.999, 60},
		{60, 60},
		{3e-10, 1},
		{1e-12, 1},
		{0.4, 1},
		{3.0000000000000004, 3},
		{1e12 + 1e-4, 1e12},
	}
	for _, tt := range tests {
		if got := RoundUp(tt.in); got != tt.want {
			t.Errorf("RoundUp(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
