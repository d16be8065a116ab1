package packaging

import (
	"math"
	"testing"

	"github.com/drfirst/go-rxcalc/internal/catalog"
)

func pkg(ndc string, size float64, status catalog.Status) catalog.PackageInfo {
	return catalog.PackageInfo{
		ProductNDC:  "0000-0000",
		PackageNDC:  ndc,
		Description: "bottle",
		Size:        size,
		Status:      status,
	}
}

func bottles(sizes ...float64) []catalog.PackageInfo {
	out := make([]catalog.PackageInfo, 0, len(sizes))
	for i, s := range sizes {
		out = append(out, pkg(string(rune('a'+i))+"-ndc", s, catalog.StatusActive))
	}
	return out
}

// Quantities 60 and 45 against a catalog without a 30-count bottle pick the
// 100-count bottle. With a 30-count bottle in the catalog, least waste picks
// 2 x 30 for 60, not the single 100.
func TestOptimizeScenarioQuantity60WithoutThirtyPicks100(t *testing.T) {
	res := Optimize(60, bottles(100, 500))
	if !res.Succeeded {
		t.Fatalf("expected success, got %s: %s", res.FailureKind, res.ErrorMessage)
	}
	if len(res.OptimalCombination) != 1 {
		t.Fatalf("expected one package in combination, got %d", len(res.OptimalCombination))
	}
	best := res.OptimalCombination[0]
	if best.PackageSize != 100 || best.PackagesRequired != 1 {
		t.Errorf("expected 1 x 100, got %d x %v", best.PackagesRequired, best.PackageSize)
	}
	if res.Waste != 40 {
		t.Errorf("expected waste 40, got %v", res.Waste)
	}
}

func TestOptimizeScenarioQuantity45WithoutThirtyWastes55(t *testing.T) {
	res := Optimize(45, bottles(100, 500))
	if !res.Succeeded {
		t.Fatalf("expected success: %s", res.ErrorMessage)
	}
	if got := res.OptimalCombination[0].PackageSize; got != 100 {
		t.Errorf("expected size 100, got %v", got)
	}
	if res.Waste != 55 {
		t.Errorf("expected waste 55, got %v", res.Waste)
	}
	if res.TotalPackages != 1 {
		t.Errorf("expected 1 package, got %d", res.TotalPackages)
	}
	if res.TotalQuantity != 45 {
		t.Errorf("expected total quantity 45, got %v", res.TotalQuantity)
	}
}

func TestOptimizeScenarioCatalogWithThirtyPicksTwoThirtiesOver100(t *testing.T) {
	res := Optimize(60, bottles(100, 30, 500))
	best := res.OptimalCombination[0]
	if best.PackageSize != 30 || best.PackagesRequired != 2 {
		t.Errorf("expected 2 x 30, got %d x %v", best.PackagesRequired, best.PackageSize)
	}
	if res.Waste != 0 || best.Efficiency != 0 {
		t.Errorf("expected perfect fit, got waste %v efficiency %v", res.Waste, best.Efficiency)
	}
}

func TestOptimizeTinyRatiosNeedOnePackage(t *testing.T) {
	tests := []struct {
		name     string
		quantity float64
		size     float64
	}{
		{"unit quantity huge package", 1, 5e9},
		{"tiny quantity", 1e-10, 100},
	}
	for _, tt := range tests {
		res := Optimize(tt.quantity, bottles(tt.size))
		if !res.Succeeded {
			t.Fatalf("%s: expected success, got %s", tt.name, res.FailureKind)
		}
		best := res.OptimalCombination[0]
		want := int(math.Max(1, math.Round(tt.quantity/tt.size)))
		if best.PackagesRequired != want || res.TotalPackages != want {
			t.Errorf("%s: packages required %d total %d, want %d", tt.name, best.PackagesRequired, res.TotalPackages, want)
		}
		if best.Efficiency < 0 || res.Waste < 0 {
			t.Errorf("%s: negative efficiency %v or waste %v", tt.name, best.Efficiency, res.Waste)
		}
	}
}

func TestOptimizeExactFit(t *testing.T) {
	for _, q := range []float64{7, 28, 90} {
		res := Optimize(q, bottles(500, q, 1000))
		if !res.Succeeded {
			t.Fatalf("quantity %v: expected success", q)
		}
		best := res.OptimalCombination[0]
		if best.Efficiency != 0 || res.Waste != 0 {
			t.Errorf("quantity %v: expected exact fit, got efficiency %v waste %v", q, best.Efficiency, res.Waste)
		}
	}
}

func TestOptimizeCandidatesSortedAscending(t *testing.T) {
	res := Optimize(45, bottles(500, 100, 30, 50))
	if len(res.Candidates) != 4 {
		t.Fatalf("expected 4 candidates, got %d", len(res.Candidates))
	}
	for i := 1; i < len(res.Candidates); i++ {
		if res.Candidates[i-1].Efficiency > res.Candidates[i].Efficiency {
			t.Errorf("candidates not sorted at %d: %v > %v", i, res.Candidates[i-1].Efficiency, res.Candidates[i].Efficiency)
		}
	}
	for _, c := range res.Candidates {
		want := math.Ceil(45 / c.PackageSize)
		if float64(c.PackagesRequired) != want {
			t.Errorf("size %v: packages required %d, want %v", c.PackageSize, c.PackagesRequired, want)
		}
		if c.QuantityNeeded != 45 {
			t.Errorf("size %v: quantity needed %v", c.PackageSize, c.QuantityNeeded)
		}
	}
}

func TestOptimizeTiesKeepInputOrder(t *testing.T) {
	catalogPkgs := []catalog.PackageInfo{
		pkg("first", 30, catalog.StatusActive),
		pkg("second", 30, catalog.StatusActive),
	}
	for i := 0; i < 5; i++ {
		res := Optimize(30, catalogPkgs)
		if got := res.OptimalCombination[0].PackageNDC; got != "first" {
			t.Fatalf("expected first package to win tie, got %s", got)
		}
	}
}

func TestOptimizeFiltersInactive(t *testing.T) {
	catalogPkgs := []catalog.PackageInfo{
		pkg("inactive-exact", 60, catalog.StatusInactive),
		pkg("active", 100, catalog.StatusActive),
	}
	res := Optimize(60, catalogPkgs)
	if !res.Succeeded {
		t.Fatalf("expected success: %s", res.ErrorMessage)
	}
	for _, c := range res.Candidates {
		if c.Status != string(catalog.StatusActive) {
			t.Errorf("inactive package %s leaked into candidates", c.PackageNDC)
		}
	}
	if res.OptimalCombination[0].PackageNDC != "active" {
		t.Errorf("expected active package, got %s", res.OptimalCombination[0].PackageNDC)
	}
}

func TestOptimizeFailureKinds(t *testing.T) {
	tests := []struct {
		name     string
		quantity float64
		pkgs     []catalog.PackageInfo
		want     FailureKind
	}{
		{"zero quantity", 0, bottles(30), FailureInvalidQuantity},
		{"negative quantity", -1, bottles(30), FailureInvalidQuantity},
		{"nan quantity", math.NaN(), bottles(30), FailureInvalidQuantity},
		{"infinite quantity", math.Inf(1), bottles(30), FailureInvalidQuantity},
		{"empty catalog", 60, nil, FailureNoNDCData},
		{"only inactive", 60, []catalog.PackageInfo{
			pkg("a", 100, catalog.StatusInactive),
			pkg("b", 30, catalog.StatusInactive),
		}, FailureNoActiveNDCsAvailable},
		{"active but malformed", 60, []catalog.PackageInfo{
			pkg("", 100, catalog.StatusActive),
			pkg("b", 0, catalog.StatusActive),
			pkg("c", math.Inf(1), catalog.StatusActive),
			pkg("d", 100, catalog.StatusInactive),
		}, FailureNoValidActiveNDCs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Optimize(tt.quantity, tt.pkgs)
			if res.Succeeded {
				t.Fatal("expected failure")
			}
			if res.FailureKind != tt.want {
				t.Errorf("failure kind = %s, want %s", res.FailureKind, tt.want)
			}
			if res.ErrorMessage == "" {
				t.Error("expected an error message")
			}
			if len(res.OptimalCombination) != 0 {
				t.Error("expected empty combination on failure")
			}
		})
	}
}

func TestOptimizeMonotonicTotalPackages(t *testing.T) {
	catalogPkgs := bottles(30)
	prev := 0
	for q := 1.0; q <= 200; q++ {
		res := Optimize(q, catalogPkgs)
		if res.TotalPackages < prev {
			t.Fatalf("total packages decreased at %v: %d < %d", q, res.TotalPackages, prev)
		}
		prev = res.TotalPackages
	}
}

type panickySelector struct{}

func (panickySelector) SelectCombination([]Candidate, float64) []Candidate {
	panic("selector exploded")
}

func TestOptimizeRecoversFromSelectorPanic(t *testing.T) {
	res := NewOptimizer(panickySelector{}).Optimize(60, bottles(30))
	if res.Succeeded {
		t.Fatal("expected failure")
	}
	if res.FailureKind != FailureInternal || res.ErrorMessage != "selector exploded" {
		t.Errorf("unexpected failure: %s %q", res.FailureKind, res.ErrorMessage)
	}
}

type emptySelector struct{}

func (emptySelector) SelectCombination([]Candidate, float64) []Candidate { return nil }

func TestOptimizeEmptySelection(t *testing.T) {
	res := NewOptimizer(emptySelector{}).Optimize(60, bottles(30))
	if res.Succeeded {
		t.Fatal("expected failure when selector picks nothing")
	}
}
