// Package packaging selects the dispensable package that covers a quantity
// with the least overfill.
package packaging

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/drfirst/go-rxcalc/internal/catalog"
)

// FailureKind classifies why an optimization could not produce a package
type FailureKind string

const (
	FailureNone                  FailureKind = ""
	FailureInvalidQuantity       FailureKind = "invalid_quantity"
	FailureNoNDCData             FailureKind = "no_ndc_data"
	FailureNoActiveNDCsAvailable FailureKind = "no_active_ndcs"
	FailureNoValidActiveNDCs     FailureKind = "no_valid_active_ndcs"
	FailureInternal              FailureKind = "internal"
)

var failureMessages = map[FailureKind]string{
	FailureInvalidQuantity:       "quantity needed must be a finite number greater than zero",
	FailureNoNDCData:             "no NDC data supplied for this drug",
	FailureNoActiveNDCsAvailable: "no active NDCs available for this drug",
	FailureNoValidActiveNDCs:     "no valid active NDCs with a usable package size",
}

// ceilTolerance is relative to the magnitude of the ratio being rounded
const ceilTolerance = 1e-9

// Candidate is a package scored against the quantity needed
type Candidate struct {
	PackageNDC       string  `json:"package_ndc"`
	PackageSize      float64 `json:"package_size"`
	Description      string  `json:"description"`
	Status           string  `json:"status"`
	QuantityNeeded   float64 `json:"quantity_needed"`
	PackagesRequired int     `json:"packages_required"`
	Efficiency       float64 `json:"efficiency"`
}

// TotalProvided returns the units dispensed by this candidate
func (c Candidate) TotalProvided() float64 {
	return float64(c.PackagesRequired) * c.PackageSize
}

// Result is the outcome of a package optimization
type Result struct {
	Succeeded          bool        `json:"succeeded"`
	Candidates         []Candidate `json:"candidates"`
	OptimalCombination []Candidate `json:"optimal_combination"`
	TotalQuantity      float64     `json:"total_quantity"`
	TotalPackages      int         `json:"total_packages"`
	Waste              float64     `json:"waste"`
	FailureKind        FailureKind `json:"failure_kind,omitempty"`
	ErrorMessage       string      `json:"error_message,omitempty"`
}

// Optimizer scores catalog packages and delegates the final pick to a
// CombinationSelector
type Optimizer struct {
	selector CombinationSelector
}

// NewOptimizer creates an optimizer; a nil selector means SingleBestSelector
func NewOptimizer(selector CombinationSelector) *Optimizer {
	if selector == nil {
		selector = SingleBestSelector{}
	}
	return &Optimizer{selector: selector}
}

var defaultOptimizer = NewOptimizer(nil)

// Optimize runs the default single-package optimizer
func Optimize(quantityNeeded float64, pkgs []catalog.PackageInfo) Result {
	return defaultOptimizer.Optimize(quantityNeeded, pkgs)
}

// Optimize scores every active, well-formed package and selects the
// combination with the least waste. It never panics.
func (o *Optimizer) Optimize(quantityNeeded float64, pkgs []catalog.PackageInfo) (result Result) {
	result.TotalQuantity = quantityNeeded

	defer func() {
		if r := recover(); r != nil {
			result = Result{
				TotalQuantity: quantityNeeded,
				FailureKind:   FailureInternal,
				ErrorMessage:  fmt.Sprint(r),
			}
		}
	}()

	if !isPositiveFinite(quantityNeeded) {
		return failed(result, FailureInvalidQuantity)
	}
	if len(pkgs) == 0 {
		return failed(result, FailureNoNDCData)
	}

	usable, anyActive := filterUsable(pkgs)
	if len(usable) == 0 {
		if !anyActive {
			return failed(result, FailureNoActiveNDCsAvailable)
		}
		return failed(result, FailureNoValidActiveNDCs)
	}

	candidates := make([]Candidate, 0, len(usable))
	for _, p := range usable {
		candidates = append(candidates, Score(p, quantityNeeded))
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Efficiency < candidates[j].Efficiency
	})
	result.Candidates = candidates

	combination := o.selector.SelectCombination(candidates, quantityNeeded)
	if len(combination) == 0 {
		return failed(result, FailureNoValidActiveNDCs)
	}

	var provided float64
	for _, c := range combination {
		result.TotalPackages += c.PackagesRequired
		provided += c.TotalProvided()
	}
	result.OptimalCombination = combination
	result.Waste = math.Max(0, provided-quantityNeeded)
	result.Succeeded = true
	return result
}

// Score computes how many packages of p cover quantityNeeded and the
// resulting waste ratio (0 is a perfect fit)
func Score(p catalog.PackageInfo, quantityNeeded float64) Candidate {
	required := packagesRequired(quantityNeeded, p.Size)
	return Candidate{
		PackageNDC:       p.PackageNDC,
		PackageSize:      p.Size,
		Description:      p.Description,
		Status:           string(p.Status),
		QuantityNeeded:   quantityNeeded,
		PackagesRequired: required,
		Efficiency:       (float64(required)*p.Size - quantityNeeded) / quantityNeeded,
	}
}

// packagesRequired is ceil(quantityNeeded/size), at least 1 for any positive
// quantity. Ratios within float noise of a whole number snap to it.
func packagesRequired(quantityNeeded, size float64) int {
	ratio := quantityNeeded / size
	if r := math.Round(ratio); r >= 1 && math.Abs(ratio-r) <= ceilTolerance*math.Max(1, math.Abs(ratio)) {
		return int(r)
	}
	if n := int(math.Ceil(ratio)); n > 1 {
		return n
	}
	return 1
}

// filterUsable keeps active packages with a code and a positive finite size
func filterUsable(pkgs []catalog.PackageInfo) (usable []catalog.PackageInfo, anyActive bool) {
	for _, p := range pkgs {
		if !p.IsActive() {
			continue
		}
		anyActive = true
		if strings.TrimSpace(p.PackageNDC) == "" || !isPositiveFinite(p.Size) {
			continue
		}
		usable = append(usable, p)
	}
	return usable, anyActive
}

func failed(result Result, kind FailureKind) Result {
	result.Succeeded = false
	result.FailureKind = kind
	result.ErrorMessage = failureMessages[kind]
	return result
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
