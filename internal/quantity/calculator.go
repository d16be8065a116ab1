// Package quantity converts a SIG and a days supply into the total number of
// dispense units needed.
package quantity

import (
	"fmt"
	"math"

	"github.com/drfirst/go-rxcalc/internal/sig"
)

// PRN discount policy: as-needed regimens dispense the larger of 70% of the
// scheduled quantity or the scheduled quantity minus ten units.
const (
	PRNDiscountFactor = 0.7
	PRNDiscountUnits  = 10
)

// ErrUnparseableSig is the failure message for SIGs without a recognizable dose
const ErrUnparseableSig = "Could not parse dosage instructions from SIG"

// ceilTolerance absorbs float noise so that 3.0000000000000004 rounds to 3.
// It is relative to the magnitude of the quantity.
const ceilTolerance = 1e-9

// Result is the outcome of a total quantity computation
type Result struct {
	Succeeded     bool                  `json:"succeeded"`
	TotalQuantity int                   `json:"total_quantity"`
	Unit          string                `json:"unit"`
	Parsed        sig.ParsedInstruction `json:"parsed_instruction"`
	DaysSupply    int                   `json:"days_supply"`
	PRNAdjusted   bool                  `json:"prn_adjusted"`
	ErrorMessage  string                `json:"error_message,omitempty"`
}

// Compute parses text and multiplies the daily dose by daysSupply. It never
// panics; unparseable SIGs and internal faults yield Succeeded=false.
// Non-positive daysSupply is not rejected here; TotalQuantity is floored at 0,
// so it yields Succeeded=true with TotalQuantity=0.
func Compute(text string, daysSupply int) (result Result) {
	result.DaysSupply = daysSupply

	defer func() {
		if r := recover(); r != nil {
			result = Result{
				DaysSupply:   daysSupply,
				ErrorMessage: fmt.Sprint(r),
			}
		}
	}()

	parsed := sig.Parse(text)
	result.Parsed = parsed

	if !parsed.HasDosage() {
		result.ErrorMessage = ErrUnparseableSig
		return result
	}

	raw := parsed.TotalDailyDose * float64(daysSupply)
	adjusted := raw
	if parsed.IsAsNeeded {
		adjusted = ApplyPRNDiscount(raw)
		result.PRNAdjusted = true
	}

	result.Succeeded = true
	result.TotalQuantity = RoundUp(adjusted)
	result.Unit = parsed.PrimaryUnit()
	return result
}

// ApplyPRNDiscount returns max(raw*0.7, raw-10)
func ApplyPRNDiscount(raw float64) float64 {
	return math.Max(raw*PRNDiscountFactor, raw-PRNDiscountUnits)
}

// RoundUp rounds a quantity up to whole units. Non-positive quantities are
// floored at 0; any positive quantity needs at least 1 unit.
func RoundUp(q float64) int {
	if q <= 0 || math.IsNaN(q) {
		return 0
	}
	if r := math.Round(q); r >= 1 && math.Abs(q-r) <= ceilTolerance*math.Max(1, q) {
		return int(r)
	}
	return int(math.Ceil(q))
}
