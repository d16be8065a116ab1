// Package sig parses free-text prescription dosing instructions (SIGs) into a
// structured daily-dose model.
package sig

// Route represents the administration route
type Route string

const (
	RouteOral          Route = "PO"
	RouteIntravenous   Route = "IV"
	RouteIntramuscular Route = "IM"
	RouteTopical       Route = "TOPICAL"
	RouteSubcutaneous  Route = "SQ"
)

// Defaults applied when the SIG does not state a value
const (
	DefaultFrequency = 1
	DefaultUnit      = "tablet"
)

// DosageInstruction is one parsed dosing clause
type DosageInstruction struct {
	Amount    float64 `json:"amount"`
	Unit      string  `json:"unit"`
	Frequency int     `json:"frequency"`
	Timing    string  `json:"timing,omitempty"`
	Route     Route   `json:"route,omitempty"`
}

// ParsedInstruction is the structured result of parsing a SIG.
// TotalDailyDose is zero whenever DosageInstructions is empty.
type ParsedInstruction struct {
	OriginalText       string              `json:"original_text"`
	DosageInstructions []DosageInstruction `json:"dosage_instructions"`
	TotalDailyDose     float64             `json:"total_daily_dose"`
	DailyFrequency     int                 `json:"daily_frequency"`
	IsAsNeeded         bool                `json:"is_as_needed"`
}

// HasDosage reports whether at least one dosing clause was extracted
func (p ParsedInstruction) HasDosage() bool {
	return len(p.DosageInstructions) > 0
}

// PrimaryUnit returns the unit of the first dosing clause, or "" when none
func (p ParsedInstruction) PrimaryUnit() string {
	if len(p.DosageInstructions) == 0 {
		return ""
	}
	return p.DosageInstructions[0].Unit
}

func (p *ParsedInstruction) add(inst DosageInstruction) {
	p.DosageInstructions = append(p.DosageInstructions, inst)
	p.TotalDailyDose += inst.Amount * float64(inst.Frequency)
	if inst.Frequency > p.DailyFrequency {
		p.DailyFrequency = inst.Frequency
	}
}
