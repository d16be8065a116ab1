// Package audit persists completed calculations and relays their events to
// Redpanda through a transactional outbox.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxcalc/internal/calculation"
)

// EventCalculationCompleted is the outbox event type for finished calculations
const EventCalculationCompleted = "CalculationCompleted"

// AggregateType labels outbox rows written by this package
const AggregateType = "Calculation"

// CalculationCompleted is the event published for every recorded calculation
type CalculationCompleted struct {
	EventID          string    `json:"event_id"`
	CalculationID    string    `json:"calculation_id"`
	RequestID        string    `json:"request_id,omitempty"`
	Succeeded        bool      `json:"succeeded"`
	DrugQuery        string    `json:"drug_query"`
	RxCUI            string    `json:"rxcui,omitempty"`
	DaysSupply       int       `json:"days_supply"`
	TotalQuantity    int       `json:"total_quantity"`
	Unit             string    `json:"unit,omitempty"`
	PackageNDC       string    `json:"package_ndc,omitempty"`
	PackageSize      float64   `json:"package_size,omitempty"`
	PackagesRequired int       `json:"packages_required,omitempty"`
	Waste            float64   `json:"waste"`
	Warnings         []string  `json:"warnings,omitempty"`
	FailedStage      string    `json:"failed_stage,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// NewCalculationCompleted builds the event for a result
func NewCalculationCompleted(res *calculation.Result) CalculationCompleted {
	ev := CalculationCompleted{
		EventID:       uuid.New().String(),
		CalculationID: res.ID,
		RequestID:     res.RequestID,
		Succeeded:     res.Succeeded,
		DrugQuery:     res.Drug.Query,
		RxCUI:         res.Drug.RxCUI,
		DaysSupply:    res.DaysSupply,
		Warnings:      res.Warnings,
		FailedStage:   string(res.FailedStage),
		ErrorMessage:  res.ErrorMessage,
		OccurredAt:    res.CreatedAt,
	}
	if res.Quantity != nil {
		ev.TotalQuantity = res.Quantity.TotalQuantity
		ev.Unit = res.Quantity.Unit
	}
	if res.Optimization != nil && res.Optimization.Succeeded && len(res.Optimization.OptimalCombination) > 0 {
		best := res.Optimization.OptimalCombination[0]
		ev.PackageNDC = best.PackageNDC
		ev.PackageSize = best.PackageSize
		ev.PackagesRequired = res.Optimization.TotalPackages
		ev.Waste = res.Optimization.Waste
	}
	return ev
}
