// Package calculation orchestrates a full quantity calculation: drug
// normalization, catalog retrieval, total quantity and package selection.
package calculation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/catalog"
	"github.com/drfirst/go-rxcalc/internal/observability/metrics"
	"github.com/drfirst/go-rxcalc/internal/packaging"
	"github.com/drfirst/go-rxcalc/internal/quantity"
	"github.com/drfirst/go-rxcalc/internal/rxnorm"
)

var (
	// ErrInvalidRequest wraps request validation failures
	ErrInvalidRequest = errors.New("invalid calculation request")
	// ErrUpstream wraps failures of the vocabulary or catalog services
	ErrUpstream = errors.New("upstream lookup failed")
)

// DefaultMaxDaysSupply bounds the days supply accepted by the service
const DefaultMaxDaysSupply = 365

// Warning messages attached to successful results
const (
	WarnUnitMismatch     = "unit mismatch: parsed unit not found in selected package description"
	WarnPRNDiscounted    = "PRN quantity discounted"
	WarnInactiveExcluded = "inactive packages excluded"
	WarnSamplesExcluded  = "sample packages excluded"
)

// Stage names the step at which a calculation failed
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageQuantity  Stage = "quantity"
	StagePackaging Stage = "packaging"
)

// Normalizer resolves a drug query to an RxNorm concept
type Normalizer interface {
	Normalize(ctx context.Context, query string) (*rxnorm.NormalizeResult, error)
}

// Recorder persists completed calculations
type Recorder interface {
	Record(ctx context.Context, result *Result) error
}

// Request is a calculation request
type Request struct {
	RequestID  string `json:"request_id,omitempty"`
	Drug       string `json:"drug"`
	Sig        string `json:"sig"`
	DaysSupply int    `json:"days_supply"`
}

// Drug is the normalized drug a calculation was made for
type Drug struct {
	Query       string `json:"query"`
	RxCUI       string `json:"rxcui,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Result is the outcome of a calculation
type Result struct {
	ID           string            `json:"id"`
	RequestID    string            `json:"request_id,omitempty"`
	Succeeded    bool              `json:"succeeded"`
	Drug         Drug              `json:"drug"`
	Sig          string            `json:"sig"`
	DaysSupply   int               `json:"days_supply"`
	Quantity     *quantity.Result  `json:"quantity,omitempty"`
	Optimization *packaging.Result `json:"optimization,omitempty"`
	Warnings     []string          `json:"warnings"`
	FailedStage  Stage             `json:"failed_stage,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Options configures a Service
type Options struct {
	MaxDaysSupply int
	Metrics       *metrics.Metrics
	// Recorder is optional; nil disables auditing
	Recorder Recorder
}

// Service runs calculations
type Service struct {
	normalizer    Normalizer
	packages      catalog.Provider
	optimizer     *packaging.Optimizer
	recorder      Recorder
	metrics       *metrics.Metrics
	maxDaysSupply int
	logger        *zap.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewService creates a calculation service
func NewService(normalizer Normalizer, packages catalog.Provider, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxDaysSupply <= 0 {
		opts.MaxDaysSupply = DefaultMaxDaysSupply
	}
	return &Service{
		normalizer:    normalizer,
		packages:      packages,
		optimizer:     packaging.NewOptimizer(packaging.SingleBestSelector{}),
		recorder:      opts.Recorder,
		metrics:       opts.Metrics,
		maxDaysSupply: opts.MaxDaysSupply,
		logger:        logger,
		tracer:        otel.Tracer("calculation-service"),
		now:           time.Now,
	}
}

// Validate checks a request against the service bounds
func (s *Service) Validate(req Request) error {
	switch {
	case strings.TrimSpace(req.Drug) == "":
		return fmt.Errorf("%w: drug is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Sig) == "":
		return fmt.Errorf("%w: sig is required", ErrInvalidRequest)
	case req.DaysSupply < 1 || req.DaysSupply > s.maxDaysSupply:
		return fmt.Errorf("%w: days_supply must be between 1 and %d", ErrInvalidRequest, s.maxDaysSupply)
	}
	return nil
}

// Calculate runs a calculation. Errors are returned for invalid requests
// and upstream failures; calculation failures are reported in the Result.
func (s *Service) Calculate(ctx context.Context, req Request) (*Result, error) {
	if err := s.Validate(req); err != nil {
		s.countOutcome("invalid")
		return nil, err
	}

	start := s.now()
	res := &Result{
		ID:         uuid.New().String(),
		RequestID:  req.RequestID,
		Drug:       Drug{Query: strings.TrimSpace(req.Drug)},
		Sig:        req.Sig,
		DaysSupply: req.DaysSupply,
		Warnings:   []string{},
		CreatedAt:  start.UTC(),
	}

	ctx, span := s.tracer.Start(ctx, "calculation.calculate",
		trace.WithAttributes(
			attribute.String("calculation_id", res.ID),
			attribute.Int("days_supply", req.DaysSupply),
		))
	defer span.End()

	if err := s.run(ctx, req, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.countOutcome("upstream_error")
		s.logger.Error("calculation failed",
			zap.String("calculation_id", res.ID),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("succeeded", res.Succeeded),
		attribute.String("rxcui", res.Drug.RxCUI))

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, res); err != nil {
			s.logger.Warn("calculation audit failed", zap.String("calculation_id", res.ID), zap.Error(err))
		}
	}

	s.observe(res, s.now().Sub(start))
	return res, nil
}

func (s *Service) run(ctx context.Context, req Request, res *Result) error {
	norm, err := s.normalizer.Normalize(ctx, res.Drug.Query)
	s.countUpstream("rxnorm", err)
	if errors.Is(err, rxnorm.ErrNotFound) {
		msg := fmt.Sprintf("drug %q not found", res.Drug.Query)
		if norm != nil && norm.Error != "" {
			msg = norm.Error
		}
		fail(res, StageNormalize, msg)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: normalize drug: %v", ErrUpstream, err)
	}
	res.Drug.RxCUI = norm.RxCUI
	res.Drug.DisplayName = norm.DisplayName

	pkgs, err := s.packages.Packages(ctx, norm.RxCUI, res.Drug.Query)
	s.countUpstream("openfda", err)
	if err != nil && !errors.Is(err, catalog.ErrNoPackages) {
		return fmt.Errorf("%w: package catalog: %v", ErrUpstream, err)
	}

	dispensable := catalog.WithoutSamples(pkgs)
	if len(dispensable) < len(pkgs) {
		res.Warnings = append(res.Warnings, WarnSamplesExcluded)
	}

	qty := quantity.Compute(req.Sig, req.DaysSupply)
	res.Quantity = &qty
	if !qty.Succeeded {
		if s.metrics != nil {
			s.metrics.SigParseFailures.Inc()
		}
		fail(res, StageQuantity, qty.ErrorMessage)
		return nil
	}
	if qty.TotalQuantity <= 0 {
		fail(res, StageQuantity, "computed quantity is not positive")
		return nil
	}
	if qty.PRNAdjusted {
		res.Warnings = append(res.Warnings, WarnPRNDiscounted)
	}

	opt := s.optimizer.Optimize(float64(qty.TotalQuantity), dispensable)
	res.Optimization = &opt
	if !opt.Succeeded {
		fail(res, StagePackaging, opt.ErrorMessage)
		return nil
	}

	for _, p := range dispensable {
		if !p.IsActive() {
			res.Warnings = append(res.Warnings, WarnInactiveExcluded)
			break
		}
	}
	if unitMismatch(qty.Unit, opt.OptimalCombination) {
		res.Warnings = append(res.Warnings, WarnUnitMismatch)
	}

	res.Succeeded = true
	return nil
}

func fail(res *Result, stage Stage, msg string) {
	res.Succeeded = false
	res.FailedStage = stage
	res.ErrorMessage = msg
}

func unitMismatch(unit string, combination []packaging.Candidate) bool {
	if unit == "" || len(combination) == 0 {
		return false
	}
	desc := strings.ToLower(combination[0].Description)
	return !strings.Contains(desc, strings.ToLower(unit))
}

func (s *Service) observe(res *Result, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("calculation_id", res.ID),
		zap.String("request_id", res.RequestID),
		zap.String("rxcui", res.Drug.RxCUI),
		zap.Duration("elapsed", elapsed),
	}
	if res.Quantity != nil {
		fields = append(fields, zap.Int("quantity", res.Quantity.TotalQuantity))
	}

	if !res.Succeeded {
		s.countOutcome("failed")
		s.logger.Info("calculation failed",
			append(fields, zap.String("stage", string(res.FailedStage)), zap.String("reason", res.ErrorMessage))...)
		return
	}

	s.countOutcome("success")
	fields = append(fields, zap.Float64("waste", res.Optimization.Waste))
	s.logger.Info("calculation completed", fields...)

	if s.metrics != nil {
		s.metrics.CalculationDuration.Observe(elapsed.Seconds())
		s.metrics.PackageWaste.Observe(res.Optimization.Waste)
	}
}

func (s *Service) countOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.CalculationsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) countUpstream(service string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, rxnorm.ErrNotFound), errors.Is(err, catalog.ErrNoPackages):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	s.metrics.UpstreamRequests.WithLabelValues(service, outcome).Inc()
}
