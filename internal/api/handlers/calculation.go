// Package handlers provides HTTP handlers for the rxcalc API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/api/middleware"
	"github.com/drfirst/go-rxcalc/internal/calculation"
	"github.com/drfirst/go-rxcalc/internal/catalog"
	"github.com/drfirst/go-rxcalc/internal/packaging"
	"github.com/drfirst/go-rxcalc/internal/quantity"
	"github.com/drfirst/go-rxcalc/internal/sig"
)

const maxBodyBytes = 1 << 20

// Calculator runs orchestrated calculations
type Calculator interface {
	Calculate(ctx context.Context, req calculation.Request) (*calculation.Result, error)
}

// CalculationHandler handles calculation endpoints
type CalculationHandler struct {
	calc   Calculator
	logger *zap.Logger
}

// NewCalculationHandler creates a new handler
func NewCalculationHandler(calc Calculator, logger *zap.Logger) *CalculationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalculationHandler{calc: calc, logger: logger}
}

// Routes returns the handler routes
func (h *CalculationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/calculations", h.Calculate)
	r.Post("/sig/parse", h.ParseSig)
	r.Post("/quantity", h.Quantity)
	r.Post("/packages/optimize", h.Optimize)
	return r
}

// Calculate handles POST /calculations
func (h *CalculationHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("calculation-handler").Start(r.Context(), "create_calculation")
	defer span.End()

	var req calculation.Request
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.GetRequestID(ctx)
	}

	res, err := h.calc.Calculate(ctx, req)
	switch {
	case errors.Is(err, calculation.ErrInvalidRequest):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, calculation.ErrUpstream):
		h.jsonError(w, err.Error(), http.StatusBadGateway)
		return
	case err != nil:
		h.logger.Error("calculation error", zap.Error(err), zap.String("request_id", req.RequestID))
		h.jsonError(w, "failed to run calculation", http.StatusInternalServerError)
		return
	}

	span.SetAttributes(
		attribute.String("calculation_id", res.ID),
		attribute.Bool("succeeded", res.Succeeded))

	status := http.StatusCreated
	if !res.Succeeded {
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, res)
}

// ParseSigRequest is the request body for POST /sig/parse
type ParseSigRequest struct {
	Sig string `json:"sig"`
}

// ParseSig handles POST /sig/parse
func (h *CalculationHandler) ParseSig(w http.ResponseWriter, r *http.Request) {
	var req ParseSigRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Sig) == "" {
		h.jsonError(w, "sig is required", http.StatusBadRequest)
		return
	}
	h.writeJSON(w, http.StatusOK, sig.Parse(req.Sig))
}

// QuantityRequest is the request body for POST /quantity
type QuantityRequest struct {
	Sig        string `json:"sig"`
	DaysSupply int    `json:"days_supply"`
}

// Quantity handles POST /quantity
func (h *CalculationHandler) Quantity(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeJSON(w, http.StatusOK, quantity.Compute(req.Sig, req.DaysSupply))
}

// OptimizeRequest is the request body for POST /packages/optimize. Packages
// without a status are treated as active.
type OptimizeRequest struct {
	Quantity float64               `json:"quantity"`
	Packages []catalog.PackageInfo `json:"packages"`
}

// OptimizeResponse carries the failure kind at the top level on 422
type OptimizeResponse struct {
	packaging.Result
	Kind packaging.FailureKind `json:"kind,omitempty"`
}

// Optimize handles POST /packages/optimize
func (h *CalculationHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	for i := range req.Packages {
		if req.Packages[i].Status == "" {
			req.Packages[i].Status = catalog.StatusActive
		}
	}

	res := packaging.Optimize(req.Quantity, req.Packages)
	if !res.Succeeded {
		h.writeJSON(w, http.StatusUnprocessableEntity, OptimizeResponse{Result: res, Kind: res.FailureKind})
		return
	}
	h.writeJSON(w, http.StatusOK, OptimizeResponse{Result: res})
}

func (h *CalculationHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *CalculationHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response failed", zap.Error(err))
	}
}

func (h *CalculationHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
