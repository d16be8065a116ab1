package calculation

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcalc/internal/catalog"
	"github.com/drfirst/go-rxcalc/internal/observability/metrics"
	"github.com/drfirst/go-rxcalc/internal/packaging"
	"github.com/drfirst/go-rxcalc/internal/rxnorm"
)

type mockNormalizer struct{ mock.Mock }

func (m *mockNormalizer) Normalize(ctx context.Context, query string) (*rxnorm.NormalizeResult, error) {
	args := m.Called(ctx, query)
	res, _ := args.Get(0).(*rxnorm.NormalizeResult)
	return res, args.Error(1)
}

type mockProvider struct{ mock.Mock }

func (m *mockProvider) Packages(ctx context.Context, rxcui, name string) ([]catalog.PackageInfo, error) {
	args := m.Called(ctx, rxcui, name)
	pkgs, _ := args.Get(0).([]catalog.PackageInfo)
	return pkgs, args.Error(1)
}

type mockRecorder struct{ mock.Mock }

func (m *mockRecorder) Record(ctx context.Context, result *Result) error {
	return m.Called(ctx, result).Error(0)
}

var lisinopril = &rxnorm.NormalizeResult{Succeeded: true, RxCUI: "314076", DisplayName: "lisinopril 10 MG Oral Tablet"}

func tablets(sizes ...float64) []catalog.PackageInfo {
	var out []catalog.PackageInfo
	for i, size := range sizes {
		out = append(out, catalog.PackageInfo{
			ProductNDC:  "68180-513",
			PackageNDC:  "68180-513-0" + string(rune('1'+i)),
			Description: "TABLET in 1 BOTTLE",
			Size:        size,
			Status:      catalog.StatusActive,
		})
	}
	return out
}

func newService(t *testing.T, n Normalizer, p catalog.Provider, rec Recorder) (*Service, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewService(n, p, Options{MaxDaysSupply: 90, Metrics: m, Recorder: rec}, nil), m
}

func TestCalculateSuccess(t *testing.T) {
	n, p, rec := &mockNormalizer{}, &mockProvider{}, &mockRecorder{}
	n.On("Normalize", mock.Anything, "lisinopril").Return(lisinopril, nil)
	p.On("Packages", mock.Anything, "314076", "lisinopril").Return(tablets(100, 500), nil)
	rec.On("Record", mock.Anything, mock.AnythingOfType("*calculation.Result")).Return(nil)

	svc, m := newService(t, n, p, rec)
	res, err := svc.Calculate(context.Background(), Request{
		RequestID:  "req-1",
		Drug:       " lisinopril ",
		Sig:        "Take 1 tablet by mouth twice daily",
		DaysSupply: 30,
	})
	require.NoError(t, err)

	assert.True(t, res.Succeeded)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "314076", res.Drug.RxCUI)
	assert.Equal(t, 60, res.Quantity.TotalQuantity)
	require.Len(t, res.Optimization.OptimalCombination, 1)
	assert.Equal(t, 100.0, res.Optimization.OptimalCombination[0].PackageSize)
	assert.Equal(t, 40.0, res.Optimization.Waste)
	assert.Empty(t, res.Warnings)

	n.AssertExpectations(t)
	p.AssertExpectations(t)
	rec.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CalculationsTotal.WithLabelValues("success")))
}

func TestCalculateWarnings(t *testing.T) {
	n, p := &mockNormalizer{}, &mockProvider{}
	pkgs := tablets(100)
	pkgs[0].Description = "100 CAPSULE in 1 BOTTLE"
	pkgs = append(pkgs,
		catalog.PackageInfo{PackageNDC: "old", Size: 50, Status: catalog.StatusInactive},
		catalog.PackageInfo{PackageNDC: "sample", Size: 10, Status: catalog.StatusActive, IsSample: true},
	)
	n.On("Normalize", mock.Anything, "lisinopril").Return(lisinopril, nil)
	p.On("Packages", mock.Anything, "314076", "lisinopril").Return(pkgs, nil)

	svc, _ := newService(t, n, p, nil)
	res, err := svc.Calculate(context.Background(), Request{
		Drug:       "lisinopril",
		Sig:        "Take 1 tablet by mouth twice daily as needed",
		DaysSupply: 30,
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)

	assert.Equal(t, 50, res.Quantity.TotalQuantity)
	assert.Equal(t, "100 CAPSULE in 1 BOTTLE", res.Optimization.OptimalCombination[0].Description)
	assert.ElementsMatch(t, []string{WarnSamplesExcluded, WarnPRNDiscounted, WarnInactiveExcluded, WarnUnitMismatch}, res.Warnings)
	for _, c := range res.Optimization.Candidates {
		assert.NotEqual(t, "sample", c.PackageNDC)
	}
}

func TestCalculateValidation(t *testing.T) {
	svc, m := newService(t, &mockNormalizer{}, &mockProvider{}, nil)
	tests := []struct {
		name string
		req  Request
	}{
		{"missing drug", Request{Sig: "take 1 tablet daily", DaysSupply: 30}},
		{"missing sig", Request{Drug: "lisinopril", DaysSupply: 30}},
		{"zero days", Request{Drug: "lisinopril", Sig: "take 1 tablet daily", DaysSupply: 0}},
		{"negative days", Request{Drug: "lisinopril", Sig: "take 1 tablet daily", DaysSupply: -5}},
		{"too many days", Request{Drug: "lisinopril", Sig: "take 1 tablet daily", DaysSupply: 91}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Calculate(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(m.CalculationsTotal.WithLabelValues("invalid")))
}

func TestCalculateDrugNotFound(t *testing.T) {
	n, p := &mockNormalizer{}, &mockProvider{}
	n.On("Normalize", mock.Anything, "notadrug").
		Return(&rxnorm.NormalizeResult{Error: "no RxNorm concept found"}, rxnorm.ErrNotFound)

	svc, _ := newService(t, n, p, nil)
	res, err := svc.Calculate(context.Background(), Request{Drug: "notadrug", Sig: "take 1 tablet daily", DaysSupply: 30})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, StageNormalize, res.FailedStage)
	assert.Equal(t, "no RxNorm concept found", res.ErrorMessage)
	p.AssertNotCalled(t, "Packages", mock.Anything, mock.Anything, mock.Anything)
}

func TestCalculateUpstreamErrors(t *testing.T) {
	t.Run("normalizer", func(t *testing.T) {
		n := &mockNormalizer{}
		n.On("Normalize", mock.Anything, "lisinopril").Return(nil, errors.New("connection refused"))
		svc, m := newService(t, n, &mockProvider{}, nil)

		_, err := svc.Calculate(context.Background(), Request{Drug: "lisinopril", Sig: "take 1 tablet daily", DaysSupply: 30})
		assert.ErrorIs(t, err, ErrUpstream)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("rxnorm", "error")))
	})

	t.Run("catalog", func(t *testing.T) {
		n, p := &mockNormalizer{}, &mockProvider{}
		n.On("Normalize", mock.Anything, "lisinopril").Return(lisinopril, nil)
		p.On("Packages", mock.Anything, "314076", "lisinopril").Return(nil, errors.New("status 500"))
		svc, _ := newService(t, n, p, nil)

		_, err := svc.Calculate(context.Background(), Request{Drug: "lisinopril", Sig: "take 1 tablet daily", DaysSupply: 30})
		assert.ErrorIs(t, err, ErrUpstream)
	})
}

func TestCalculateCoreFailures(t *testing.T) {
	t.Run("unparseable sig", func(t *testing.T) {
		n, p := &mockNormalizer{}, &mockProvider{}
		n.On("Normalize", mock.Anything, "lisinopril").Return(lisinopril, nil)
		p.On("Packages", mock.Anything, "314076", "lisinopril").Return(tablets(30), nil)
		svc, m := newService(t, n, p, nil)

		res, err := svc.Calculate(context.Background(), Request{Drug: "lisinopril", Sig: "use as directed", DaysSupply: 30})
		require.NoError(t, err)
		assert.False(t, res.Succeeded)
		assert.Equal(t, StageQuantity, res.FailedStage)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.SigParseFailures))
	})

	t.Run("no packages", func(t *testing.T) {
		n, p := &mockNormalizer{}, &mockProvider{}
		n.On("Normalize", mock.Anything, "lisinopril").Return(lisinopril, nil)
		p.On("Packages", mock.Anything, "314076", "lisinopril").Return(nil, catalog.ErrNoPackages)
		svc, _ := newService(t, n, p, nil)

		res, err := svc.Calculate(context.Background(), Request{Drug: "lisinopril", Sig: "take 1 tablet daily", DaysSupply: 30})
		require.NoError(t, err)
		assert.False(t, res.Succeeded)
		assert.Equal(t, StagePackaging, res.FailedStage)
		assert.Equal(t, packaging.FailureNoNDCData, res.Optimization.FailureKind)
	})

	t.Run("only inactive", func(t *testing.T) {
		n, p := &mockNormalizer{}, &mockProvider{}
		pkgs := tablets(100)
		pkgs[0].Status = catalog.StatusInactive
		n.On("Normalize", mock.Anything, "lisinopril").Return(lisinopril, nil)
		p.On("Packages", mock.Anything, "314076", "lisinopril").Return(pkgs, nil)
		svc, _ := newService(t, n, p, nil)

		res, err := svc.Calculate(context.Background(), Request{Drug: "lisinopril", Sig: "take 1 tablet daily", DaysSupply: 30})
		require.NoError(t, err)
		assert.False(t, res.Succeeded)
		assert.Equal(t, packaging.FailureNoActiveNDCsAvailable, res.Optimization.FailureKind)
	})
}

func TestCalculateAuditFailureDoesNotFailCalculation(t *testing.T) {
	n, p, rec := &mockNormalizer{}, &mockProvider{}, &mockRecorder{}
	n.On("Normalize", mock.Anything, "lisinopril").Return(lisinopril, nil)
	p.On("Packages", mock.Anything, "314076", "lisinopril").Return(tablets(30), nil)
	rec.On("Record", mock.Anything, mock.Anything).Return(errors.New("db down"))

	svc, _ := newService(t, n, p, rec)
	res, err := svc.Calculate(context.Background(), Request{Drug: "lisinopril", Sig: "take 1 tablet daily", DaysSupply: 30})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	rec.AssertExpectations(t)
}
