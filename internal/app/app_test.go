package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/calculation"
	"github.com/drfirst/go-rxcalc/internal/config"
)

const ndcListing = `{"results":[{
  "product_ndc":"68180-513",
  "packaging":[
    {"package_ndc":"68180-513-01","description":"90 TABLET in 1 BOTTLE","marketing_start_date":"20100101"},
    {"package_ndc":"68180-513-02","description":"1000 TABLET in 1 BOTTLE","marketing_start_date":"20100101"},
    {"package_ndc":"68180-513-03","description":"30 TABLET in 1 BOTTLE","marketing_start_date":"20100101","marketing_end_date":"20150101"},
    {"package_ndc":"68180-513-09","description":"4 TABLET in 1 BLISTER PACK","sample":true}
  ]}]}`

func upstreams(t *testing.T) (rxnav, openfda *httptest.Server) {
	t.Helper()
	rxnav = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/REST/approximateTerm.json" && strings.Contains(r.URL.Query().Get("term"), "lisinopril"):
			w.Write([]byte(`{"approximateGroup":{"candidate":[{"rxcui":"314076","name":"lisinopril 10 MG Oral Tablet"}]}}`))
		case r.URL.Path == "/REST/approximateTerm.json":
			w.Write([]byte(`{"approximateGroup":{}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	openfda = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("search"), "314076") {
			w.Write([]byte(ndcListing))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(rxnav.Close)
	t.Cleanup(openfda.Close)
	return rxnav, openfda
}

// New registers metrics globally, so the pipeline is exercised from one test
func TestCalculationPipeline(t *testing.T) {
	rxnav, openfda := upstreams(t)
	env := map[string]string{
		"RXNORM_BASE_URL":     rxnav.URL,
		"OPENFDA_BASE_URL":    openfda.URL,
		"UPSTREAM_RATE_LIMIT": "1000",
	}
	cfg, err := config.FromEnv(func(k string) string { return env[k] })
	require.NoError(t, err)

	ctx := context.Background()
	a, err := New(ctx, cfg, "rxcalc-test", zap.NewNop())
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.Len(t, a.Breakers, 2)

	t.Run("success", func(t *testing.T) {
		res, err := a.Service.Calculate(ctx, calculation.Request{
			Drug:       "lisinopril 10 mg",
			Sig:        "Take 1 tablet by mouth twice daily",
			DaysSupply: 30,
		})
		require.NoError(t, err)
		require.True(t, res.Succeeded, res.ErrorMessage)

		assert.Equal(t, "314076", res.Drug.RxCUI)
		assert.Equal(t, 60, res.Quantity.TotalQuantity)
		best := res.Optimization.OptimalCombination[0]
		assert.Equal(t, "68180-513-01", best.PackageNDC)
		assert.Equal(t, 30.0, res.Optimization.Waste)
		assert.Contains(t, res.Warnings, calculation.WarnSamplesExcluded)
		assert.Contains(t, res.Warnings, calculation.WarnInactiveExcluded)
		assert.NotContains(t, res.Warnings, calculation.WarnUnitMismatch)
	})

	t.Run("unknown drug", func(t *testing.T) {
		res, err := a.Service.Calculate(ctx, calculation.Request{
			Drug:       "notadrug",
			Sig:        "Take 1 tablet daily",
			DaysSupply: 30,
		})
		require.NoError(t, err)
		assert.False(t, res.Succeeded)
		assert.Equal(t, calculation.StageNormalize, res.FailedStage)
	})

	t.Run("invalid request", func(t *testing.T) {
		_, err := a.Service.Calculate(ctx, calculation.Request{Drug: "lisinopril", Sig: "Take 1 tablet daily", DaysSupply: 0})
		assert.ErrorIs(t, err, calculation.ErrInvalidRequest)
	})
}
