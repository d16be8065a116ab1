package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")
var errNotFound = errors.New("not found")

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour
	return cfg
}

func TestDoReturnsTypedResult(t *testing.T) {
	cb, err := New(testConfig("rxnorm"), nil)
	require.NoError(t, err)

	got, err := Do(context.Background(), cb, func(ctx context.Context) (string, error) {
		return "197361", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "197361", got)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := testConfig("openfda")
	cfg.OnStateChange = func(_ string, _, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	require.NoError(t, err)

	fail := func(ctx context.Context) (int, error) { return 0, errUpstream }
	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), cb, fail)
		assert.ErrorIs(t, err, errUpstream)
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []State{StateOpen}, transitions)

	calls := 0
	_, err = Do(context.Background(), cb, func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls, "open breaker must not call upstream")

	health := Health(cb, nil)
	require.Len(t, health, 1)
	assert.False(t, health[0].Healthy)
	assert.Equal(t, "openfda", health[0].Name)
}

func TestIsSuccessfulKeepsBreakerClosed(t *testing.T) {
	cfg := testConfig("rxnorm")
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errNotFound) }

	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := Do(context.Background(), cb, func(ctx context.Context) (*string, error) {
			return nil, errNotFound
		})
		assert.ErrorIs(t, err, errNotFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}
