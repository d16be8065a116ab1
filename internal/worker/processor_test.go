package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcalc/internal/calculation"
	"github.com/drfirst/go-rxcalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcalc/pkg/idempotency"
	"github.com/drfirst/go-rxcalc/pkg/workerpool"
)

type mockCalculator struct {
	mock.Mock
}

func (m *mockCalculator) Calculate(ctx context.Context, req calculation.Request) (*calculation.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*calculation.Result)
	return res, args.Error(1)
}

// mapInbox mimics the inbox: finished keys return the stored result,
// permanently failed keys are refused.
type mapInbox struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
	failed   map[string]bool
}

func newMapInbox() *mapInbox {
	return &mapInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (m *mapInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	if res, ok := m.finished[key]; ok {
		m.mu.Unlock()
		return &idempotency.ProcessResult{Result: res}, nil
	}
	if m.failed[key] {
		m.mu.Unlock()
		return nil, idempotency.ErrPreviouslyFailed
	}
	m.mu.Unlock()

	res, err := fn(ctx, payload)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if idempotency.IsPermanent(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.finished[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

type published struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) ProduceMessage(_ context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic, key, value})
	return nil
}

func setup(t *testing.T, calc Calculator) (*Processor, *mapInbox, *fakePublisher) {
	t.Helper()
	inbox, pub := newMapInbox(), &fakePublisher{}

	var proc *Processor
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond
	pool, err := workerpool.New(cfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		return proc.Work(ctx, task)
	}, nil)
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })

	proc = NewProcessor(calc, inbox, pool, pub, nil, nil)
	return proc, inbox, pub
}

func message(body string) *redpanda.ConsumedMessage {
	return &redpanda.ConsumedMessage{
		Topic:  redpanda.TopicCalculationRequests,
		Offset: 7,
		Key:    []byte("k"),
		Value:  []byte(body),
	}
}

const body = `{"request_id":"r-1","drug":"lisinopril","sig":"Take 1 tablet daily","days_supply":30}`

func TestHandlePublishesResult(t *testing.T) {
	calc := &mockCalculator{}
	calc.On("Calculate", mock.Anything, mock.MatchedBy(func(req calculation.Request) bool {
		return req.RequestID == "r-1" && req.DaysSupply == 30
	})).Return(&calculation.Result{ID: "calc-1", RequestID: "r-1", Succeeded: true}, nil).Once()

	proc, _, pub := setup(t, calc)
	require.NoError(t, proc.Handle(context.Background(), message(body)))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, redpanda.TopicCalculationResults, pub.msgs[0].topic)
	assert.Equal(t, "r-1", pub.msgs[0].key)

	var res calculation.Result
	require.NoError(t, json.Unmarshal(pub.msgs[0].value, &res))
	assert.Equal(t, "calc-1", res.ID)

	// redelivery republishes the stored result without recalculating
	require.NoError(t, proc.Handle(context.Background(), message(body)))
	assert.Len(t, pub.msgs, 2)
	calc.AssertExpectations(t)
}

func TestHandleKeysByBodyHashWithoutRequestID(t *testing.T) {
	raw := `{"drug":"metformin","sig":"Take 1 tablet twice daily","days_supply":30}`
	calc := &mockCalculator{}
	calc.On("Calculate", mock.Anything, mock.Anything).
		Return(&calculation.Result{ID: "calc-2", Succeeded: true}, nil).Once()

	proc, inbox, pub := setup(t, calc)
	require.NoError(t, proc.Handle(context.Background(), message(raw)))

	key := idempotency.Key("", []byte(raw))
	assert.Contains(t, inbox.finished, key)
	assert.Equal(t, key, pub.msgs[0].key)
}

func TestHandleDeadLettersInvalidRequests(t *testing.T) {
	calc := &mockCalculator{}
	calc.On("Calculate", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: days_supply must be between 1 and 365", calculation.ErrInvalidRequest)).Once()

	proc, inbox, pub := setup(t, calc)
	require.NoError(t, proc.Handle(context.Background(), message(body)))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, redpanda.TopicDeadLetter, pub.msgs[0].topic)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(pub.msgs[0].value, &dl))
	assert.Equal(t, redpanda.TopicCalculationRequests, dl.OriginalTopic)
	assert.Equal(t, int64(7), dl.Offset)
	assert.Contains(t, dl.Error, "days_supply")
	assert.True(t, inbox.failed["r-1"])

	// a redelivery is skipped and committed
	require.NoError(t, proc.Handle(context.Background(), message(body)))
	assert.Len(t, pub.msgs, 1)
	calc.AssertExpectations(t)
}

func TestHandleDeadLettersMalformedJSON(t *testing.T) {
	proc, _, pub := setup(t, &mockCalculator{})
	require.NoError(t, proc.Handle(context.Background(), message(`not json`)))

	require.Len(t, pub.msgs, 1)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(pub.msgs[0].value, &dl))
	assert.Equal(t, json.RawMessage(`"not json"`), dl.Payload)
}

func TestHandleUpstreamFailureIsRetried(t *testing.T) {
	calc := &mockCalculator{}
	calc.On("Calculate", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: rxnav unavailable", calculation.ErrUpstream))

	proc, inbox, pub := setup(t, calc)
	err := proc.Handle(context.Background(), message(body))

	require.Error(t, err)
	assert.True(t, errors.Is(err, calculation.ErrUpstream))
	assert.Empty(t, pub.msgs)
	assert.False(t, inbox.failed["r-1"])
	calc.AssertNumberOfCalls(t, "Calculate", 2)
}

func TestHandlePublishFailureIsReturned(t *testing.T) {
	calc := &mockCalculator{}
	calc.On("Calculate", mock.Anything, mock.Anything).
		Return(&calculation.Result{ID: "calc-3", Succeeded: true}, nil)

	proc, _, pub := setup(t, calc)
	pub.err = errors.New("broker unavailable")

	assert.Error(t, proc.Handle(context.Background(), message(body)))
}

func TestWorkRejectsUnexpectedPayload(t *testing.T) {
	proc := NewProcessor(&mockCalculator{}, nil, nil, nil, nil, nil)
	res := proc.Work(context.Background(), &workerpool.Task{ID: "x", Payload: 42})
	assert.False(t, res.Success)
	assert.True(t, res.Permanent)
}
