package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishtrade/fishtrade/internal/billing"
	jobmetrics "github.com/fishtrade/fishtrade/internal/jobs"
	"github.com/fishtrade/fishtrade/internal/ledger"
)

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

type stubVerifier struct {
	report billing.IntegrityReport
	err    error
}

func (s stubVerifier) VerifyIntegrity(ctx context.Context) (billing.IntegrityReport, error) {
	return s.report, s.err
}

func TestIntegrityCheckLogsViolations(t *testing.T) {
	logger, buf := bufferLogger()
	job := NewIntegrityCheckJob(stubVerifier{report: billing.IntegrityReport{
		PurchaseBillsChecked: 3,
		SalesBillsChecked:    2,
		Violations: []billing.IntegrityViolation{
			{Kind: billing.PartyCustomer, BillID: 12, Reason: "balance mismatch"},
		},
	}}, logger, testMetrics())

	task, err := NewIntegrityCheckTask("manual")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	out := buf.String()
	assert.Contains(t, out, "ledger integrity violation")
	assert.Contains(t, out, "bill_id=12")
	assert.Contains(t, out, "violations=1")
	assert.Contains(t, out, "trigger=manual")
}

func TestIntegrityCheckPropagatesLoadErrors(t *testing.T) {
	boom := errors.New("db down")
	job := NewIntegrityCheckJob(stubVerifier{err: boom}, slog.New(slog.NewTextHandler(new(bytes.Buffer), nil)), testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskBillingIntegrityCheck, nil))
	require.ErrorIs(t, err, boom)
}

func TestIntegrityCheckRejectsMalformedPayload(t *testing.T) {
	job := NewIntegrityCheckJob(stubVerifier{}, nil, testMetrics())
	err := job.Handle(context.Background(), asynq.NewTask(TaskBillingIntegrityCheck, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	var unconfigured *IntegrityCheckJob
	require.Error(t, unconfigured.Handle(context.Background(), asynq.NewTask(TaskBillingIntegrityCheck, nil)))
}

type fakeOutstanding struct {
	parties  []billing.PartyRef
	failFor  int64
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32

	mu     sync.Mutex
	warmed []billing.PartyRef
}

func (f *fakeOutstanding) ListPartiesWithOpenBills(ctx context.Context) ([]billing.PartyRef, error) {
	return f.parties, nil
}

func (f *fakeOutstanding) Outstanding(ctx context.Context, party billing.PartyRef) (ledger.OutstandingSummary, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(f.delay)
	if party.ID == f.failFor {
		return ledger.OutstandingSummary{}, fmt.Errorf("load %s failed", party)
	}
	f.mu.Lock()
	f.warmed = append(f.warmed, party)
	f.mu.Unlock()
	return ledger.OutstandingSummary{PartyID: party.ID}, nil
}

func partiesUpTo(n int) []billing.PartyRef {
	out := make([]billing.PartyRef, 0, n)
	for i := 1; i <= n; i++ {
		kind := billing.PartyFarmer
		if i%2 == 0 {
			kind = billing.PartyCustomer
		}
		out = append(out, billing.PartyRef{Type: kind, ID: int64(i)})
	}
	return out
}

func TestOutstandingWarmupVisitsEveryPartyWithinConcurrency(t *testing.T) {
	source := &fakeOutstanding{parties: partiesUpTo(9), delay: 5 * time.Millisecond}
	job := NewOutstandingWarmupJob(source, nil, testMetrics())

	task, err := NewOutstandingWarmupTask(2)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Len(t, source.warmed, 9)
	assert.LessOrEqual(t, source.peak.Load(), int32(2))
}

func TestOutstandingWarmupFailsWhenAPartyFails(t *testing.T) {
	source := &fakeOutstanding{parties: partiesUpTo(4), failFor: 3}
	job := NewOutstandingWarmupJob(source, nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskOutstandingWarmup, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "farmer:3")
}

func TestOutstandingWarmupWithoutParties(t *testing.T) {
	logger, buf := bufferLogger()
	job := NewOutstandingWarmupJob(&fakeOutstanding{}, logger, testMetrics())

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskOutstandingWarmup, nil)))
	assert.Contains(t, buf.String(), "no open parties to warm")
}

type stubCleaner struct {
	retention time.Duration
	removed   int64
	err       error
}

func (s *stubCleaner) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return s.removed, s.err
}

func TestIdempotencyCleanupUsesPayloadRetention(t *testing.T) {
	store := &stubCleaner{removed: 4}
	job := NewIdempotencyCleanupJob(store, nil, testMetrics())

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 48*time.Hour, store.retention)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	assert.Equal(t, defaultIdempotencyRetention, store.retention)
}

func TestTaskConstructorsApplyDefaults(t *testing.T) {
	task, err := NewOutstandingWarmupTask(0)
	require.NoError(t, err)
	var warm OutstandingWarmupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &warm))
	assert.Equal(t, defaultWarmupConcurrency, warm.Concurrency)
	assert.Equal(t, TaskOutstandingWarmup, task.Type())

	task, err = NewIntegrityCheckTask("")
	require.NoError(t, err)
	var check IntegrityCheckPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &check))
	assert.Equal(t, "cron", check.Trigger)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestJobsHealthEndpoint(t *testing.T) {
	serve := func(h *Handler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		h.MountRoutes(r)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		return rr
	}

	rr := serve(NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}}, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"queue":"default","pending":3,"active":0,"retry":1}`, rr.Body.String())

	rr = serve(NewHandler(stubInspector{err: errors.New("redis down")}, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = serve(NewHandler(nil, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
