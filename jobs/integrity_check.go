package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/fishtrade/fishtrade/internal/billing"
	jobmetrics "github.com/fishtrade/fishtrade/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// IntegrityVerifier re-checks stored bills.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context) (billing.IntegrityReport, error)
}

// IntegrityCheckJob runs the ledger conservation checks over stored bills.
type IntegrityCheckJob struct {
	Verifier IntegrityVerifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewIntegrityCheckJob wires dependencies for the integrity handler.
func NewIntegrityCheckJob(verifier IntegrityVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityCheckJob {
	return &IntegrityCheckJob{Verifier: verifier, Logger: logger, Metrics: metrics}
}

// Handle processes integrity check tasks. Violations are reported, not retried.
func (j *IntegrityCheckJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Verifier == nil {
		return errors.New("integrity check: handler not configured")
	}
	var payload IntegrityCheckPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskBillingIntegrityCheck)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskBillingIntegrityCheck).With(slog.String("trigger", payload.Trigger))
	report, err := j.Verifier.VerifyIntegrity(ctx)
	if err != nil {
		logger.Error("verify integrity", slog.Any("error", err))
		return err
	}

	counts := map[billing.PartyType]int{}
	for _, v := range report.Violations {
		counts[v.Kind]++
		logger.Warn("ledger integrity violation",
			slog.String("kind", string(v.Kind)),
			slog.Int64("bill_id", v.BillID),
			slog.String("reason", v.Reason),
		)
	}
	metricsOrDefault(j.Metrics).AddViolations("purchase", counts[billing.PartyFarmer])
	metricsOrDefault(j.Metrics).AddViolations("sales", counts[billing.PartyCustomer])

	logger.Info("completed integrity check",
		slog.Int("purchase_bills", report.PurchaseBillsChecked),
		slog.Int("sales_bills", report.SalesBillsChecked),
		slog.Int("violations", len(report.Violations)),
	)
	return nil
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}
