package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/fishtrade/fishtrade/internal/billing"
	jobmetrics "github.com/fishtrade/fishtrade/internal/jobs"
	"github.com/fishtrade/fishtrade/internal/ledger"
)

const defaultWarmupConcurrency = 4

// OutstandingSource lists parties with open bills and computes their summaries.
// Summaries are cached by the source on read.
type OutstandingSource interface {
	ListPartiesWithOpenBills(ctx context.Context) ([]billing.PartyRef, error)
	Outstanding(ctx context.Context, party billing.PartyRef) (ledger.OutstandingSummary, error)
}

// OutstandingWarmupJob pre-populates the outstanding cache for every open party.
type OutstandingWarmupJob struct {
	Source  OutstandingSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOutstandingWarmupJob wires dependencies for the warm-up handler.
func NewOutstandingWarmupJob(source OutstandingSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *OutstandingWarmupJob {
	return &OutstandingWarmupJob{
		Source:  source,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes outstanding warm-up tasks.
func (j *OutstandingWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Source == nil {
		return errors.New("outstanding warmup: handler not configured")
	}
	payload := OutstandingWarmupPayload{Concurrency: defaultWarmupConcurrency}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Concurrency <= 0 {
		payload.Concurrency = defaultWarmupConcurrency
	}

	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskOutstandingWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskOutstandingWarmup)
	start := j.now()

	parties, err := j.Source.ListPartiesWithOpenBills(ctx)
	if err != nil {
		logger.Error("list parties with open bills", slog.Any("error", err))
		return err
	}
	if len(parties) == 0 {
		metrics.SetWarmedParties(0)
		logger.Info("no open parties to warm")
		return nil
	}

	var warmed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(payload.Concurrency)
	for _, party := range parties {
		g.Go(func() error {
			// Each party gets its own deadline so one slow read cannot stall the run.
			partyCtx, cancel := context.WithTimeout(gctx, 20*time.Second)
			defer cancel()
			if _, err := j.Source.Outstanding(partyCtx, party); err != nil {
				logger.Error("warm outstanding", slog.String("party", party.String()), slog.Any("error", err))
				return err
			}
			warmed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	metrics.SetWarmedParties(int(warmed.Load()))
	if err != nil {
		return err
	}

	logger.Info("completed outstanding warmup", slog.Int("parties", len(parties)), slog.Duration("duration", j.now().Sub(start)))
	return nil
}

func (j *OutstandingWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
