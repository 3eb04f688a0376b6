package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/certificate"
	"github.com/certdispatch/certdispatch/internal/dispatch"
)

// StaleRecords lists records that have not been checked recently.
type StaleRecords interface {
	Stale(ctx context.Context, maxAge time.Duration, limit int) ([]*certificate.Record, error)
}

// CheckDispatcher routes one check request.
type CheckDispatcher interface {
	DispatchCheck(ctx context.Context, subjectID, origin string) (dispatch.Result, error)
}

// RecheckJob dispatches a check for every stale certificate record.
type RecheckJob struct {
	config     RecheckConfig
	records    StaleRecords
	dispatcher CheckDispatcher
	logger     zerolog.Logger

	metrics *RecheckMetrics
}

// RecheckMetrics tracks recheck job statistics.
type RecheckMetrics struct {
	mu sync.RWMutex

	TotalRuns     int64
	Queued        int64
	LocalFallback int64
	Skipped       int64
	Failed        int64

	LastRunAt       time.Time
	LastRunDuration time.Duration
}

// RecheckJobConfig holds configuration for creating a RecheckJob.
type RecheckJobConfig struct {
	Config     RecheckConfig
	Records    StaleRecords
	Dispatcher CheckDispatcher
	Logger     zerolog.Logger
}

// NewRecheckJob creates a new recheck job.
func NewRecheckJob(cfg RecheckJobConfig) *RecheckJob {
	return &RecheckJob{
		config:     cfg.Config.withDefaults(),
		records:    cfg.Records,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger.With().Str("job", "recheck_stale").Logger(),
		metrics:    &RecheckMetrics{},
	}
}

// RecheckResult contains the result of a recheck run.
type RecheckResult struct {
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
	Stale         int
	Queued        int
	LocalFallback int
	Skipped       int
	Failed        int
	Errors        []RecheckError
}

// RecheckError records a dispatch that failed.
type RecheckError struct {
	SubjectID string
	Error     string
}

// Run dispatches checks for all stale records. It returns an error only
// when the stale records cannot be listed.
func (j *RecheckJob) Run(ctx context.Context) (*RecheckResult, error) {
	startTime := time.Now()
	result := &RecheckResult{StartTime: startTime}

	stale, err := j.records.Stale(ctx, j.config.MaxAge, j.config.Limit)
	if err != nil {
		return nil, err
	}
	result.Stale = len(stale)

	j.logger.Info().
		Int("stale", len(stale)).
		Int("concurrency", j.config.Concurrency).
		Dur("max_age", j.config.MaxAge).
		Msg("starting stale recheck")

	ids := make(chan string, len(stale))
	results := make(chan recordResult, len(stale))

	var wg sync.WaitGroup
	for i := 0; i < j.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.dispatchWorker(ctx, ids, results)
		}()
	}

	for _, r := range stale {
		ids <- r.ID
	}
	close(ids)

	go func() {
		wg.Wait()
		close(results)
	}()

	for rr := range results {
		if rr.err != nil {
			result.Failed++
			result.Errors = append(result.Errors, RecheckError{SubjectID: rr.subjectID, Error: rr.err.Error()})
			continue
		}
		switch rr.outcome {
		case dispatch.Queued:
			result.Queued++
		case dispatch.LocalFallback:
			result.LocalFallback++
		default:
			result.Skipped++
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(startTime)
	j.updateMetrics(result)

	j.logger.Info().
		Dur("duration", result.Duration).
		Int("queued", result.Queued).
		Int("local_fallback", result.LocalFallback).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("stale recheck completed")

	return result, nil
}

type recordResult struct {
	subjectID string
	outcome   dispatch.Outcome
	err       error
}

func (j *RecheckJob) dispatchWorker(ctx context.Context, ids <-chan string, results chan<- recordResult) {
	for id := range ids {
		select {
		case <-ctx.Done():
			results <- recordResult{subjectID: id, err: ctx.Err()}
		default:
			results <- j.dispatchOne(ctx, id)
		}
	}
}

func (j *RecheckJob) dispatchOne(ctx context.Context, id string) recordResult {
	dctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	res, err := j.dispatcher.DispatchCheck(dctx, id, j.config.Origin)
	if err != nil {
		j.logger.Warn().Err(err).Str("subject_id", id).Msg("failed to dispatch recheck")
		return recordResult{subjectID: id, err: err}
	}
	return recordResult{subjectID: id, outcome: res.Outcome}
}

func (j *RecheckJob) updateMetrics(result *RecheckResult) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.TotalRuns++
	j.metrics.Queued += int64(result.Queued)
	j.metrics.LocalFallback += int64(result.LocalFallback)
	j.metrics.Skipped += int64(result.Skipped)
	j.metrics.Failed += int64(result.Failed)
	j.metrics.LastRunAt = result.EndTime
	j.metrics.LastRunDuration = result.Duration
}

// GetMetrics returns a copy of the current metrics.
func (j *RecheckJob) GetMetrics() RecheckMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return RecheckMetrics{
		TotalRuns:       j.metrics.TotalRuns,
		Queued:          j.metrics.Queued,
		LocalFallback:   j.metrics.LocalFallback,
		Skipped:         j.metrics.Skipped,
		Failed:          j.metrics.Failed,
		LastRunAt:       j.metrics.LastRunAt,
		LastRunDuration: j.metrics.LastRunDuration,
	}
}

// MetricsSnapshot returns the metrics as a map for logging.
func (j *RecheckJob) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	return map[string]interface{}{
		"total_runs":        m.TotalRuns,
		"queued":            m.Queued,
		"local_fallback":    m.LocalFallback,
		"skipped":           m.Skipped,
		"failed":            m.Failed,
		"last_run_at":       m.LastRunAt,
		"last_run_duration": m.LastRunDuration.String(),
	}
}
