package agent

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/dispatch"
)

// Controller is the agent's view of the controller API.
type Controller interface {
	Poll(ctx context.Context, limit int) (dispatch.PollResult, error)
	Ack(ctx context.Context, tasks []dispatch.AgentTask) (int, error)
	Report(ctx context.Context, rows []dispatch.ReportRow) (int, error)
}

// Prober reads the certificate of a target.
type Prober interface {
	Probe(ctx context.Context, target string) (ProbeResult, error)
}

// Runner drives the poll, probe, ack and report cycle.
type Runner struct {
	cfg        Config
	controller Controller
	prober     Prober
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRunner creates a runner.
func NewRunner(cfg Config, controller Controller, prober Prober, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		controller: controller,
		prober:     prober,
		logger:     logger.With().Str("component", "agent").Logger(),
		now:        time.Now,
	}
}

// Cycle summarises one pass.
type Cycle struct {
	Leased   int
	Failed   int
	Reported int
}

// RunOnce polls once and reports every leased task.
func (r *Runner) RunOnce(ctx context.Context) (Cycle, error) {
	polled, err := r.controller.Poll(ctx, r.cfg.Limit)
	if err != nil {
		return Cycle{}, err
	}
	cycle := Cycle{Leased: len(polled.Tasks)}
	if cycle.Leased == 0 {
		r.logger.Debug().Int("pending", polled.Pending).Msg("no tasks leased")
		return cycle, nil
	}

	if _, err := r.controller.Ack(ctx, polled.Tasks); err != nil {
		r.logger.Warn().Err(err).Msg("failed to acknowledge tasks")
	}

	rows := make([]dispatch.ReportRow, 0, len(polled.Tasks))
	for _, task := range polled.Tasks {
		row := r.check(ctx, task)
		if row.Error != "" {
			cycle.Failed++
		}
		rows = append(rows, row)
	}

	updated, err := r.controller.Report(ctx, rows)
	if err != nil {
		return cycle, err
	}
	cycle.Reported = updated

	r.logger.Info().
		Int("leased", cycle.Leased).
		Int("failed", cycle.Failed).
		Int("reported", cycle.Reported).
		Msg("check cycle completed")
	return cycle, nil
}

func (r *Runner) check(ctx context.Context, task dispatch.AgentTask) dispatch.ReportRow {
	row := dispatch.ReportRow{
		ID:         dispatch.SubjectRef(task.SubjectID),
		RequestID:  task.RequestID,
		Source:     r.cfg.Name,
		CheckName:  "tls_expiry",
		Initiator:  task.Context,
		ExecutedAt: r.now().UTC().Format(time.RFC3339),
	}

	result, err := r.prober.Probe(ctx, task.Target)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject_id", task.SubjectID).Str("target", task.Target).Msg("probe failed")
		row.Status = "error"
		row.Error = err.Error()
		return row
	}

	row.Status = "ok"
	row.ExpiryTS = dispatch.Int64(result.NotAfter.Unix())
	row.CommonName = result.CommonName
	row.IssuerName = result.Issuer
	row.LatencyMS = dispatch.Int64(result.Latency.Milliseconds())
	return row
}

// Run repeats RunOnce every Interval until ctx is done. Cycle errors,
// including a rejected token, are logged and do not stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Str("server", r.cfg.ServerBase).
		Dur("interval", r.cfg.Interval).
		Int("limit", r.cfg.Limit).
		Msg("agent started")

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			event := r.logger.Error()
			if errors.Is(err, ErrForbidden) {
				event = r.logger.Error().Str("hint", "check the agent token")
			}
			event.Err(err).Msg("check cycle failed")
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("agent stopped")
			return nil
		case <-time.After(r.cfg.Interval):
		}
	}
}
