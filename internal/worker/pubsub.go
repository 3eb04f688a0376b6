package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// Job types accepted on the worker subscription.
const (
	JobRecheckStale = "recheck_stale"
	JobReap         = "reap"
	JobWatchdog     = "watchdog"
)

// Message errors that redelivery cannot fix.
var (
	ErrUnknownJob   = errors.New("unknown job type")
	ErrMalformedJob = errors.New("malformed job message")
)

// JobMessage is a job request published by the scheduler.
type JobMessage struct {
	JobType string `json:"job_type"`

	// MaxAgeHours overrides the recheck staleness window for one run.
	MaxAgeHours int `json:"max_age_hours,omitempty"`
}

// Jobs are the jobs a message can trigger. Nil jobs are rejected.
type Jobs struct {
	Recheck  *RecheckJob
	Reaper   *Reaper
	Watchdog *Watchdog
}

// Dispatcher runs jobs by message. It is independent of the transport so
// it can be driven by Pub/Sub or directly.
type Dispatcher struct {
	jobs   Jobs
	logger zerolog.Logger
}

// NewDispatcher creates a job dispatcher.
func NewDispatcher(jobs Jobs, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{jobs: jobs, logger: logger}
}

// Handle decodes and runs one job message.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) error {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	switch msg.JobType {
	case JobRecheckStale:
		if d.jobs.Recheck == nil {
			return fmt.Errorf("%w: %s not configured", ErrUnknownJob, msg.JobType)
		}
		job := d.jobs.Recheck
		if msg.MaxAgeHours > 0 {
			cfg := job.config
			cfg.MaxAge = time.Duration(msg.MaxAgeHours) * time.Hour
			job = NewRecheckJob(RecheckJobConfig{
				Config:     cfg,
				Records:    job.records,
				Dispatcher: job.dispatcher,
				Logger:     d.logger,
			})
		}
		result, err := job.Run(ctx)
		if err != nil {
			return fmt.Errorf("recheck stale: %w", err)
		}
		if result.Stale > 0 && result.Failed == result.Stale {
			return fmt.Errorf("recheck stale: all %d dispatches failed", result.Failed)
		}
		return nil
	case JobReap:
		if d.jobs.Reaper == nil {
			return fmt.Errorf("%w: %s not configured", ErrUnknownJob, msg.JobType)
		}
		_, err := d.jobs.Reaper.Run(ctx)
		return err
	case JobWatchdog:
		if d.jobs.Watchdog == nil {
			return fmt.Errorf("%w: %s not configured", ErrUnknownJob, msg.JobType)
		}
		_, err := d.jobs.Watchdog.Run(ctx)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, msg.JobType)
	}
}

// PubSubHandler handles Pub/Sub messages for the worker.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	dispatcher       *Dispatcher
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Dispatcher       *Dispatcher
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Recheck runs are long; keep few outstanding.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 4
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		dispatcher:       cfg.Dispatcher,
		logger:           cfg.Logger,
	}, nil
}

// Start begins processing Pub/Sub messages. It blocks until ctx is done.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	startTime := time.Now()

	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	logger.Debug().Msg("received pubsub message")

	err := h.dispatcher.Handle(ctx, msg.Data)
	switch {
	case errors.Is(err, ErrUnknownJob), errors.Is(err, ErrMalformedJob):
		logger.Warn().Err(err).Msg("dropping job message")
		msg.Ack()
		return
	case err != nil:
		logger.Error().Err(err).Msg("job failed")
		msg.Nack()
		return
	}

	logger.Info().
		Dur("duration", time.Since(startTime)).
		Msg("job completed successfully")
	msg.Ack()
}
