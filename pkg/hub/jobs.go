package hub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/jobstore"
	"github.com/pulsedeck/realtime/pkg/wire"
)

// PlatformPublisher performs the actual publish to one platform. The default
// implementation waits one step delay and reports success; real deployments
// inject platform adapters here.
type PlatformPublisher func(ctx context.Context, job wire.Job, platform string) wire.PlatformResult

// JobEngineOptions configures a JobEngine.
type JobEngineOptions struct {
	Publisher message.Publisher
	Store     jobstore.Store
	Clock     func() time.Time
	StepDelay time.Duration
	Publish   PlatformPublisher
}

// JobEngine drives publish jobs through their lifecycle and pushes every
// transition to the jobs topic. Cancellation is cooperative: each running job
// carries a context checked between platforms.
type JobEngine struct {
	opts   JobEngineOptions
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*wire.Job
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewJobEngine builds a job engine publishing to the jobs topic.
func NewJobEngine(opts JobEngineOptions) *JobEngine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.StepDelay <= 0 {
		opts.StepDelay = 250 * time.Millisecond
	}
	if opts.Publish == nil {
		stepDelay := opts.StepDelay
		opts.Publish = func(ctx context.Context, job wire.Job, platform string) wire.PlatformResult {
			select {
			case <-ctx.Done():
				return wire.PlatformResult{Platform: platform, Status: wire.PlatformFailed, Error: "cancelled"}
			case <-time.After(stepDelay):
			}
			return wire.PlatformResult{Platform: platform, Status: wire.PlatformSuccess, RemoteID: platform + "-" + job.ID}
		}
	}
	return &JobEngine{
		opts:    opts,
		logger:  log.With().Str("component", "hub.jobs").Logger(),
		jobs:    map[string]*wire.Job{},
		cancels: map[string]context.CancelFunc{},
	}
}

// Start begins a job. The job id comes from the requesting client so it can
// correlate the stream; an empty or duplicate running id is rejected.
func (e *JobEngine) Start(jobID, contentID string, platforms []string) error {
	if jobID == "" || contentID == "" {
		return errors.New("job id and content id are required")
	}
	if len(platforms) == 0 {
		return errors.New("at least one platform is required")
	}
	e.mu.Lock()
	if _, running := e.cancels[jobID]; running {
		e.mu.Unlock()
		return errors.Errorf("job %s is already running", jobID)
	}
	job := &wire.Job{
		ID:        jobID,
		ContentID: contentID,
		Platforms: append([]string(nil), platforms...),
		Status:    wire.JobQueued,
		StartedMs: e.opts.Clock().UnixMilli(),
	}
	e.jobs[jobID] = job
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancels[jobID] = cancel
	snapshot := job.Clone()
	e.mu.Unlock()

	e.emit(snapshot)
	e.wg.Add(1)
	go e.run(runCtx, jobID, platforms)
	return nil
}

// Cancel requests cooperative cancellation of a running job.
func (e *JobEngine) Cancel(jobID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if !ok {
		return errors.Errorf("job %s is not running", jobID)
	}
	cancel()
	return nil
}

// Retry reruns a terminal job, optionally restricted to a platform subset.
// With no subset, only the platforms that failed run again.
func (e *JobEngine) Retry(jobID string, platforms []string) error {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return errors.Errorf("unknown job %s", jobID)
	}
	if !job.Status.Terminal() {
		e.mu.Unlock()
		return errors.Errorf("job %s is still %s", jobID, job.Status)
	}
	if len(platforms) == 0 {
		for _, res := range job.Results {
			if res.Status == wire.PlatformFailed {
				platforms = append(platforms, res.Platform)
			}
		}
	}
	if len(platforms) == 0 {
		platforms = append([]string(nil), job.Platforms...)
	}
	job.Status = wire.JobQueued
	job.Progress = 0
	job.Error = ""
	job.CompletedMs = 0
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancels[jobID] = cancel
	snapshot := job.Clone()
	e.mu.Unlock()

	e.emit(snapshot)
	e.wg.Add(1)
	go e.run(runCtx, jobID, platforms)
	return nil
}

// Job returns a copy of one tracked job.
func (e *JobEngine) Job(jobID string) (wire.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return wire.Job{}, false
	}
	return job.Clone(), true
}

// Wait blocks until every running job finishes. For shutdown and tests.
func (e *JobEngine) Wait() { e.wg.Wait() }

func (e *JobEngine) run(ctx context.Context, jobID string, platforms []string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, jobID)
		e.mu.Unlock()
	}()

	e.transition(jobID, func(job *wire.Job) {
		job.Status = wire.JobProcessing
		job.Progress = 5
	})

	total := len(platforms)
	for i, platform := range platforms {
		if ctx.Err() != nil {
			e.finish(jobID, wire.JobCancelled, "cancelled")
			return
		}
		e.transition(jobID, func(job *wire.Job) {
			job.Status = wire.JobPublishing
			setResult(job, wire.PlatformResult{Platform: platform, Status: wire.PlatformProcessing})
		})

		var snapshot wire.Job
		e.mu.Lock()
		if job, ok := e.jobs[jobID]; ok {
			snapshot = job.Clone()
		}
		e.mu.Unlock()

		result := e.opts.Publish(ctx, snapshot, platform)
		if ctx.Err() != nil {
			e.finish(jobID, wire.JobCancelled, "cancelled")
			return
		}
		e.transition(jobID, func(job *wire.Job) {
			setResult(job, result)
			job.Progress = 10 + 90*(i+1)/total
		})
	}

	var failed []string
	e.mu.Lock()
	if job, ok := e.jobs[jobID]; ok {
		for _, res := range job.Results {
			if res.Status == wire.PlatformFailed {
				failed = append(failed, res.Platform)
			}
		}
	}
	e.mu.Unlock()

	if len(failed) > 0 {
		e.finish(jobID, wire.JobFailed, "failed platforms: "+strings.Join(failed, ", "))
		return
	}
	e.finish(jobID, wire.JobCompleted, "")
}

// transition mutates a job under lock and emits the new snapshot.
func (e *JobEngine) transition(jobID string, mutate func(*wire.Job)) {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	if !ok || job.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	mutate(job)
	snapshot := job.Clone()
	e.mu.Unlock()
	e.emit(snapshot)
}

func (e *JobEngine) finish(jobID string, status wire.JobStatus, errText string) {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	if !ok || job.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	job.Status = status
	job.Error = errText
	job.CompletedMs = e.opts.Clock().UnixMilli()
	if status == wire.JobCompleted {
		job.Progress = 100
	}
	snapshot := job.Clone()
	e.mu.Unlock()

	e.emit(snapshot)
	if e.opts.Store != nil {
		if err := e.opts.Store.Save(context.Background(), snapshot); err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Msg("persist terminal job")
		}
	}
}

func (e *JobEngine) emit(job wire.Job) {
	msg, err := wire.NewMessage(wire.TypePublishJob, wire.TopicJobs, "hub", wire.JobEventPayload{Job: job})
	if err != nil {
		e.logger.Error().Err(err).Msg("encode job event")
		return
	}
	data, err := msg.Encode()
	if err != nil {
		e.logger.Error().Err(err).Msg("marshal job event")
		return
	}
	if err := e.opts.Publisher.Publish(wire.TopicJobs, message.NewMessage(watermill.NewUUID(), data)); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("publish job event")
	}
}

func setResult(job *wire.Job, result wire.PlatformResult) {
	for i, res := range job.Results {
		if res.Platform == result.Platform {
			job.Results[i] = result
			return
		}
	}
	job.Results = append(job.Results, result)
}
