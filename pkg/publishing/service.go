package publishing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/wire"
)

const progressRingCap = 50

// Sender is the narrow transport surface the service needs.
type Sender interface {
	Send(wire.Message) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// EventKind classifies job lifecycle notifications.
type EventKind string

const (
	JobStarted   EventKind = "job_started"
	JobUpdated   EventKind = "job_updated"
	JobCompleted EventKind = "job_completed"
	JobFailed    EventKind = "job_failed"
	JobCancelled EventKind = "job_cancelled"
)

// Event is one job lifecycle notification with a snapshot of the job.
type Event struct {
	Kind EventKind
	Job  wire.Job
}

// PlatformStats aggregates per-platform outcomes across jobs.
type PlatformStats struct {
	Attempts    int
	Succeeded   int
	Failed      int
	SuccessRate float64
}

// Statistics summarizes jobs started within a window.
type Statistics struct {
	Total           int
	Completed       int
	Failed          int
	Cancelled       int
	Active          int
	SuccessRate     float64
	AvgCompletionMs int64
	Platforms       map[string]PlatformStats
}

// Options configures a Service.
type Options struct {
	Transport Sender
	Clock     func() time.Time

	// StartTimeout bounds how long a started job may wait for the first
	// server event before it is marked failed locally. Default 10s.
	StartTimeout time.Duration
}

// Service tracks multi-platform publish jobs. Local state is optimistic: a
// job exists from the moment StartPublishing is called and is reconciled by
// publish.job events from the hub, last write wins in application order.
type Service struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	jobs        map[string]*wire.Job
	progress    map[string][]int // ring of recent progress points per job
	started     map[string]bool  // JobStarted already fired
	startTimers map[string]*time.Timer
	waiters     map[string]chan startResult // blocking StartPublishing callers
	listeners   map[int64]func(Event)
	nextID      int64
}

type startResult struct {
	job wire.Job
	err error
}

// NewService builds a publishing service subscribed to the jobs topic.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Second
	}
	return &Service{
		opts:        opts,
		logger:      log.With().Str("component", "publishing").Logger(),
		jobs:        map[string]*wire.Job{},
		progress:    map[string][]int{},
		started:     map[string]bool{},
		startTimers: map[string]*time.Timer{},
		waiters:     map[string]chan startResult{},
		listeners:   map[int64]func(Event){},
	}
}

// Subscribe registers interest in the jobs topic on the transport.
func (s *Service) Subscribe() error {
	return s.opts.Transport.Subscribe(wire.TopicJobs)
}

// StartPublishing requests a new publish job and blocks until the hub's
// first event for it arrives. It fails when no event arrives within
// StartTimeout or when ctx is cancelled first; the job stays tracked either
// way and later events still reconcile it.
func (s *Service) StartPublishing(ctx context.Context, contentID string, platforms []string, options map[string]string) (*wire.Job, error) {
	jobID, err := s.StartPublishingAsync(contentID, platforms, options)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	waiter := s.waiters[jobID]
	s.mu.Unlock()

	select {
	case res := <-waiter:
		if res.err != nil {
			return nil, res.err
		}
		job := res.job
		return &job, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for publish job %s", jobID)
	}
}

// StartPublishingAsync requests a new publish job and returns its id without
// waiting for the hub. The job is tracked locally as queued until the first
// event arrives; if none arrives within StartTimeout it is marked failed.
func (s *Service) StartPublishingAsync(contentID string, platforms []string, options map[string]string) (string, error) {
	if contentID == "" {
		return "", errors.New("content id is required")
	}
	if len(platforms) == 0 {
		return "", errors.New("at least one platform is required")
	}
	jobID := uuid.New().String()

	msg, err := wire.NewMessage(wire.TypePublishStart, wire.TopicJobs, "", wire.PublishStartPayload{
		JobID:     jobID,
		ContentID: contentID,
		Platforms: platforms,
		Options:   options,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode publish start")
	}
	if err := s.opts.Transport.Send(msg); err != nil {
		return "", errors.Wrap(err, "send publish start")
	}

	job := &wire.Job{
		ID:        jobID,
		ContentID: contentID,
		Platforms: append([]string(nil), platforms...),
		Status:    wire.JobQueued,
		StartedMs: s.opts.Clock().UnixMilli(),
	}
	s.mu.Lock()
	s.jobs[jobID] = job
	s.progress[jobID] = []int{0}
	s.waiters[jobID] = make(chan startResult, 1)
	s.startTimers[jobID] = time.AfterFunc(s.opts.StartTimeout, func() { s.startTimedOut(jobID) })
	s.mu.Unlock()

	return jobID, nil
}

// resolveWaiterLocked delivers the first correlated outcome to a blocked
// StartPublishing caller, if any.
func (s *Service) resolveWaiterLocked(jobID string, res startResult) {
	waiter, ok := s.waiters[jobID]
	if !ok {
		return
	}
	delete(s.waiters, jobID)
	waiter <- res
}

// Cancel requests cancellation of a running job.
func (s *Service) Cancel(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok && job.Status.Terminal() {
		s.mu.Unlock()
		return errors.Errorf("job %s already %s", jobID, job.Status)
	}
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown job %s", jobID)
	}

	msg, err := wire.NewMessage(wire.TypePublishCancel, wire.TopicJobs, "", wire.PublishCancelPayload{JobID: jobID})
	if err != nil {
		return errors.Wrap(err, "encode publish cancel")
	}
	return errors.Wrap(s.opts.Transport.Send(msg), "send publish cancel")
}

// Retry requests a retry of a failed job, optionally for a platform subset.
func (s *Service) Retry(jobID string, platforms []string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	var status wire.JobStatus
	if ok {
		status = job.Status
	}
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown job %s", jobID)
	}
	if status != wire.JobFailed && status != wire.JobCancelled {
		return errors.Errorf("job %s is %s, only failed or cancelled jobs can be retried", jobID, status)
	}

	msg, err := wire.NewMessage(wire.TypePublishRetry, wire.TopicJobs, "", wire.PublishRetryPayload{
		JobID:     jobID,
		Platforms: platforms,
	})
	if err != nil {
		return errors.Wrap(err, "encode publish retry")
	}
	return errors.Wrap(s.opts.Transport.Send(msg), "send publish retry")
}

// HandleMessage ingests publish.job events. Upserts are idempotent; repeated
// identical events fire at most one semantic transition each.
func (s *Service) HandleMessage(msg wire.Message) {
	if msg.Type != wire.TypePublishJob {
		return
	}
	var payload wire.JobEventPayload
	if err := msg.Decode(&payload); err != nil {
		s.logger.Warn().Err(err).Msg("bad publish.job payload")
		return
	}
	s.applyJobEvent(payload.Job)
}

func (s *Service) applyJobEvent(update wire.Job) {
	if update.ID == "" {
		return
	}
	var events []Event

	s.mu.Lock()
	if timer, ok := s.startTimers[update.ID]; ok {
		timer.Stop()
		delete(s.startTimers, update.ID)
	}

	prev := s.jobs[update.ID]
	var prevStatus wire.JobStatus
	var prevProgress int
	if prev != nil {
		prevStatus = prev.Status
		prevProgress = prev.Progress
	}

	stored := update.Clone()
	s.jobs[update.ID] = &stored

	if prev == nil || stored.Progress != prevProgress {
		ring := append(s.progress[update.ID], stored.Progress)
		if len(ring) > progressRingCap {
			ring = ring[len(ring)-progressRingCap:]
		}
		s.progress[update.ID] = ring
	}

	snapshot := stored.Clone()
	s.resolveWaiterLocked(update.ID, startResult{job: snapshot})

	// the generic update fires on every observable change, semantic
	// transitions alongside it and at most once each
	if prev == nil || stored.Status != prevStatus || stored.Progress != prevProgress {
		events = append(events, Event{Kind: JobUpdated, Job: snapshot})
	}
	switch {
	case stored.Status == wire.JobCompleted && prevStatus != wire.JobCompleted:
		events = append(events, Event{Kind: JobCompleted, Job: snapshot})
	case stored.Status == wire.JobFailed && prevStatus != wire.JobFailed:
		events = append(events, Event{Kind: JobFailed, Job: snapshot})
	case stored.Status == wire.JobCancelled && prevStatus != wire.JobCancelled:
		events = append(events, Event{Kind: JobCancelled, Job: snapshot})
	case !stored.Status.Terminal():
		if !s.started[update.ID] && (stored.Status == wire.JobProcessing || stored.Status == wire.JobPublishing) {
			s.started[update.ID] = true
			events = append(events, Event{Kind: JobStarted, Job: snapshot})
		}
	}
	fns := s.listenerSnapshot()
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (s *Service) startTimedOut(jobID string) {
	s.mu.Lock()
	delete(s.startTimers, jobID)
	job, ok := s.jobs[jobID]
	if !ok || job.Status != wire.JobQueued {
		s.mu.Unlock()
		return
	}
	job.Status = wire.JobFailed
	job.Error = "no response from publishing service"
	job.CompletedMs = s.opts.Clock().UnixMilli()
	snapshot := job.Clone()
	s.resolveWaiterLocked(jobID, startResult{err: errors.Errorf("publish job %s: %s", jobID, job.Error)})
	fns := s.listenerSnapshot()
	s.mu.Unlock()

	s.logger.Warn().Str("job_id", jobID).Msg("publish start timed out")
	for _, fn := range fns {
		fn(Event{Kind: JobFailed, Job: snapshot})
	}
}

// Job returns a copy of one job.
func (s *Service) Job(jobID string) (wire.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return wire.Job{}, false
	}
	return job.Clone(), true
}

// Filter narrows the result of Jobs. Zero-valued fields match everything.
type Filter struct {
	ContentID string
	Status    wire.JobStatus
	Platform  string
	Limit     int
}

func (f Filter) matches(job *wire.Job) bool {
	if f.ContentID != "" && job.ContentID != f.ContentID {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Platform != "" {
		found := false
		for _, p := range job.Platforms {
			if p == f.Platform {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Jobs returns copies of the tracked jobs matching the filter, newest first.
func (s *Service) Jobs(f Filter) []wire.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if f.matches(job) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedMs > out[j].StartedMs })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ActiveJobs returns copies of jobs still in flight, meaning queued,
// processing, or publishing, with one entry per job id.
func (s *Service) ActiveJobs() []wire.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			out = append(out, job.Clone())
		}
	}
	return out
}

// JobProgress returns the recent progress points for a job, oldest first.
func (s *Service) JobProgress(jobID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress[jobID]...)
}

// Statistics summarizes jobs started within the window ending now: outcome
// counts, success rate, mean completion time, and settled per-platform
// results.
func (s *Service) Statistics(window time.Duration) Statistics {
	cutoff := s.opts.Clock().Add(-window).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Statistics{Platforms: map[string]PlatformStats{}}
	var totalCompletionMs int64
	var completions int64
	for _, job := range s.jobs {
		if job.StartedMs < cutoff {
			continue
		}
		stats.Total++
		switch job.Status {
		case wire.JobCompleted:
			stats.Completed++
			if job.CompletedMs > job.StartedMs {
				totalCompletionMs += job.CompletedMs - job.StartedMs
				completions++
			}
		case wire.JobFailed:
			stats.Failed++
		case wire.JobCancelled:
			stats.Cancelled++
		default:
			stats.Active++
		}
		for _, result := range job.Results {
			ps := stats.Platforms[result.Platform]
			switch result.Status {
			case wire.PlatformSuccess:
				ps.Attempts++
				ps.Succeeded++
			case wire.PlatformFailed:
				ps.Attempts++
				ps.Failed++
			}
			stats.Platforms[result.Platform] = ps
		}
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	if completions > 0 {
		stats.AvgCompletionMs = totalCompletionMs / completions
	}
	for platform, ps := range stats.Platforms {
		if settled := ps.Succeeded + ps.Failed; settled > 0 {
			ps.SuccessRate = float64(ps.Succeeded) / float64(settled)
			stats.Platforms[platform] = ps
		}
	}
	return stats
}

// ClearCompletedJobs drops terminal jobs older than the given age together
// with their progress history, and returns how many were removed. An age of
// zero removes every terminal job.
func (s *Service) ClearCompletedJobs(olderThan time.Duration) int {
	cutoff := s.opts.Clock().Add(-olderThan).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.StartedMs <= cutoff {
			delete(s.jobs, id)
			delete(s.progress, id)
			delete(s.started, id)
			removed++
		}
	}
	return removed
}

// OnEvent registers a listener for job lifecycle events.
func (s *Service) OnEvent(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close stops outstanding start timers and unblocks waiting callers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.startTimers {
		timer.Stop()
		delete(s.startTimers, id)
	}
	for id := range s.waiters {
		s.resolveWaiterLocked(id, startResult{err: errors.New("publishing service closed")})
	}
}

func (s *Service) listenerSnapshot() []func(Event) {
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}
