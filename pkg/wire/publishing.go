package wire

// JobStatus is the lifecycle stage of a publish job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobPublishing JobStatus = "publishing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further status events are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// PlatformStatus is the per-platform outcome within a job.
type PlatformStatus string

const (
	PlatformPending    PlatformStatus = "pending"
	PlatformProcessing PlatformStatus = "processing"
	PlatformSuccess    PlatformStatus = "success"
	PlatformFailed     PlatformStatus = "failed"
)

// PlatformResult is the outcome of publishing to one platform.
type PlatformResult struct {
	Platform   string             `json:"platform"`
	Status     PlatformStatus     `json:"status"`
	RemoteID   string             `json:"remote_id,omitempty"`
	RemoteURL  string             `json:"remote_url,omitempty"`
	Error      string             `json:"error,omitempty"`
	Engagement map[string]float64 `json:"engagement,omitempty"`
}

// Job tracks one multi-platform publish request.
type Job struct {
	ID          string           `json:"id"`
	ContentID   string           `json:"content_id"`
	Platforms   []string         `json:"platforms"`
	Status      JobStatus        `json:"status"`
	Progress    int              `json:"progress"`
	StartedMs   int64            `json:"started_ms,omitempty"`
	CompletedMs int64            `json:"completed_ms,omitempty"`
	Error       string           `json:"error,omitempty"`
	Results     []PlatformResult `json:"results,omitempty"`
}

// Clone returns a deep copy so callers never alias service-owned state.
func (j Job) Clone() Job {
	out := j
	out.Platforms = append([]string(nil), j.Platforms...)
	if j.Results != nil {
		out.Results = make([]PlatformResult, len(j.Results))
		for i, r := range j.Results {
			out.Results[i] = r
			if r.Engagement != nil {
				eng := make(map[string]float64, len(r.Engagement))
				for k, v := range r.Engagement {
					eng[k] = v
				}
				out.Results[i].Engagement = eng
			}
		}
	}
	return out
}

// PublishStartPayload requests a new publish job.
type PublishStartPayload struct {
	JobID     string            `json:"job_id"`
	ContentID string            `json:"content_id"`
	Platforms []string          `json:"platforms"`
	Options   map[string]string `json:"options,omitempty"`
}

// PublishCancelPayload requests cancellation of a running job.
type PublishCancelPayload struct {
	JobID string `json:"job_id"`
}

// PublishRetryPayload requests a retry, optionally for a platform subset.
type PublishRetryPayload struct {
	JobID     string   `json:"job_id"`
	Platforms []string `json:"platforms,omitempty"`
}

// JobEventPayload is the hub-side job upsert pushed to subscribers.
type JobEventPayload struct {
	Job Job `json:"job"`
}
