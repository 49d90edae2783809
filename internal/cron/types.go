// Package cron is the scheduling and dispatch engine's job catalog: a durable
// store of one-shot, interval and calendar jobs, the trigger evaluator that
// computes when each is next due, and the tick loop that claims due jobs and
// hands them to the dispatcher.
//
// Three schedule kinds are supported:
//   - "at":    one-shot execution at an absolute timestamp (UTC epoch ms)
//   - "every": recurring interval anchored to the job's creation time
//   - "cron":  5-field calendar expression, optionally in an IANA timezone
package cron

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

// Schedule kinds.
const (
	ScheduleKindAt    = "at"
	ScheduleKindEvery = "every"
	ScheduleKindCron  = "cron"
)

// Session targets.
const (
	SessionTargetMain     = "main"
	SessionTargetIsolated = "isolated"
)

// Payload kinds. A main-session job carries a system event; an isolated job
// carries an agent turn. The pairing is validated at ingest, never rechecked
// downstream.
const (
	PayloadKindSystemEvent = "systemEvent"
	PayloadKindAgentTurn   = "agentTurn"
)

// Wake modes for main-session jobs.
const (
	WakeModeNow           = "now"
	WakeModeNextHeartbeat = "next-heartbeat"
)

// Run outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

// Error kinds recorded in RunRecords and surfaced through the API.
const (
	ErrKindInvalidSchedule   = "invalid_schedule"
	ErrKindInvalidPayload    = "invalid_payload"
	ErrKindConflictingTarget = "conflicting_target_and_payload"
	ErrKindNotFound          = "not_found"
	ErrKindLaneQueueFull     = "lane_queue_full"
	ErrKindStorage           = "storage_unavailable"
	ErrKindAgentTimeout      = "agent_timeout"
	ErrKindAgentError        = "agent_error"
	ErrKindDeliveryError     = "delivery_error"
	ErrKindCancelled         = "cancelled"
	ErrKindInternal          = "internal"
)

// Trigger reasons passed to the executor.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerInbound  = "inbound_channel"
)

// Isolation defaults.
const (
	DefaultPostToMainPrefix   = "Cron"
	DefaultPostToMainMaxChars = 8000
)

// Schedule defines when a job runs. Exactly one variant's fields are set,
// selected by Kind.
type Schedule struct {
	Kind    string `json:"kind"`
	AtMS    *int64 `json:"atMs,omitempty"`    // "at": unix ms, UTC
	EveryMS *int64 `json:"everyMs,omitempty"` // "every": interval in ms
	Expr    string `json:"expr,omitempty"`    // "cron": 5-field expression
	TZ      string `json:"tz,omitempty"`      // "cron": IANA name, empty = host local
}

// Payload describes what a job does when it fires. Kind "systemEvent" uses
// Text; kind "agentTurn" uses the remaining fields.
type Payload struct {
	Kind string `json:"kind"`

	// systemEvent
	Text string `json:"text,omitempty"`

	// agentTurn
	Message           string `json:"message,omitempty"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty"`
	Deliver           *bool  `json:"deliver,omitempty"` // nil = unset; `to` then implies delivery
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver bool   `json:"bestEffortDeliver,omitempty"`
}

// WantsDelivery applies the (to, deliver) truth table: an explicit false wins,
// an explicit true or a set `to` enables delivery, otherwise nothing is sent.
func (p *Payload) WantsDelivery() bool {
	if p.Deliver != nil {
		return *p.Deliver
	}
	return p.To != ""
}

// Isolation controls how an isolated job's output is posted back into the
// main session.
type Isolation struct {
	PostToMainPrefix   string `json:"postToMainPrefix,omitempty"`
	PostToMainMode     string `json:"postToMainMode,omitempty"` // "summary" (default) or "full"
	PostToMainMaxChars int    `json:"postToMainMaxChars,omitempty"`
}

// Prefix returns the post-to-main prefix, defaulted.
func (i *Isolation) Prefix() string {
	if i == nil || i.PostToMainPrefix == "" {
		return DefaultPostToMainPrefix
	}
	return i.PostToMainPrefix
}

// MaxChars returns the post-to-main truncation limit, defaulted.
func (i *Isolation) MaxChars() int {
	if i == nil || i.PostToMainMaxChars <= 0 {
		return DefaultPostToMainMaxChars
	}
	return i.PostToMainMaxChars
}

// FullMode reports whether the whole output (not a summary) is posted.
func (i *Isolation) FullMode() bool {
	return i != nil && i.PostToMainMode == "full"
}

// JobState is the mutable scheduling state attached to a job.
type JobState struct {
	NextRunAtMS  *int64 `json:"nextRunAtMs,omitempty"`
	LeaseUntilMS *int64 `json:"leaseUntilMs,omitempty"` // set while claimed by a scheduler tick
	LastRunAtMS  *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus   string `json:"lastStatus,omitempty"`
	LastError    string `json:"lastError,omitempty"`
}

// Job is one entry in the catalog.
type Job struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	AgentID        string     `json:"agentId,omitempty"` // empty = default agent
	Enabled        bool       `json:"enabled"`
	Schedule       Schedule   `json:"schedule"`
	SessionTarget  string     `json:"sessionTarget"`
	WakeMode       string     `json:"wakeMode,omitempty"`
	Payload        Payload    `json:"payload"`
	Isolation      *Isolation `json:"isolation,omitempty"`
	DeleteAfterRun bool       `json:"deleteAfterRun,omitempty"`
	State          JobState   `json:"state"`
	CreatedAtMS    int64      `json:"createdAtMs"`
	UpdatedAtMS    int64      `json:"updatedAtMs"`
}

// IsIsolated reports whether the job runs in a per-job isolated session.
func (j *Job) IsIsolated() bool { return j.SessionTarget == SessionTargetIsolated }

// IsOneShot reports whether the job has an "at" schedule.
func (j *Job) IsOneShot() bool { return j.Schedule.Kind == ScheduleKindAt }

// Prompt returns the text the job hands to its session.
func (j *Job) Prompt() string {
	if j.Payload.Kind == PayloadKindAgentTurn {
		return j.Payload.Message
	}
	return j.Payload.Text
}

// Clone returns a deep copy; the store hands out clones so callers can't
// mutate the in-memory catalog behind its back.
func (j *Job) Clone() *Job {
	c := *j
	if j.Schedule.AtMS != nil {
		v := *j.Schedule.AtMS
		c.Schedule.AtMS = &v
	}
	if j.Schedule.EveryMS != nil {
		v := *j.Schedule.EveryMS
		c.Schedule.EveryMS = &v
	}
	if j.Payload.Deliver != nil {
		v := *j.Payload.Deliver
		c.Payload.Deliver = &v
	}
	if j.Isolation != nil {
		iso := *j.Isolation
		c.Isolation = &iso
	}
	if j.State.NextRunAtMS != nil {
		v := *j.State.NextRunAtMS
		c.State.NextRunAtMS = &v
	}
	if j.State.LeaseUntilMS != nil {
		v := *j.State.LeaseUntilMS
		c.State.LeaseUntilMS = &v
	}
	if j.State.LastRunAtMS != nil {
		v := *j.State.LastRunAtMS
		c.State.LastRunAtMS = &v
	}
	return &c
}

// NullableString distinguishes "absent" from "explicit null" in a patch, so
// callers can clear a field (agentId) by sending null.
type NullableString struct {
	Set   bool
	Value string
}

func (n *NullableString) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(data, []byte("null")) {
		n.Value = ""
		return nil
	}
	return json.Unmarshal(data, &n.Value)
}

func (n NullableString) MarshalJSON() ([]byte, error) {
	if !n.Set {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// JobPatch holds optional fields for updating a job. Only set fields are
// applied; the merged job is re-validated before commit.
type JobPatch struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	AgentID        *NullableString `json:"agentId,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
	Schedule       *Schedule       `json:"schedule,omitempty"`
	WakeMode       *string         `json:"wakeMode,omitempty"`
	Payload        *Payload        `json:"payload,omitempty"`
	Isolation      *Isolation      `json:"isolation,omitempty"`
	DeleteAfterRun *bool           `json:"deleteAfterRun,omitempty"`
}

// DeliveryRecord captures where a run's output went and whether it arrived.
type DeliveryRecord struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Status  string `json:"status"` // "ok" or "failed"
	Error   string `json:"error,omitempty"`
}

// Usage is the token accounting reported by the agent runtime.
type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
}

// RunRecord is one append-only ledger entry describing a single execution
// attempt. Created when the scheduler claims the job, completed by the
// executor, never edited afterwards.
type RunRecord struct {
	RunID         string          `json:"runId"`
	JobID         string          `json:"jobId"`
	TriggeredAtMS int64           `json:"triggeredAtMs"`
	StartedAtMS   *int64          `json:"startedAtMs,omitempty"`
	FinishedAtMS  *int64          `json:"finishedAtMs,omitempty"`
	Outcome       string          `json:"outcome"`
	ErrorKind     string          `json:"errorKind,omitempty"`
	ErrorDetail   string          `json:"errorDetail,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	Delivery      *DeliveryRecord `json:"delivery,omitempty"`
}

// NewRunID mints a time-ordered run identifier.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewJobID mints a job identifier.
func NewJobID() string {
	return uuid.New().String()
}

// catalogFile is the on-disk shape of jobs.json.
type catalogFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

const catalogVersion = 1
