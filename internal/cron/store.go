package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

// Store is the durable job catalog. The file implementation below is the
// standalone default; internal/store/pg provides the managed-mode variant.
type Store interface {
	// List returns all jobs ordered by creation time.
	List() []*Job

	// Get returns a job by ID or ErrNotFound.
	Get(jobID string) (*Job, error)

	// Add validates and persists a new job, assigning an ID if absent.
	Add(j *Job) (*Job, error)

	// Update merges a patch, re-validates and persists atomically.
	Update(jobID string, patch JobPatch) (*Job, error)

	// Remove deletes a job. Idempotent; run history is preserved until pruned.
	Remove(jobID string) error

	// ClaimDue atomically selects enabled jobs due at or before nowMS that
	// are not already claimed, marks them with a lease, and returns them.
	// Ties are ordered by due time, then creation time.
	ClaimDue(nowMS int64, maxBatch int) ([]*Job, error)

	// Advance commits the recurrence step. previousDueMS is a CAS token:
	// if the stored due time no longer matches, ErrStaleAdvance is returned
	// and the caller must drop the claim. A nil newDueMS marks the schedule
	// done (the job is disabled; deletion after a successful one-shot run is
	// the executor's call).
	Advance(jobID string, previousDueMS int64, newDueMS *int64) error

	// RecordResult updates the job's last-run state after an execution.
	RecordResult(jobID string, atMS int64, status, errDetail string) error

	// AppendRun appends one completed RunRecord to the job's history.
	AppendRun(rec *RunRecord) error

	// Runs returns the most recent run records for a job, newest first.
	Runs(jobID string, limit int) ([]RunRecord, error)

	// NextWakeMS returns the earliest due instant across enabled jobs,
	// or nil when nothing is scheduled.
	NextWakeMS() *int64

	// Healthy reports whether the backing storage is flushing successfully.
	Healthy() bool

	Close() error
}

// FileStoreOptions configures the standalone file-backed store.
type FileStoreOptions struct {
	Path       string // jobs.json
	RunsDir    string // one <jobID>.jsonl per job
	LeaseTTLMS int64  // claim lease duration; expired leases are re-claimable
	RetainRuns int    // per-job history cap
	Limits     Limits
}

func (o *FileStoreOptions) defaults() {
	if o.LeaseTTLMS <= 0 {
		o.LeaseTTLMS = 60_000
	}
	if o.RetainRuns <= 0 {
		o.RetainRuns = 200
	}
	if o.Limits.MinIntervalMS == 0 {
		o.Limits = DefaultLimits()
	}
}

// FileStore keeps the catalog in memory and flushes every change to a single
// JSON document via temp-file + rename. It assumes one writer process;
// concurrent external edits are unsupported.
type FileStore struct {
	opts FileStoreOptions
	clk  clock.Clock
	runs *runLog

	mu        sync.Mutex
	jobs      map[string]*Job
	unhealthy bool
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the store and loads any existing catalog.
func NewFileStore(opts FileStoreOptions, clk clock.Clock) (*FileStore, error) {
	opts.defaults()
	s := &FileStore{
		opts: opts,
		clk:  clk,
		runs: newRunLog(opts.RunsDir, opts.RetainRuns),
		jobs: make(map[string]*Job),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("cron: no catalog on disk, starting empty", "path", s.opts.Path)
			return nil
		}
		return fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	for _, j := range file.Jobs {
		if j.ID == "" {
			continue
		}
		// Leases never survive a restart: whoever held them is gone.
		j.State.LeaseUntilMS = nil
		s.jobs[j.ID] = j
	}

	slog.Info("cron: catalog loaded", "jobs", len(s.jobs), "path", s.opts.Path)
	return nil
}

// Reload re-reads the catalog from disk, replacing the in-memory view.
// Used when an external edit is detected while the process is stopped-ish;
// runtime concurrent writers remain unsupported.
func (s *FileStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*Job)
	return s.load()
}

// flushLocked writes the catalog atomically. On failure the store flips to
// unhealthy and subsequent writes are rejected until a flush succeeds.
func (s *FileStore) flushLocked() error {
	file := catalogFile{Version: catalogVersion}
	for _, j := range s.jobs {
		file.Jobs = append(file.Jobs, j)
	}
	sort.Slice(file.Jobs, func(a, b int) bool {
		return file.Jobs[a].CreatedAtMS < file.Jobs[b].CreatedAtMS
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0o755); err != nil {
		s.unhealthy = true
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	tmp := s.opts.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.unhealthy = true
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmp, s.opts.Path); err != nil {
		os.Remove(tmp)
		s.unhealthy = true
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.unhealthy = false
	return nil
}

func (s *FileStore) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAtMS < out[b].CreatedAtMS
	})
	return out
}

func (s *FileStore) Get(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return j.Clone(), nil
}

func (s *FileStore) Add(j *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unhealthy {
		return nil, ErrStorageUnavailable
	}

	Normalize(j)
	if err := Validate(j, s.opts.Limits); err != nil {
		return nil, err
	}

	if j.ID == "" {
		j.ID = NewJobID()
	} else if _, exists := s.jobs[j.ID]; exists {
		return nil, fmt.Errorf("%w: job %s already exists", ErrInvalidPayload, j.ID)
	}

	now := s.clk.Now()
	if j.CreatedAtMS == 0 {
		j.CreatedAtMS = now.UnixMilli()
	}
	j.UpdatedAtMS = now.UnixMilli()

	if j.Enabled {
		due, err := InitialDue(&j.Schedule, j.CreatedAtMS, now)
		if err != nil {
			return nil, err
		}
		j.State.NextRunAtMS = due
	}

	s.jobs[j.ID] = j
	if err := s.flushLocked(); err != nil {
		delete(s.jobs, j.ID)
		return nil, err
	}

	slog.Info("cron: job added", "id", j.ID, "name", j.Name, "kind", j.Schedule.Kind)
	return j.Clone(), nil
}

func (s *FileStore) Update(jobID string, patch JobPatch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unhealthy {
		return nil, ErrStorageUnavailable
	}

	cur, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	merged := ApplyPatch(cur, patch)
	if err := Validate(merged, s.opts.Limits); err != nil {
		return nil, err
	}

	now := s.clk.Now()
	merged.UpdatedAtMS = now.UnixMilli()

	// A schedule or enablement change invalidates the stored due time.
	if patch.Schedule != nil || patch.Enabled != nil {
		merged.State.NextRunAtMS = nil
		merged.State.LeaseUntilMS = nil
		if merged.Enabled {
			due, err := InitialDue(&merged.Schedule, merged.CreatedAtMS, now)
			if err != nil {
				return nil, err
			}
			merged.State.NextRunAtMS = due
		}
	}

	s.jobs[jobID] = merged
	if err := s.flushLocked(); err != nil {
		s.jobs[jobID] = cur
		return nil, err
	}

	slog.Info("cron: job updated", "id", jobID)
	return merged.Clone(), nil
}

func (s *FileStore) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil
	}
	if s.unhealthy {
		return ErrStorageUnavailable
	}

	delete(s.jobs, jobID)
	if err := s.flushLocked(); err != nil {
		return err
	}

	slog.Info("cron: job removed", "id", jobID)
	return nil
}

func (s *FileStore) ClaimDue(nowMS int64, maxBatch int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unhealthy {
		return nil, ErrStorageUnavailable
	}
	if maxBatch <= 0 {
		maxBatch = 16
	}

	var due []*Job
	for _, j := range s.jobs {
		if !j.Enabled || j.State.NextRunAtMS == nil {
			continue
		}
		if *j.State.NextRunAtMS > nowMS {
			continue
		}
		if j.State.LeaseUntilMS != nil && *j.State.LeaseUntilMS > nowMS {
			continue // claimed by an in-flight tick; lease not yet expired
		}
		due = append(due, j)
	}

	sort.Slice(due, func(a, b int) bool {
		if *due[a].State.NextRunAtMS != *due[b].State.NextRunAtMS {
			return *due[a].State.NextRunAtMS < *due[b].State.NextRunAtMS
		}
		return due[a].CreatedAtMS < due[b].CreatedAtMS
	})
	if len(due) > maxBatch {
		due = due[:maxBatch]
	}
	if len(due) == 0 {
		return nil, nil
	}

	lease := nowMS + s.opts.LeaseTTLMS
	out := make([]*Job, 0, len(due))
	for _, j := range due {
		j.State.LeaseUntilMS = &lease
		out = append(out, j.Clone())
	}

	if err := s.flushLocked(); err != nil {
		for _, j := range due {
			j.State.LeaseUntilMS = nil
		}
		return nil, err
	}
	return out, nil
}

func (s *FileStore) Advance(jobID string, previousDueMS int64, newDueMS *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if j.State.NextRunAtMS == nil || *j.State.NextRunAtMS != previousDueMS {
		return ErrStaleAdvance
	}
	if s.unhealthy {
		return ErrStorageUnavailable
	}

	j.State.NextRunAtMS = newDueMS
	j.State.LeaseUntilMS = nil
	if newDueMS == nil {
		// Schedule exhausted. Deletion for delete-after-run one-shots only
		// happens after a successful run, so just disable here.
		j.Enabled = false
	}
	j.UpdatedAtMS = s.clk.NowMS()

	return s.flushLocked()
}

func (s *FileStore) RecordResult(jobID string, atMS int64, status, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		// The job may have been removed mid-run; its history still records
		// the outcome.
		return nil
	}
	if s.unhealthy {
		return ErrStorageUnavailable
	}

	j.State.LastRunAtMS = &atMS
	j.State.LastStatus = status
	j.State.LastError = errDetail
	j.UpdatedAtMS = s.clk.NowMS()

	return s.flushLocked()
}

func (s *FileStore) AppendRun(rec *RunRecord) error {
	return s.runs.Append(rec)
}

func (s *FileStore) Runs(jobID string, limit int) ([]RunRecord, error) {
	return s.runs.Tail(jobID, limit)
}

func (s *FileStore) NextWakeMS() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest *int64
	for _, j := range s.jobs {
		if !j.Enabled || j.State.NextRunAtMS == nil {
			continue
		}
		if earliest == nil || *j.State.NextRunAtMS < *earliest {
			v := *j.State.NextRunAtMS
			earliest = &v
		}
	}
	return earliest
}

func (s *FileStore) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unhealthy
}

func (s *FileStore) Close() error { return nil }

// IsStale reports whether err is the CAS-loss signal from Advance.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleAdvance)
}
