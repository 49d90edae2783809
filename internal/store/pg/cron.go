package pg

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/adjutant-ai/adjutant/internal/clock"
	"github.com/adjutant-ai/adjutant/internal/cron"
)

// CronStoreOptions configure the managed-mode catalog.
type CronStoreOptions struct {
	LeaseTTLMS int64
	RetainRuns int
	Limits     cron.Limits
}

func (o *CronStoreOptions) defaults() {
	if o.LeaseTTLMS <= 0 {
		o.LeaseTTLMS = 60_000
	}
	if o.RetainRuns <= 0 {
		o.RetainRuns = 200
	}
	if o.Limits.MinIntervalMS == 0 {
		o.Limits = cron.DefaultLimits()
	}
}

var _ cron.Store = (*CronStore)(nil)

// CronStore implements cron.Store on Postgres. Claims take row locks with
// SKIP LOCKED, so several engine processes can share one catalog without
// double-firing.
type CronStore struct {
	db      *sqlx.DB
	clk     clock.Clock
	opts    CronStoreOptions
	healthy atomic.Bool
}

func NewCronStore(db *sqlx.DB, opts CronStoreOptions, clk clock.Clock) *CronStore {
	opts.defaults()
	s := &CronStore{db: db, clk: clk, opts: opts}
	s.healthy.Store(true)
	return s
}

// jobRow is the flat table shape; schedule, payload and isolation ride as
// JSONB.
type jobRow struct {
	ID             string          `db:"id"`
	Name           string          `db:"name"`
	Description    string          `db:"description"`
	AgentID        string          `db:"agent_id"`
	Enabled        bool            `db:"enabled"`
	SessionTarget  string          `db:"session_target"`
	WakeMode       string          `db:"wake_mode"`
	DeleteAfterRun bool            `db:"delete_after_run"`
	Schedule       json.RawMessage `db:"schedule"`
	Payload        json.RawMessage `db:"payload"`
	Isolation      json.RawMessage `db:"isolation"`
	NextRunAtMS    *int64          `db:"next_run_at_ms"`
	LeaseUntilMS   *int64          `db:"lease_until_ms"`
	LastRunAtMS    *int64          `db:"last_run_at_ms"`
	LastStatus     string          `db:"last_status"`
	LastError      string          `db:"last_error"`
	CreatedAtMS    int64           `db:"created_at_ms"`
	UpdatedAtMS    int64           `db:"updated_at_ms"`
}

const jobColumns = `id, name, description, agent_id, enabled, session_target,
	wake_mode, delete_after_run, schedule, payload, isolation,
	next_run_at_ms, lease_until_ms, last_run_at_ms, last_status, last_error,
	created_at_ms, updated_at_ms`

func (r *jobRow) toJob() (*cron.Job, error) {
	j := &cron.Job{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		AgentID:        r.AgentID,
		Enabled:        r.Enabled,
		SessionTarget:  r.SessionTarget,
		WakeMode:       r.WakeMode,
		DeleteAfterRun: r.DeleteAfterRun,
		State: cron.JobState{
			NextRunAtMS:  r.NextRunAtMS,
			LeaseUntilMS: r.LeaseUntilMS,
			LastRunAtMS:  r.LastRunAtMS,
			LastStatus:   r.LastStatus,
			LastError:    r.LastError,
		},
		CreatedAtMS: r.CreatedAtMS,
		UpdatedAtMS: r.UpdatedAtMS,
	}
	if err := json.Unmarshal(r.Schedule, &j.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", r.ID, err)
	}
	if len(r.Isolation) > 0 {
		j.Isolation = &cron.Isolation{}
		if err := json.Unmarshal(r.Isolation, j.Isolation); err != nil {
			return nil, fmt.Errorf("decode isolation for %s: %w", r.ID, err)
		}
	}
	return j, nil
}

func fromJob(j *cron.Job) (*jobRow, error) {
	schedule, err := json.Marshal(j.Schedule)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, err
	}
	var isolation json.RawMessage
	if j.Isolation != nil {
		if isolation, err = json.Marshal(j.Isolation); err != nil {
			return nil, err
		}
	}
	return &jobRow{
		ID:             j.ID,
		Name:           j.Name,
		Description:    j.Description,
		AgentID:        j.AgentID,
		Enabled:        j.Enabled,
		SessionTarget:  j.SessionTarget,
		WakeMode:       j.WakeMode,
		DeleteAfterRun: j.DeleteAfterRun,
		Schedule:       schedule,
		Payload:        payload,
		Isolation:      isolation,
		NextRunAtMS:    j.State.NextRunAtMS,
		LeaseUntilMS:   j.State.LeaseUntilMS,
		LastRunAtMS:    j.State.LastRunAtMS,
		LastStatus:     j.State.LastStatus,
		LastError:      j.State.LastError,
		CreatedAtMS:    j.CreatedAtMS,
		UpdatedAtMS:    j.UpdatedAtMS,
	}, nil
}

func (s *CronStore) List() []*cron.Job {
	var rows []jobRow
	err := s.db.Select(&rows,
		"SELECT "+jobColumns+" FROM cron_jobs ORDER BY created_at_ms, id")
	if err != nil {
		s.fail("list", err)
		return nil
	}
	s.healthy.Store(true)

	jobs := make([]*cron.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			slog.Warn("pg: skipping undecodable job", "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs
}

func (s *CronStore) Get(jobID string) (*cron.Job, error) {
	var row jobRow
	err := s.db.Get(&row,
		"SELECT "+jobColumns+" FROM cron_jobs WHERE id = $1", jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", cron.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, s.fail("get", err)
	}
	return row.toJob()
}

func (s *CronStore) Add(j *cron.Job) (*cron.Job, error) {
	job := j.Clone()
	now := s.clk.Now()
	nowMS := now.UnixMilli()

	if job.ID == "" {
		job.ID = cron.NewJobID()
	}
	job.CreatedAtMS = nowMS
	job.UpdatedAtMS = nowMS

	cron.Normalize(job)
	if err := cron.Validate(job, s.opts.Limits); err != nil {
		return nil, err
	}

	if job.Enabled {
		due, err := cron.InitialDue(&job.Schedule, job.CreatedAtMS, now)
		if err != nil {
			return nil, err
		}
		job.State.NextRunAtMS = due
	}
	job.State.LeaseUntilMS = nil

	row, err := fromJob(job)
	if err != nil {
		return nil, err
	}
	_, err = s.db.NamedExec(`INSERT INTO cron_jobs (`+jobColumns+`) VALUES (
		:id, :name, :description, :agent_id, :enabled, :session_target,
		:wake_mode, :delete_after_run, :schedule, :payload, :isolation,
		:next_run_at_ms, :lease_until_ms, :last_run_at_ms, :last_status,
		:last_error, :created_at_ms, :updated_at_ms)`, row)
	if err != nil {
		return nil, s.fail("add", err)
	}
	s.healthy.Store(true)

	slog.Info("cron: job added", "job", job.ID, "name", job.Name,
		"kind", job.Schedule.Kind, "next", describeDue(job.State.NextRunAtMS))
	return job, nil
}

func (s *CronStore) Update(jobID string, patch cron.JobPatch) (*cron.Job, error) {
	current, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	merged := cron.ApplyPatch(current, patch)
	merged.UpdatedAtMS = now.UnixMilli()

	cron.Normalize(merged)
	if err := cron.Validate(merged, s.opts.Limits); err != nil {
		return nil, err
	}

	// A schedule or enablement change restarts the recurrence from now.
	scheduleChanged := patch.Schedule != nil
	enableChanged := patch.Enabled != nil && *patch.Enabled != current.Enabled
	if scheduleChanged || enableChanged {
		merged.State.LeaseUntilMS = nil
		if merged.Enabled {
			due, err := cron.InitialDue(&merged.Schedule, merged.CreatedAtMS, now)
			if err != nil {
				return nil, err
			}
			merged.State.NextRunAtMS = due
		} else {
			merged.State.NextRunAtMS = nil
		}
	}

	row, err := fromJob(merged)
	if err != nil {
		return nil, err
	}
	res, err := s.db.NamedExec(`UPDATE cron_jobs SET
		name = :name, description = :description, agent_id = :agent_id,
		enabled = :enabled, session_target = :session_target,
		wake_mode = :wake_mode, delete_after_run = :delete_after_run,
		schedule = :schedule, payload = :payload, isolation = :isolation,
		next_run_at_ms = :next_run_at_ms, lease_until_ms = :lease_until_ms,
		updated_at_ms = :updated_at_ms
		WHERE id = :id`, row)
	if err != nil {
		return nil, s.fail("update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", cron.ErrNotFound, jobID)
	}
	s.healthy.Store(true)
	return merged, nil
}

func (s *CronStore) Remove(jobID string) error {
	res, err := s.db.Exec("DELETE FROM cron_jobs WHERE id = $1", jobID)
	if err != nil {
		return s.fail("remove", err)
	}
	// Removal is idempotent: deleting an absent job succeeds.
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("cron: remove of unknown job", "job", jobID)
		return nil
	}
	slog.Info("cron: job removed", "job", jobID)
	return nil
}

func (s *CronStore) ClaimDue(nowMS int64, maxBatch int) ([]*cron.Job, error) {
	if maxBatch <= 0 {
		maxBatch = 100
	}
	lease := nowMS + s.opts.LeaseTTLMS

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, s.fail("claim", err)
	}
	defer tx.Rollback()

	var rows []jobRow
	err = tx.Select(&rows, `SELECT `+jobColumns+` FROM cron_jobs
		WHERE enabled
		  AND next_run_at_ms IS NOT NULL AND next_run_at_ms <= $1
		  AND (lease_until_ms IS NULL OR lease_until_ms <= $1)
		ORDER BY next_run_at_ms, created_at_ms
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, nowMS, maxBatch)
	if err != nil {
		return nil, s.fail("claim", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	query, args, err := sqlx.In(
		"UPDATE cron_jobs SET lease_until_ms = ? WHERE id IN (?)", lease, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(tx.Rebind(query), args...); err != nil {
		return nil, s.fail("claim", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail("claim", err)
	}
	s.healthy.Store(true)

	jobs := make([]*cron.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			slog.Warn("pg: skipping undecodable claimed job", "error", err)
			continue
		}
		j.State.LeaseUntilMS = &lease
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *CronStore) Advance(jobID string, previousDueMS int64, newDueMS *int64) error {
	nowMS := s.clk.Now().UnixMilli()

	res, err := s.db.Exec(`UPDATE cron_jobs SET
		next_run_at_ms = $1,
		lease_until_ms = NULL,
		enabled = CASE WHEN $1::bigint IS NULL THEN FALSE ELSE enabled END,
		updated_at_ms = $2
		WHERE id = $3 AND next_run_at_ms = $4`,
		newDueMS, nowMS, jobID, previousDueMS)
	if err != nil {
		return s.fail("advance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", cron.ErrStaleAdvance, jobID)
	}
	s.healthy.Store(true)
	return nil
}

func (s *CronStore) RecordResult(jobID string, atMS int64, status, errDetail string) error {
	_, err := s.db.Exec(`UPDATE cron_jobs SET
		last_run_at_ms = $1, last_status = $2, last_error = $3,
		lease_until_ms = NULL, updated_at_ms = $1
		WHERE id = $4`, atMS, status, errDetail, jobID)
	if err != nil {
		return s.fail("record result", err)
	}
	// Missing job is fine: delete-after-run races the result write.
	return nil
}

func (s *CronStore) AppendRun(rec *cron.RunRecord) error {
	usage, err := marshalOrNil(rec.Usage)
	if err != nil {
		return err
	}
	delivery, err := marshalOrNil(rec.Delivery)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO cron_runs (
		run_id, job_id, triggered_at_ms, started_at_ms, finished_at_ms,
		outcome, error_kind, error_detail, summary, usage_json, delivery_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.RunID, rec.JobID, rec.TriggeredAtMS, rec.StartedAtMS,
		rec.FinishedAtMS, rec.Outcome, rec.ErrorKind, rec.ErrorDetail,
		rec.Summary, usage, delivery)
	if err != nil {
		return s.fail("append run", err)
	}

	// Prune beyond the retention cap; ledger growth is bounded per job.
	_, err = s.db.Exec(`DELETE FROM cron_runs WHERE job_id = $1 AND run_id NOT IN (
		SELECT run_id FROM cron_runs WHERE job_id = $1
		ORDER BY triggered_at_ms DESC, run_id DESC LIMIT $2)`,
		rec.JobID, s.opts.RetainRuns)
	if err != nil {
		slog.Warn("pg: run prune failed", "job", rec.JobID, "error", err)
	}
	s.healthy.Store(true)
	return nil
}

func (s *CronStore) Runs(jobID string, limit int) ([]cron.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	type runRow struct {
		RunID         string          `db:"run_id"`
		JobID         string          `db:"job_id"`
		TriggeredAtMS int64           `db:"triggered_at_ms"`
		StartedAtMS   *int64          `db:"started_at_ms"`
		FinishedAtMS  *int64          `db:"finished_at_ms"`
		Outcome       string          `db:"outcome"`
		ErrorKind     string          `db:"error_kind"`
		ErrorDetail   string          `db:"error_detail"`
		Summary       string          `db:"summary"`
		UsageJSON     json.RawMessage `db:"usage_json"`
		DeliveryJSON  json.RawMessage `db:"delivery_json"`
	}

	var rows []runRow
	err := s.db.Select(&rows, `SELECT run_id, job_id, triggered_at_ms,
		started_at_ms, finished_at_ms, outcome, error_kind, error_detail,
		summary, usage_json, delivery_json
		FROM cron_runs WHERE job_id = $1
		ORDER BY triggered_at_ms DESC, run_id DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, s.fail("runs", err)
	}

	out := make([]cron.RunRecord, 0, len(rows))
	for _, r := range rows {
		rec := cron.RunRecord{
			RunID:         r.RunID,
			JobID:         r.JobID,
			TriggeredAtMS: r.TriggeredAtMS,
			StartedAtMS:   r.StartedAtMS,
			FinishedAtMS:  r.FinishedAtMS,
			Outcome:       r.Outcome,
			ErrorKind:     r.ErrorKind,
			ErrorDetail:   r.ErrorDetail,
			Summary:       r.Summary,
		}
		if len(r.UsageJSON) > 0 {
			rec.Usage = &cron.Usage{}
			json.Unmarshal(r.UsageJSON, rec.Usage)
		}
		if len(r.DeliveryJSON) > 0 {
			rec.Delivery = &cron.DeliveryRecord{}
			json.Unmarshal(r.DeliveryJSON, rec.Delivery)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *CronStore) NextWakeMS() *int64 {
	var next sql.NullInt64
	err := s.db.Get(&next, `SELECT MIN(next_run_at_ms) FROM cron_jobs
		WHERE enabled AND next_run_at_ms IS NOT NULL`)
	if err != nil {
		s.fail("next wake", err)
		return nil
	}
	if !next.Valid {
		return nil
	}
	v := next.Int64
	return &v
}

func (s *CronStore) Healthy() bool { return s.healthy.Load() }

func (s *CronStore) Close() error { return s.db.Close() }

// fail marks the store unhealthy and wraps err into the storage taxonomy.
func (s *CronStore) fail(op string, err error) error {
	s.healthy.Store(false)
	slog.Error("pg: "+op+" failed", "error", err)
	return fmt.Errorf("%w: %s: %v", cron.ErrStorageUnavailable, op, err)
}

func marshalOrNil(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func describeDue(due *int64) any {
	if due == nil {
		return "none"
	}
	return *due
}
