package cron

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

func newTestStore(t *testing.T, clk clock.Clock) *FileStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileStore(FileStoreOptions{
		Path:    filepath.Join(dir, "jobs.json"),
		RunsDir: filepath.Join(dir, "runs"),
	}, clk)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func mainJob(name string) *Job {
	return &Job{
		Name:    name,
		Enabled: true,
		Schedule: Schedule{
			Kind:    ScheduleKindEvery,
			EveryMS: ms(60_000),
		},
		SessionTarget: SessionTargetMain,
		Payload:       Payload{Kind: PayloadKindSystemEvent, Text: "check the calendar"},
	}
}

func isolatedJob(name string) *Job {
	return &Job{
		Name:    name,
		Enabled: true,
		Schedule: Schedule{
			Kind: ScheduleKindCron,
			Expr: "0 9 * * *",
			TZ:   "UTC",
		},
		SessionTarget: SessionTargetIsolated,
		Payload:       Payload{Kind: PayloadKindAgentTurn, Message: "summarise the inbox"},
	}
}

func TestFileStoreAddAssignsIDAndDue(t *testing.T) {
	clk := clock.NewFakeMS(1_000_000)
	s := newTestStore(t, clk)

	added, err := s.Add(mainJob("morning"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.ID == "" {
		t.Fatal("Add did not assign an ID")
	}
	if added.CreatedAtMS != 1_000_000 {
		t.Fatalf("createdAt = %d, want 1000000", added.CreatedAtMS)
	}
	if added.State.NextRunAtMS == nil || *added.State.NextRunAtMS != 1_060_000 {
		t.Fatalf("nextRunAt = %v, want 1060000", added.State.NextRunAtMS)
	}
	if added.WakeMode != WakeModeNextHeartbeat {
		t.Fatalf("wakeMode = %q, want defaulted %q", added.WakeMode, WakeModeNextHeartbeat)
	}
}

func TestFileStoreAddRejectsInvalid(t *testing.T) {
	s := newTestStore(t, clock.NewFakeMS(0))

	j := mainJob("bad")
	j.Payload = Payload{Kind: PayloadKindAgentTurn, Message: "x"}
	_, err := s.Add(j)
	if !errors.Is(err, ErrConflictingTargetAndPayload) {
		t.Fatalf("err = %v, want ErrConflictingTargetAndPayload", err)
	}

	j = mainJob("bad-interval")
	j.Schedule = Schedule{Kind: ScheduleKindEvery, EveryMS: ms(500)}
	_, err = s.Add(j)
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	clk := clock.NewFakeMS(1_000_000)
	dir := t.TempDir()
	opts := FileStoreOptions{
		Path:    filepath.Join(dir, "jobs.json"),
		RunsDir: filepath.Join(dir, "runs"),
	}

	s, err := NewFileStore(opts, clk)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	added, err := s.Add(isolatedJob("daily"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Claim so a lease is persisted, then reopen: the lease must be gone but
	// the due time intact.
	claimed, err := s.ClaimDue(*added.State.NextRunAtMS, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue = %v, %v", claimed, err)
	}

	s2, err := NewFileStore(opts, clk)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get(added.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.State.LeaseUntilMS != nil {
		t.Fatal("lease survived a restart")
	}
	if got.State.NextRunAtMS == nil || *got.State.NextRunAtMS != *added.State.NextRunAtMS {
		t.Fatalf("nextRunAt after reopen = %v, want %v", got.State.NextRunAtMS, added.State.NextRunAtMS)
	}
}

func TestFileStoreClaimDueLeasesAndOrders(t *testing.T) {
	clk := clock.NewFakeMS(0)
	s := newTestStore(t, clk)

	a := mainJob("later")
	a.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(2_000)}
	b := mainJob("sooner")
	b.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(1_000)}
	if _, err := s.Add(a); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if _, err := s.Add(b); err != nil {
		t.Fatalf("Add b: %v", err)
	}

	claimed, err := s.ClaimDue(5_000, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}
	if claimed[0].Name != "sooner" || claimed[1].Name != "later" {
		t.Fatalf("claim order = %s, %s; want sooner, later", claimed[0].Name, claimed[1].Name)
	}

	// Second claim within the lease window returns nothing.
	again, err := s.ClaimDue(5_000, 10)
	if err != nil {
		t.Fatalf("second ClaimDue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("reclaimed %d leased jobs, want 0", len(again))
	}

	// After the lease expires the jobs are claimable again.
	expired, err := s.ClaimDue(5_000+61_000, 10)
	if err != nil {
		t.Fatalf("expired ClaimDue: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("claimed %d after lease expiry, want 2", len(expired))
	}
}

func TestFileStoreClaimDueSkipsDisabledAndFuture(t *testing.T) {
	clk := clock.NewFakeMS(0)
	s := newTestStore(t, clk)

	disabled := mainJob("off")
	disabled.Enabled = false
	if _, err := s.Add(disabled); err != nil {
		t.Fatalf("Add: %v", err)
	}
	future := mainJob("future")
	future.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(999_999)}
	if _, err := s.Add(future); err != nil {
		t.Fatalf("Add: %v", err)
	}

	claimed, err := s.ClaimDue(1_000, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d, want 0", len(claimed))
	}
}

func TestFileStoreAdvanceCAS(t *testing.T) {
	clk := clock.NewFakeMS(0)
	s := newTestStore(t, clk)

	added, err := s.Add(mainJob("tick"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	due := *added.State.NextRunAtMS

	if err := s.Advance(added.ID, due, ms(due+60_000)); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// Replaying the same token loses the CAS.
	err = s.Advance(added.ID, due, ms(due+120_000))
	if !IsStale(err) {
		t.Fatalf("stale advance err = %v, want ErrStaleAdvance", err)
	}

	got, _ := s.Get(added.ID)
	if *got.State.NextRunAtMS != due+60_000 {
		t.Fatalf("nextRunAt = %d, want %d", *got.State.NextRunAtMS, due+60_000)
	}
	if got.State.LeaseUntilMS != nil {
		t.Fatal("advance did not clear the lease")
	}
}

func TestFileStoreAdvanceNilDisables(t *testing.T) {
	clk := clock.NewFakeMS(0)
	s := newTestStore(t, clk)

	j := mainJob("once")
	j.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(1_000)}
	added, err := s.Add(j)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Advance(added.ID, 1_000, nil); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	got, _ := s.Get(added.ID)
	if got.Enabled {
		t.Fatal("exhausted schedule left the job enabled")
	}
	if got.State.NextRunAtMS != nil {
		t.Fatal("exhausted schedule kept a due time")
	}
}

func TestFileStoreUpdateRecomputesDue(t *testing.T) {
	clk := clock.NewFakeMS(1_000_000)
	s := newTestStore(t, clk)

	added, err := s.Add(mainJob("shift"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	newSched := Schedule{Kind: ScheduleKindEvery, EveryMS: ms(120_000)}
	updated, err := s.Update(added.ID, JobPatch{Schedule: &newSched})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.State.NextRunAtMS == nil || *updated.State.NextRunAtMS != added.CreatedAtMS+120_000 {
		t.Fatalf("nextRunAt = %v, want %d", updated.State.NextRunAtMS, added.CreatedAtMS+120_000)
	}

	// Disabling clears the due time; re-enabling recomputes it.
	off := false
	updated, err = s.Update(added.ID, JobPatch{Enabled: &off})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if updated.State.NextRunAtMS != nil {
		t.Fatal("disabled job kept a due time")
	}
	on := true
	updated, err = s.Update(added.ID, JobPatch{Enabled: &on})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if updated.State.NextRunAtMS == nil {
		t.Fatal("re-enabled job has no due time")
	}
}

func TestFileStoreUpdateClearsAgentIDOnExplicitNull(t *testing.T) {
	clk := clock.NewFakeMS(0)
	s := newTestStore(t, clk)

	j := mainJob("agented")
	j.AgentID = "ops"
	added, err := s.Add(j)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Patch without the field: untouched.
	name := "renamed"
	updated, err := s.Update(added.ID, JobPatch{Name: &name})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.AgentID != "ops" {
		t.Fatalf("agentId = %q, want ops", updated.AgentID)
	}

	// Explicit null clears it.
	updated, err = s.Update(added.ID, JobPatch{AgentID: &NullableString{Set: true}})
	if err != nil {
		t.Fatalf("Update null: %v", err)
	}
	if updated.AgentID != "" {
		t.Fatalf("agentId = %q, want cleared", updated.AgentID)
	}
}

func TestFileStoreRemoveIdempotent(t *testing.T) {
	clk := clock.NewFakeMS(0)
	s := newTestStore(t, clk)

	added, err := s.Add(mainJob("gone"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Remove(added.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(added.ID); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if _, err := s.Get(added.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after remove = %v, want ErrNotFound", err)
	}
}

func TestFileStoreRunHistory(t *testing.T) {
	clk := clock.NewFakeMS(0)
	s := newTestStore(t, clk)

	added, err := s.Add(isolatedJob("history"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	for i := 0; i < 5; i++ {
		rec := &RunRecord{
			RunID:         NewRunID(),
			JobID:         added.ID,
			TriggeredAtMS: int64(i) * 1_000,
			Outcome:       OutcomeOK,
		}
		if err := s.AppendRun(rec); err != nil {
			t.Fatalf("AppendRun %d: %v", i, err)
		}
	}

	runs, err := s.Runs(added.ID, 3)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	// Newest first.
	if runs[0].TriggeredAtMS != 4_000 || runs[2].TriggeredAtMS != 2_000 {
		t.Fatalf("run order = %d..%d, want 4000..2000", runs[0].TriggeredAtMS, runs[2].TriggeredAtMS)
	}
}

func TestFileStoreNextWake(t *testing.T) {
	clk := clock.NewFakeMS(0)
	s := newTestStore(t, clk)

	if s.NextWakeMS() != nil {
		t.Fatal("empty store has a wake time")
	}

	a := mainJob("a")
	a.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(9_000)}
	b := mainJob("b")
	b.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(4_000)}
	if _, err := s.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(b); err != nil {
		t.Fatalf("Add: %v", err)
	}

	next := s.NextWakeMS()
	if next == nil || *next != 4_000 {
		t.Fatalf("next wake = %v, want 4000", next)
	}
}

func TestRecordResultAfterRemovalIsNoop(t *testing.T) {
	clk := clock.NewFakeMS(0)
	s := newTestStore(t, clk)
	if err := s.RecordResult("no-such-job", 1_000, OutcomeOK, ""); err != nil {
		t.Fatalf("RecordResult on missing job: %v", err)
	}
}

func TestNormalizeDefaultsTarget(t *testing.T) {
	j := &Job{Name: "  padded  "}
	Normalize(j)
	if j.Name != "padded" {
		t.Fatalf("name = %q, want trimmed", j.Name)
	}
	if j.SessionTarget != SessionTargetMain {
		t.Fatalf("sessionTarget = %q, want main", j.SessionTarget)
	}
	if j.WakeMode != WakeModeNextHeartbeat {
		t.Fatalf("wakeMode = %q, want next-heartbeat", j.WakeMode)
	}
}
