package pg

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"reflect"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/adjutant-ai/adjutant/internal/clock"
	"github.com/adjutant-ai/adjutant/internal/cron"
)

func TestJobRowRoundTrip(t *testing.T) {
	every := int64(300_000)
	next := int64(1_700_000_000_000)
	deliver := true

	in := &cron.Job{
		ID:            "j-1",
		Name:          "morning briefing",
		Description:   "daily summary",
		AgentID:       "work-agent",
		Enabled:       true,
		SessionTarget: cron.SessionTargetIsolated,
		Schedule:      cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMS: &every},
		Payload: cron.Payload{
			Kind:    cron.PayloadKindAgentTurn,
			Message: "summarise overnight mail",
			Deliver: &deliver,
			Channel: "telegram",
			To:      "555:topic:7",
		},
		Isolation: &cron.Isolation{
			PostToMainMode:     "full",
			PostToMainMaxChars: 4000,
		},
		State: cron.JobState{
			NextRunAtMS: &next,
			LastStatus:  cron.OutcomeOK,
		},
		CreatedAtMS: 1,
		UpdatedAtMS: 2,
	}

	row, err := fromJob(in)
	if err != nil {
		t.Fatalf("fromJob: %v", err)
	}
	out, err := row.toJob()
	if err != nil {
		t.Fatalf("toJob: %v", err)
	}

	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestJobRowNilIsolationStaysNil(t *testing.T) {
	at := int64(42)
	in := &cron.Job{
		ID:            "j-2",
		Name:          "one shot",
		Enabled:       true,
		SessionTarget: cron.SessionTargetMain,
		Schedule:      cron.Schedule{Kind: cron.ScheduleKindAt, AtMS: &at},
		Payload:       cron.Payload{Kind: cron.PayloadKindSystemEvent, Text: "ping"},
	}

	row, err := fromJob(in)
	if err != nil {
		t.Fatalf("fromJob: %v", err)
	}
	if row.Isolation != nil {
		t.Fatalf("isolation column should stay NULL, got %s", row.Isolation)
	}
	out, err := row.toJob()
	if err != nil {
		t.Fatalf("toJob: %v", err)
	}
	if out.Isolation != nil {
		t.Fatal("isolation resurrected from nil")
	}
}

// noRowsDriver answers every statement with zero rows affected, standing in
// for a catalog that no longer holds the row.
type noRowsDriver struct{}

func (noRowsDriver) Open(string) (driver.Conn, error) { return noRowsConn{}, nil }

type noRowsConn struct{}

func (noRowsConn) Prepare(string) (driver.Stmt, error) { return noRowsStmt{}, nil }
func (noRowsConn) Close() error                        { return nil }
func (noRowsConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

type noRowsStmt struct{}

func (noRowsStmt) Close() error  { return nil }
func (noRowsStmt) NumInput() int { return -1 }
func (noRowsStmt) Exec([]driver.Value) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}
func (noRowsStmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, errors.New("not supported")
}

func init() {
	sql.Register("pg-no-rows", noRowsDriver{})
}

func TestRemoveAbsentJobIsIdempotent(t *testing.T) {
	db, err := sql.Open("pg-no-rows", "")
	if err != nil {
		t.Fatalf("open stub: %v", err)
	}
	s := NewCronStore(sqlx.NewDb(db, "pgx"), CronStoreOptions{}, clock.NewFakeMS(1_000))

	if err := s.Remove("gone"); err != nil {
		t.Fatalf("Remove of absent job: %v", err)
	}
	if !s.Healthy() {
		t.Fatal("store marked unhealthy by a no-op removal")
	}
}

func TestCronStoreOptionDefaults(t *testing.T) {
	opts := CronStoreOptions{}
	opts.defaults()
	if opts.LeaseTTLMS != 60_000 {
		t.Errorf("lease ttl = %d", opts.LeaseTTLMS)
	}
	if opts.RetainRuns != 200 {
		t.Errorf("retain runs = %d", opts.RetainRuns)
	}
	if opts.Limits.MinIntervalMS != cron.DefaultLimits().MinIntervalMS {
		t.Errorf("limits = %+v", opts.Limits)
	}
}
