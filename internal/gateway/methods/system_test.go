package methods

import (
	"path/filepath"
	"testing"

	"github.com/adjutant-ai/adjutant/internal/agent"
	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/clock"
	"github.com/adjutant-ai/adjutant/internal/cron"
)

func newEventFixture(t *testing.T) (*CronMethods, *bus.SystemEventQueue, *int) {
	t.Helper()
	queue, err := bus.NewSystemEventQueue(filepath.Join(t.TempDir(), "events.json"), clock.NewFakeMS(1_000))
	if err != nil {
		t.Fatalf("NewSystemEventQueue: %v", err)
	}
	beats := 0
	m := NewCronMethods(nil, nil, nil, queue, func() { beats++ }, "default")
	return m, queue, &beats
}

func TestSystemEventQueuesWithoutCreatingJob(t *testing.T) {
	m, queue, beats := newEventFixture(t)

	res, err := m.enqueueSystemEvent(cron.WakeModeNextHeartbeat, "check the mail", "")
	if err != nil {
		t.Fatalf("enqueueSystemEvent: %v", err)
	}
	if res["queued"] != true || res["pending"] != 1 {
		t.Fatalf("response = %+v", res)
	}
	if *beats != 0 {
		t.Fatal("next-heartbeat mode forced a beat")
	}

	key := agent.MainSessionKey("default")
	evs, err := queue.Drain(key)
	if err != nil || len(evs) != 1 {
		t.Fatalf("Drain = %+v, %v", evs, err)
	}
	if evs[0].Text != "check the mail" || evs[0].JobID != "" {
		t.Fatalf("event = %+v", evs[0])
	}
}

func TestSystemEventModeNowForcesBeat(t *testing.T) {
	m, queue, beats := newEventFixture(t)

	if _, err := m.enqueueSystemEvent(cron.WakeModeNow, "urgent", "work"); err != nil {
		t.Fatalf("enqueueSystemEvent: %v", err)
	}
	if *beats != 1 {
		t.Fatalf("beats = %d, want 1", *beats)
	}
	if got := queue.Pending(agent.MainSessionKey("work")); got != 1 {
		t.Fatalf("pending for named agent = %d, want 1", got)
	}
}

func TestNormalizeEventMode(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{"", cron.WakeModeNextHeartbeat, false},
		{cron.WakeModeNextHeartbeat, cron.WakeModeNextHeartbeat, false},
		{cron.WakeModeNow, cron.WakeModeNow, false},
		{"later", "", true},
	}
	for _, tc := range cases {
		got, err := normalizeEventMode(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("normalizeEventMode(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("normalizeEventMode(%q) = %q, %v, want %q", tc.in, got, err, tc.want)
		}
	}
}
