package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

func TestParseTelegramTargets(t *testing.T) {
	cases := []struct {
		raw       string
		wantID    string
		wantTopic string
		canonical string
	}{
		{"-1001234567890", "-1001234567890", "", "-1001234567890"},
		{"-1001234567890:topic:123", "-1001234567890", "123", "-1001234567890:topic:123"},
		{"-1001234567890:123", "-1001234567890", "123", "-1001234567890:topic:123"},
		{"telegram:group:-1001234567890:topic:123", "-1001234567890", "123", "-1001234567890:topic:123"},
		{"telegram:555", "555", "", "555"},
		{"@somechannel", "@somechannel", "", "@somechannel"},
	}
	for _, tc := range cases {
		got, err := ParseTarget(ChannelTelegram, tc.raw)
		if err != nil {
			t.Errorf("ParseTarget(%q): %v", tc.raw, err)
			continue
		}
		if got.ID != tc.wantID || got.TopicID != tc.wantTopic {
			t.Errorf("ParseTarget(%q) = (%q, topic %q), want (%q, %q)",
				tc.raw, got.ID, got.TopicID, tc.wantID, tc.wantTopic)
		}
		if s := got.String(); s != tc.canonical {
			t.Errorf("ParseTarget(%q).String() = %q, want %q", tc.raw, s, tc.canonical)
		}
	}
}

func TestParseTelegramRoundTrip(t *testing.T) {
	// Canonical forms must survive a parse/serialise cycle unchanged.
	for _, raw := range []string{"-1001234567890:topic:123", "-1001234567890"} {
		got, err := ParseTarget(ChannelTelegram, raw)
		if err != nil {
			t.Fatalf("ParseTarget(%q): %v", raw, err)
		}
		if got.String() != raw {
			t.Errorf("round trip of %q = %q", raw, got.String())
		}
	}
}

func TestParseTelegramRejects(t *testing.T) {
	for _, raw := range []string{"", "abc", "-100x:topic:5", "-1001:topic:x", "chat:5:6"} {
		if _, err := ParseTarget(ChannelTelegram, raw); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("ParseTarget(%q) err = %v, want ErrInvalidTarget", raw, err)
		}
	}
}

func TestParsePrefixedChannels(t *testing.T) {
	for _, channel := range []string{ChannelSlack, ChannelDiscord, ChannelMattermost} {
		got, err := ParseTarget(channel, "channel:C1")
		if err != nil {
			t.Fatalf("%s channel:C1: %v", channel, err)
		}
		if got.Kind != KindChannel || got.ID != "C1" {
			t.Errorf("%s parsed = %+v", channel, got)
		}

		got, err = ParseTarget(channel, "user:U42")
		if err != nil {
			t.Fatalf("%s user:U42: %v", channel, err)
		}
		if got.Kind != KindUser || got.ID != "U42" {
			t.Errorf("%s parsed = %+v", channel, got)
		}

		// Bare numeric is ambiguous.
		if _, err := ParseTarget(channel, "123456"); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("%s bare numeric err = %v, want ErrInvalidTarget", channel, err)
		}

		// Bare names default to channels.
		got, err = ParseTarget(channel, "general")
		if err != nil {
			t.Fatalf("%s general: %v", channel, err)
		}
		if got.Kind != KindChannel || got.ID != "general" {
			t.Errorf("%s bare name parsed = %+v", channel, got)
		}
	}
}

func TestRequestWanted(t *testing.T) {
	f, tr := false, true
	cases := []struct {
		name string
		req  Request
		want bool
	}{
		{"nothing set", Request{}, false},
		{"to implies deliver", Request{To: "channel:C1"}, true},
		{"explicit false beats to", Request{To: "channel:C1", Deliver: &f}, false},
		{"explicit true without to", Request{Deliver: &tr}, true},
	}
	for _, tc := range cases {
		if got := tc.req.Wanted(); got != tc.want {
			t.Errorf("%s: Wanted = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// fakeDriver records sends and fails on demand.
type fakeDriver struct {
	name    string
	fail    error
	targets []Target
	texts   []string
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Send(ctx context.Context, target Target, text string, meta Metadata) error {
	if d.fail != nil {
		return d.fail
	}
	d.targets = append(d.targets, target)
	d.texts = append(d.texts, text)
	return nil
}

func newTestRouter(t *testing.T, drivers ...Driver) (*Router, *LastRoutes) {
	t.Helper()
	routes, err := NewLastRoutes(filepath.Join(t.TempDir(), "last_route.json"), clock.NewFakeMS(1_000))
	if err != nil {
		t.Fatalf("NewLastRoutes: %v", err)
	}
	reg := NewRegistry()
	for _, d := range drivers {
		reg.Register(d)
	}
	return NewRouter(reg, routes), routes
}

func TestRouterSendExplicitTarget(t *testing.T) {
	slack := &fakeDriver{name: ChannelSlack}
	r, routes := newTestRouter(t, slack)

	res := r.Send(context.Background(), &Request{
		SessionKey: "agent:default:main",
		Channel:    ChannelSlack,
		To:         "channel:C1",
		Text:       "OUT",
	})
	if res.Status != "ok" || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if len(slack.targets) != 1 || slack.targets[0].ID != "C1" {
		t.Fatalf("driver saw %+v", slack.targets)
	}

	// Success recorded the route for future fallback.
	route, ok := routes.Get("agent:default:main")
	if !ok || route.Channel != ChannelSlack || route.Target != "channel:C1" {
		t.Fatalf("last route = %+v, %v", route, ok)
	}
}

func TestRouterLastRouteFallback(t *testing.T) {
	tg := &fakeDriver{name: ChannelTelegram}
	r, routes := newTestRouter(t, tg)

	if err := routes.Set("agent:default:main", ChannelTelegram, "555"); err != nil {
		t.Fatalf("seed route: %v", err)
	}

	res := r.Send(context.Background(), &Request{
		SessionKey: "agent:default:main",
		Text:       "fallback text",
	})
	if res.Status != "ok" {
		t.Fatalf("result = %+v", res)
	}
	if res.Channel != ChannelTelegram || res.Target != "555" {
		t.Fatalf("routed to (%s, %s), want (telegram, 555)", res.Channel, res.Target)
	}
	if len(tg.targets) != 1 || tg.targets[0].ID != "555" {
		t.Fatalf("driver saw %+v", tg.targets)
	}
}

func TestRouterNoRoute(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDriver{name: ChannelSlack})

	res := r.Send(context.Background(), &Request{
		SessionKey: "agent:default:main",
		Text:       "nowhere to go",
	})
	if res.Status != "failed" || !errors.Is(res.Err, ErrNoRoute) {
		t.Fatalf("result = %+v, want failed/ErrNoRoute", res)
	}
}

func TestRouterDriverFailureKeepsRoute(t *testing.T) {
	boom := errors.New("slack api: 500")
	slack := &fakeDriver{name: ChannelSlack, fail: boom}
	r, routes := newTestRouter(t, slack)

	res := r.Send(context.Background(), &Request{
		SessionKey: "agent:default:main",
		Channel:    ChannelSlack,
		To:         "channel:C1",
		Text:       "OUT",
	})
	if res.Status != "failed" || !errors.Is(res.Err, boom) {
		t.Fatalf("result = %+v", res)
	}
	// A failed send must not poison the fallback table.
	if _, ok := routes.Get("agent:default:main"); ok {
		t.Fatal("failed send recorded a last route")
	}
}

func TestRouterUnknownChannel(t *testing.T) {
	r, _ := newTestRouter(t)

	res := r.Send(context.Background(), &Request{
		SessionKey: "s",
		Channel:    "carrier-pigeon",
		To:         "roof",
		Text:       "coo",
	})
	if res.Status != "failed" || !errors.Is(res.Err, ErrUnknownChannel) {
		t.Fatalf("result = %+v, want ErrUnknownChannel", res)
	}
}

func TestLastRoutesPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_route.json")
	clk := clock.NewFakeMS(5_000)

	lr, err := NewLastRoutes(path, clk)
	if err != nil {
		t.Fatalf("NewLastRoutes: %v", err)
	}
	if err := lr.Set("agent:default:main", ChannelTelegram, "555"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reloaded, err := NewLastRoutes(path, clk)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	route, ok := reloaded.Get("agent:default:main")
	if !ok || route.Channel != ChannelTelegram || route.Target != "555" || route.UpdatedAtMS != 5_000 {
		t.Fatalf("reloaded route = %+v, %v", route, ok)
	}
}
