// Package heartbeat runs the periodic main-session agent turn. Each beat
// drains the session's queued system events into the prompt, so scheduled
// main-session jobs surface on the next beat; a wake signal (from a
// wake_mode=now job or the gateway) forces a beat immediately. A reply of
// HEARTBEAT_OK means nothing needs attention and is dropped silently.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adjutant-ai/adjutant/internal/agent"
	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/clock"
	"github.com/adjutant-ai/adjutant/internal/delivery"
)

const defaultPrompt = "Check on anything that needs attention. " +
	"If nothing needs attention, reply HEARTBEAT_OK."

const (
	defaultInterval    = 30 * time.Minute
	defaultAckMaxChars = 300
	okToken            = "HEARTBEAT_OK"
)

// DefaultInterval is the beat cadence when none is configured.
func DefaultInterval() time.Duration { return defaultInterval }

// ActiveHours restricts beats to a local-time window. Start/End are "HH:MM";
// an empty window means always active.
type ActiveHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

// Config holds the resolved heartbeat settings for one agent.
type Config struct {
	AgentID     string
	Interval    time.Duration
	ActiveHours *ActiveHours
	Model       string
	Prompt      string
	AckMaxChars int
}

// Service owns the beat loop for one agent's main session.
type Service struct {
	cfg    Config
	runner agent.Runner
	events *bus.SystemEventQueue
	router *delivery.Router
	clk    clock.Clock

	wakeCh chan struct{}

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	lastContent string
	lastAlertAt time.Time
}

// NewService creates a heartbeat service over the shared event queue and
// delivery router.
func NewService(cfg Config, runner agent.Runner, events *bus.SystemEventQueue,
	router *delivery.Router, clk clock.Clock) *Service {

	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	if cfg.AckMaxChars <= 0 {
		cfg.AckMaxChars = defaultAckMaxChars
	}
	return &Service{
		cfg:    cfg,
		runner: runner,
		events: events,
		router: router,
		clk:    clk,
		wakeCh: make(chan struct{}, 1),
	}
}

// Start begins the beat loop.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	go s.loop(ctx)
	slog.Info("heartbeat: started", "agent", s.cfg.AgentID, "interval", s.cfg.Interval)
}

// Stop halts the loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
	slog.Info("heartbeat: stopped", "agent", s.cfg.AgentID)
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wake forces a beat now instead of waiting out the interval. Used by
// wake_mode=now jobs and the gateway's wake method.
func (s *Service) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	// No beat on startup; the first fires after one full interval or on the
	// first wake, whichever comes first.
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx, false)
			timer.Reset(s.cfg.Interval)
		case <-s.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			s.tick(ctx, true)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Service) tick(ctx context.Context, woken bool) {
	sessionKey := agent.MainSessionKey(s.cfg.AgentID)

	pending, err := s.events.Drain(sessionKey)
	if err != nil {
		slog.Warn("heartbeat: event drain failed", "agent", s.cfg.AgentID, "error", err)
		return
	}

	// A scheduled beat outside active hours is skipped, but a wake is an
	// explicit request and pending events must not sit until morning.
	if !woken && len(pending) == 0 && !s.inActiveHours() {
		slog.Debug("heartbeat: outside active hours", "agent", s.cfg.AgentID)
		return
	}

	prompt := s.cfg.Prompt
	if len(pending) > 0 {
		var b strings.Builder
		b.WriteString("Queued events since the last heartbeat:\n")
		for _, ev := range pending {
			fmt.Fprintf(&b, "- %s\n", ev.Text)
		}
		b.WriteString("\n")
		b.WriteString(s.cfg.Prompt)
		prompt = b.String()
	}

	reply, err := s.runner.Run(ctx, agent.RunRequest{
		SessionID: sessionKey,
		Prompt:    prompt,
		Model:     s.cfg.Model,
	})
	if err != nil {
		slog.Warn("heartbeat: agent run failed", "agent", s.cfg.AgentID, "error", err)
		return
	}

	content, isOK := stripOKToken(reply.Text, s.cfg.AckMaxChars)
	if isOK {
		slog.Debug("heartbeat: ok", "agent", s.cfg.AgentID)
		return
	}

	// Identical alert within a day is noise, not news.
	now := s.clk.Now()
	s.mu.Lock()
	if content == s.lastContent && now.Sub(s.lastAlertAt) < 24*time.Hour {
		s.mu.Unlock()
		slog.Debug("heartbeat: duplicate alert suppressed", "agent", s.cfg.AgentID)
		return
	}
	s.lastContent = content
	s.lastAlertAt = now
	s.mu.Unlock()

	s.deliver(ctx, sessionKey, content)
}

// deliver routes the alert over the session's last route; an agent that has
// never replied anywhere has no surface to alert on.
func (s *Service) deliver(ctx context.Context, sessionKey, content string) {
	res := s.router.Send(ctx, &delivery.Request{
		SessionKey: sessionKey,
		Text:       content,
	})
	if res.Err != nil {
		slog.Warn("heartbeat: alert delivery failed",
			"agent", s.cfg.AgentID, "channel", res.Channel, "error", res.Err)
		return
	}
	slog.Info("heartbeat: alert delivered",
		"agent", s.cfg.AgentID, "channel", res.Channel, "target", res.Target)
}

func (s *Service) inActiveHours() bool {
	cfg := s.cfg.ActiveHours
	if cfg == nil || cfg.Start == "" || cfg.End == "" {
		return true
	}

	now := s.clk.Now()
	if cfg.Timezone != "" {
		if loc, err := clock.LoadLocation(cfg.Timezone); err == nil {
			now = now.In(loc)
		}
	}

	startH, startM := parseHHMM(cfg.Start)
	endH, endM := parseHHMM(cfg.End)

	cur := now.Hour()*60 + now.Minute()
	start := startH*60 + startM
	end := endH*60 + endM

	if start <= end {
		return cur >= start && cur < end
	}
	// Window wraps midnight, e.g. 22:00-06:00.
	return cur >= start || cur < end
}

func parseHHMM(s string) (int, int) {
	var h, m int
	fmt.Sscanf(s, "%d:%d", &h, &m)
	return h, m
}

// stripOKToken recognises the ack: an exact HEARTBEAT_OK, a wrapped one, or
// the token at either end with at most ackMaxChars of commentary around it.
func stripOKToken(reply string, ackMaxChars int) (string, bool) {
	trimmed := strings.TrimSpace(reply)
	if trimmed == okToken {
		return "", true
	}

	stripped := trimmed
	for _, wrap := range [][2]string{{"**", "**"}, {"`", "`"}, {"<b>", "</b>"}, {"<strong>", "</strong>"}} {
		stripped = strings.TrimPrefix(stripped, wrap[0])
		stripped = strings.TrimSuffix(stripped, wrap[1])
	}
	if strings.TrimSpace(stripped) == okToken {
		return "", true
	}

	hasPrefix := strings.HasPrefix(trimmed, okToken)
	hasSuffix := strings.HasSuffix(trimmed, okToken)
	if !hasPrefix && !hasSuffix {
		return trimmed, false
	}

	remaining := trimmed
	if hasPrefix {
		remaining = strings.TrimSpace(strings.TrimPrefix(remaining, okToken))
	}
	if hasSuffix {
		remaining = strings.TrimSpace(strings.TrimSuffix(remaining, okToken))
	}
	if len(remaining) <= ackMaxChars {
		return "", true
	}
	return remaining, false
}
