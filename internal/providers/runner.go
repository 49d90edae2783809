package providers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adjutant-ai/adjutant/internal/agent"
)

const (
	// maxTranscript bounds per-session history; older turns fall off the
	// front, the system prompt stays.
	maxTranscript = 40

	defaultCallTimeout = 10 * time.Minute
)

// RunnerOptions configures the session runner.
type RunnerOptions struct {
	SystemPrompt string
	CallTimeout  time.Duration // per-call cap when the request sets none
}

// SessionRunner implements agent.Runner over an OpenAI-compatible provider.
// It keeps one in-memory transcript per session id; isolated cron runs mint
// fresh session ids, so they start from a clean slate for free.
type SessionRunner struct {
	provider *OpenAIProvider
	opts     RunnerOptions

	mu       sync.Mutex
	sessions map[string][]ChatMessage
}

var _ agent.Runner = (*SessionRunner)(nil)

func NewSessionRunner(provider *OpenAIProvider, opts RunnerOptions) *SessionRunner {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &SessionRunner{
		provider: provider,
		opts:     opts,
		sessions: make(map[string][]ChatMessage),
	}
}

// Run executes one agent turn: append the prompt to the session transcript,
// call the model, append the reply. Failures leave the transcript untouched.
func (r *SessionRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.opts.CallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := r.transcript(req.SessionID)
	messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})

	res, err := r.provider.Chat(ctx, req.Model, messages)
	if err != nil {
		return nil, r.classify(err)
	}

	r.record(req.SessionID, req.Prompt, res.Content)

	return &agent.RunResult{
		Text: res.Content,
		Usage: &agent.Usage{
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
		},
	}, nil
}

// DropSession discards a session's transcript.
func (r *SessionRunner) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *SessionRunner) transcript(sessionID string) []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := r.sessions[sessionID]
	out := make([]ChatMessage, 0, len(history)+2)
	if r.opts.SystemPrompt != "" {
		out = append(out, ChatMessage{Role: "system", Content: r.opts.SystemPrompt})
	}
	return append(out, history...)
}

func (r *SessionRunner) record(sessionID, prompt, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := append(r.sessions[sessionID],
		ChatMessage{Role: "user", Content: prompt},
		ChatMessage{Role: "assistant", Content: reply},
	)
	if len(history) > maxTranscript {
		history = history[len(history)-maxTranscript:]
	}
	r.sessions[sessionID] = history
}

// classify translates provider failures into the engine's retryability
// taxonomy. A deadline hit is a transient timeout; rate limits and upstream
// errors are transient; everything else is terminal. External cancellation
// keeps its sentinel so callers record the run as cancelled, not failed.
func (r *SessionRunner) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.NewTimeout("agent call timed out", true)
	}
	var ae *apiError
	if errors.As(err, &ae) {
		if ae.retryable {
			return agent.NewTransient(ae.Error())
		}
		return agent.NewTerminal(ae.Error())
	}
	slog.Debug("providers: unclassified runner error", "error", err)
	return agent.NewTerminal(err.Error())
}
