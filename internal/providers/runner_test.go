package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adjutant-ai/adjutant/internal/agent"
)

func chatServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *OpenAIProvider) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewOpenAIProvider("test", "key", srv.URL, "test-model")
	p.SetHTTPClient(srv.Client())
	return srv, p
}

func okReply(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
			"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 7},
		})
	}
}

func TestRunReturnsTextAndUsage(t *testing.T) {
	_, p := chatServer(t, okReply("hello there"))
	r := NewSessionRunner(p, RunnerOptions{})

	res, err := r.Run(context.Background(), agent.RunRequest{SessionID: "s1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Usage.InputTokens != 12 || res.Usage.OutputTokens != 7 {
		t.Fatalf("usage = %+v", res.Usage)
	}
}

func TestRunKeepsTranscriptPerSession(t *testing.T) {
	var lastBody atomic.Value
	_, p := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		lastBody.Store(req)
		okReply("ack")(w, r)
	})
	r := NewSessionRunner(p, RunnerOptions{SystemPrompt: "be brief"})

	if _, err := r.Run(context.Background(), agent.RunRequest{SessionID: "s1", Prompt: "first"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), agent.RunRequest{SessionID: "s1", Prompt: "second"}); err != nil {
		t.Fatal(err)
	}

	req := lastBody.Load().(chatRequest)
	// system + first turn (user, assistant) + current user prompt
	if len(req.Messages) != 4 {
		t.Fatalf("second call carried %d messages, want 4", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "be brief" {
		t.Fatalf("missing system prompt: %+v", req.Messages[0])
	}
	if req.Messages[3].Content != "second" {
		t.Fatalf("last message = %+v", req.Messages[3])
	}

	// A different session starts clean.
	if _, err := r.Run(context.Background(), agent.RunRequest{SessionID: "s2", Prompt: "other"}); err != nil {
		t.Fatal(err)
	}
	req = lastBody.Load().(chatRequest)
	if len(req.Messages) != 2 {
		t.Fatalf("fresh session carried %d messages, want 2", len(req.Messages))
	}
}

func TestRunClassifiesRateLimitTransient(t *testing.T) {
	_, p := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	})
	r := NewSessionRunner(p, RunnerOptions{})

	_, err := r.Run(context.Background(), agent.RunRequest{SessionID: "s", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !agent.IsRetryable(err) {
		t.Fatalf("429 should be retryable, got %v", err)
	}
}

func TestRunClassifiesBadRequestTerminal(t *testing.T) {
	_, p := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model"}}`))
	})
	r := NewSessionRunner(p, RunnerOptions{})

	_, err := r.Run(context.Background(), agent.RunRequest{SessionID: "s", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error")
	}
	if agent.IsRetryable(err) {
		t.Fatalf("400 should be terminal, got %v", err)
	}
}

func TestRunTimeoutIsTransientTimeout(t *testing.T) {
	_, p := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		okReply("late")(w, r)
	})
	r := NewSessionRunner(p, RunnerOptions{})

	_, err := r.Run(context.Background(), agent.RunRequest{
		SessionID: "s", Prompt: "p", Timeout: 20 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !agent.IsTimeout(err) {
		t.Fatalf("want timeout classification, got %v", err)
	}
	if !agent.IsRetryable(err) {
		t.Fatalf("deadline timeout should be transient, got %v", err)
	}
}

func TestRunCancelledKeepsSentinel(t *testing.T) {
	started := make(chan struct{})
	_, p := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect;
		// r.Context() is only cancelled once the request body is consumed.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	})
	r := NewSessionRunner(p, RunnerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := r.Run(ctx, agent.RunRequest{SessionID: "s", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error")
	}
	// A cancelled run is not an agent failure; the sentinel must survive
	// classification so the executor records the outcome as cancelled.
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation rewrapped: %v", err)
	}
	if agent.IsTimeout(err) {
		t.Fatalf("cancellation misclassified as timeout: %v", err)
	}
}

func TestFailedRunLeavesTranscriptClean(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	_, p := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		lastBody.Store(req)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		okReply("ok")(w, r)
	})
	r := NewSessionRunner(p, RunnerOptions{})

	if _, err := r.Run(context.Background(), agent.RunRequest{SessionID: "s", Prompt: "fails"}); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := r.Run(context.Background(), agent.RunRequest{SessionID: "s", Prompt: "works"}); err != nil {
		t.Fatal(err)
	}

	req := lastBody.Load().(chatRequest)
	if len(req.Messages) != 1 {
		t.Fatalf("failed turn leaked into transcript: %+v", req.Messages)
	}
}
