// Package providers implements the agent runtime over OpenAI-compatible
// chat-completion endpoints. The engine sees it only through agent.Runner;
// session transcripts live here.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	openAIDefaultBase  = "https://api.openai.com/v1"
	openAIDefaultModel = "gpt-4o-mini"

	dashscopeBase         = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// ChatMessage is one entry of a conversation transcript.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// chatRequest is the wire shape of a chat-completions call.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatResult is a completed turn.
type ChatResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// apiError is an HTTP-level failure, tagged with whether a retry could help.
type apiError struct {
	status    int
	message   string
	retryable bool
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.status, e.message)
}

// OpenAIProvider calls one OpenAI-compatible endpoint.
type OpenAIProvider struct {
	name    string
	apiKey  string
	apiBase string
	model   string
	httpc   *http.Client
}

// NewOpenAIProvider builds a provider. Empty base and model take the OpenAI
// defaults.
func NewOpenAIProvider(name, apiKey, apiBase, model string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = openAIDefaultBase
	}
	if model == "" {
		model = openAIDefaultModel
	}
	return &OpenAIProvider{
		name:    name,
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		model:   model,
		httpc:   &http.Client{},
	}
}

// NewDashScopeProvider targets DashScope's compatible-mode endpoint.
func NewDashScopeProvider(apiKey, apiBase, model string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = dashscopeBase
	}
	if model == "" {
		model = dashscopeDefaultModel
	}
	return NewOpenAIProvider("dashscope", apiKey, apiBase, model)
}

// Name identifies the provider in logs.
func (p *OpenAIProvider) Name() string { return p.name }

// DefaultModel is the model used when a call sets none.
func (p *OpenAIProvider) DefaultModel() string { return p.model }

// Chat runs one non-streaming completion. The context bounds the call.
func (p *OpenAIProvider) Chat(ctx context.Context, model string, messages []ChatMessage) (*ChatResult, error) {
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Connection-level failures are worth one retry.
		return nil, &apiError{status: 0, message: err.Error(), retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &apiError{status: resp.StatusCode, message: err.Error(), retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		var parsed chatResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, &apiError{
			status:    resp.StatusCode,
			message:   msg,
			retryable: retryableStatus(resp.StatusCode),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", p.name)
	}

	return &ChatResult{
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// retryableStatus classifies HTTP statuses: rate limits, upstream overload
// and gateway errors deserve one retry; everything else is terminal.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// SetHTTPClient overrides the transport, mainly for tests.
func (p *OpenAIProvider) SetHTTPClient(c *http.Client) { p.httpc = c }
