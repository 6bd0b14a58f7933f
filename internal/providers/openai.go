// Package providers implements the Provider/Session contract internal/executor
// depends on (spec §4.6, §9) against an OpenAI-compatible chat completions
// endpoint, the teacher's own provider shape generalized from its multi-
// provider gateway down to the one HTTP client Hi-Boss needs.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/executor"
)

// Message is one turn in a session's running transcript. Persisted session
// handles are just a JSON array of these (spec §4.6's "sessionHandle").
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config selects the endpoint and model a Provider talks to.
type Config struct {
	BaseURL string // e.g. "https://api.openai.com/v1"
	APIKey  string
	Model   string
	Retry   RetryConfig
}

// OpenAIProvider opens and resumes sessions backed by one chat-completions
// endpoint. It holds no per-agent state itself — that lives in the
// sessions it returns — so one Provider instance serves every agent.
type OpenAIProvider struct {
	cfg    Config
	client *http.Client
}

// NewOpenAIProvider builds a Provider from cfg, defaulting Retry to
// DefaultRetryConfig when unset.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Open starts a brand new session with an empty transcript.
func (p *OpenAIProvider) Open(_ context.Context, agentName string) (executor.Session, error) {
	return &openAISession{provider: p, agentName: agentName}, nil
}

// Resume best-effort-restores a session's transcript from a persisted
// handle. A malformed handle is a resume failure, not a crash: the caller
// falls back to Open (spec §4.6).
func (p *OpenAIProvider) Resume(_ context.Context, agentName, handle string) (executor.Session, error) {
	var messages []Message
	if err := json.Unmarshal([]byte(handle), &messages); err != nil {
		return nil, fmt.Errorf("providers: resume session for %s: %w", agentName, err)
	}
	return &openAISession{provider: p, agentName: agentName, messages: messages}, nil
}

// Dispose is a no-op: an openAISession holds no resources beyond its
// in-memory transcript.
func (p *OpenAIProvider) Dispose(_ context.Context, _ executor.Session) error {
	return nil
}

type openAISession struct {
	provider  *OpenAIProvider
	agentName string
	messages  []Message
}

// Run renders turn's due envelopes onto the transcript, completes against
// the configured endpoint with retry, and reports the updated handle plus
// any usage the endpoint returned (spec §4.6).
func (s *openAISession) Run(ctx context.Context, turn executor.Turn) (executor.RunResult, error) {
	for _, env := range turn.Envelopes {
		s.messages = append(s.messages, Message{Role: "user", Content: fmt.Sprintf("[%s] %s", env.From, env.Text)})
	}

	resp, err := RetryDo(ctx, s.provider.cfg.Retry, func() (openAIResponse, error) {
		return s.provider.complete(ctx, s.messages)
	})
	if err != nil {
		return executor.RunResult{}, fmt.Errorf("providers: run %s: %w", s.agentName, err)
	}
	if len(resp.Choices) == 0 {
		return executor.RunResult{}, fmt.Errorf("providers: run %s: empty completion", s.agentName)
	}

	reply := resp.Choices[0].Message
	s.messages = append(s.messages, Message{Role: "assistant", Content: reply.Content})

	handle, err := json.Marshal(s.messages)
	if err != nil {
		return executor.RunResult{}, fmt.Errorf("providers: marshal session handle: %w", err)
	}

	result := executor.RunResult{
		FinalResponse: reply.Content,
		SessionHandle: string(handle),
	}
	if resp.Usage != nil {
		result.Usage = executor.Usage{Present: true, ContextLength: resp.Usage.TotalTokens}
	}
	return result, nil
}

func (p *OpenAIProvider) complete(ctx context.Context, messages []Message) (openAIResponse, error) {
	body, err := json.Marshal(map[string]any{
		"model":    p.cfg.Model,
		"messages": messages,
	})
	if err != nil {
		return openAIResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return openAIResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return openAIResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return openAIResponse{}, err
	}
	if resp.StatusCode >= 300 {
		return openAIResponse{}, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out openAIResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return openAIResponse{}, fmt.Errorf("providers: decode completion: %w", err)
	}
	return out, nil
}
