package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/nullptr-z/Q-bot/internal/metrics"
)

// Completer runs a plain chat completion under a system prompt.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage, model string) (string, error)
}

// LLMResult holds the complete LLM response with timing.
type LLMResult struct {
	Text               string  `json:"text"`
	LatencyMs          float64 `json:"latency_ms"`
	TimeToFirstTokenMs float64 `json:"ttft_ms"`
}

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

type streamResult struct {
	ttft time.Time
}

// AgentLLM routes LLM requests to the correct provider using the openai-agents-go SDK.
type AgentLLM struct {
	providers map[string]agents.ModelProvider
	models    map[string]string // engine → default model
	fallback  string
	maxTokens int
}

// NewAgentLLM creates a new AgentLLM with the given fallback engine and max tokens.
func NewAgentLLM(fallback string, maxTokens int) *AgentLLM {
	return &AgentLLM{
		providers: make(map[string]agents.ModelProvider),
		models:    make(map[string]string),
		fallback:  fallback,
		maxTokens: maxTokens,
	}
}

// NewOpenAIProvider builds a chat-completions provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(baseURL, apiKey string) agents.ModelProvider {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return agents.NewOpenAIProvider(params)
}

// Register adds an SDK provider and default model for the given engine name.
func (a *AgentLLM) Register(engine string, provider agents.ModelProvider, defaultModel string) {
	a.providers[engine] = provider
	a.models[engine] = defaultModel
}

// Has reports whether a backend is registered for the given engine name.
func (a *AgentLLM) Has(engine string) bool {
	_, ok := a.providers[engine]
	return ok
}

// Complete runs a single-turn completion on the fallback engine.
func (a *AgentLLM) Complete(ctx context.Context, systemPrompt, userMessage, model string) (string, error) {
	res, err := a.Chat(ctx, userMessage, systemPrompt, model, a.fallback, nil)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Chat streams a completion from the resolved provider.
func (a *AgentLLM) Chat(ctx context.Context, userMessage, systemPrompt, model, engine string, onToken TokenCallback) (*LLMResult, error) {
	provider, useModel, err := a.resolve(engine, model)
	if err != nil {
		return nil, err
	}

	settings := modelsettings.ModelSettings{}
	if a.maxTokens > 0 {
		settings.MaxTokens = param.NewOpt(int64(a.maxTokens))
	}
	agent := agents.New("assistant").
		WithInstructions(systemPrompt).
		WithModel(useModel).
		WithModelSettings(settings)

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()

	events, errCh, err := runner.RunStreamedChan(ctx, agent, userMessage)
	if err != nil {
		return nil, fmt.Errorf("llm stream start: %w", err)
	}

	var textBuf strings.Builder
	var sr streamResult
	for ev := range events {
		handleStreamEvent(ev, &sr, onToken, &textBuf)
	}

	if streamErr := <-errCh; streamErr != nil {
		return nil, fmt.Errorf("llm stream: %w", streamErr)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("llm").Observe(latency.Seconds())

	ttft := float64(0)
	if !sr.ttft.IsZero() {
		ttft = float64(sr.ttft.Sub(start).Milliseconds())
	}

	return &LLMResult{
		Text:               strings.TrimSpace(textBuf.String()),
		LatencyMs:          float64(latency.Milliseconds()),
		TimeToFirstTokenMs: ttft,
	}, nil
}

func handleStreamEvent(ev agents.StreamEvent, sr *streamResult, onToken TokenCallback, textBuf *strings.Builder) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return
	}
	if raw.Data.Type != "response.output_text.delta" {
		return
	}
	if sr.ttft.IsZero() {
		sr.ttft = time.Now()
	}
	if onToken != nil {
		onToken(raw.Data.Delta)
	}
	textBuf.WriteString(raw.Data.Delta)
}

func (a *AgentLLM) resolve(engine, model string) (agents.ModelProvider, string, error) {
	provider, ok := a.providers[engine]
	if !ok {
		provider, ok = a.providers[a.fallback]
		engine = a.fallback
	}
	if !ok {
		return nil, "", fmt.Errorf("no llm provider for engine %q", engine)
	}

	if model != "" {
		return provider, model, nil
	}
	return provider, a.models[engine], nil
}

var _ Completer = (*AgentLLM)(nil)
