package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"

	"github.com/nullptr-z/Q-bot/internal/metrics"
)

// Finish reasons the run branches on.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// ToolCall is one function call requested by the model.
type ToolCall struct {
	Name      string
	Arguments string
}

// Completion is the first choice of a chat completion.
type Completion struct {
	FinishReason string
	Content      string
	ToolCalls    []ToolCall
}

// ChatCompleter runs a chat completion that may answer with a tool call.
// It returns ErrNoChoice when the service produced no choices.
type ChatCompleter interface {
	ChatWithTools(ctx context.Context, systemPrompt, userMessage string, tools []ToolSpec) (*Completion, error)
}

// OpenAIChat implements ChatCompleter with the OpenAI chat completions API.
type OpenAIChat struct {
	client *openai.Client
	model  string
}

// NewOpenAIChat creates a tool-calling chat client for model.
func NewOpenAIChat(client *openai.Client, model string) *OpenAIChat {
	return &OpenAIChat{client: client, model: model}
}

func (c *OpenAIChat) ChatWithTools(ctx context.Context, systemPrompt, userMessage string, tools []ToolSpec) (*Completion, error) {
	start := time.Now()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userMessage),
		},
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        string(t.Name),
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.Parameters),
		}))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	metrics.StageDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())

	if len(resp.Choices) == 0 {
		return nil, ErrNoChoice
	}
	choice := resp.Choices[0]
	out := &Completion{
		FinishReason: string(choice.FinishReason),
		Content:      choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

var _ ChatCompleter = (*OpenAIChat)(nil)
