package llmport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/retry"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        retry.Config
}

// AnthropicProvider implements Provider against Anthropic's Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        retry.Config
}

// NewAnthropicProvider creates a provider bound to cfg.APIKey.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &Error{Kind: AuthInvalid, Provider: "anthropic", Message: "missing API key"}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, &Error{Kind: ContextLimit, Provider: "anthropic", Message: "bad message history", Cause: err}
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, &Error{Kind: ContextLimit, Provider: "anthropic", Message: "bad tool schema", Cause: err}
		}
		params.Tools = tools
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	result := retry.Do(ctx, p.retry, func() error {
		stream = p.client.Messages.NewStreaming(ctx, params)
		return nil
	})
	if result.Err != nil {
		return nil, Classify("anthropic", result.Err)
	}

	out := make(chan Chunk)
	go drainAnthropicStream(stream, out)
	return out, nil
}

func drainAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- Chunk) {
	defer close(out)

	var pending []ToolCall
	var currentID, currentName string
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentID, currentName = tu.ID, tu.Name
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Chunk{TextDelta: delta.Text}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentID != "" {
				pending = append(pending, ToolCall{
					ID:    currentID,
					Name:  currentName,
					Input: []byte(currentInput.String()),
				})
				currentID, currentName = "", ""
				currentInput.Reset()
			}
		case "message_stop":
			if len(pending) > 0 {
				out <- Chunk{ToolCalls: pending}
			}
			out <- Chunk{Done: true}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- Chunk{Err: Classify("anthropic", err)}
		return
	}
	out <- Chunk{Done: true}
}

func convertAnthropicMessages(msgs []CompletionMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case core.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case core.RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case core.RoleToolResult:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		case core.RoleToolCall:
			var input map[string]any
			if err := json.Unmarshal([]byte(m.Content), &input); err != nil {
				return nil, err
			}
			result = append(result, anthropic.NewAssistantMessage(
				anthropic.NewToolUseBlock(m.ToolCallID, input, m.ToolName),
			))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, err
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(t.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}
