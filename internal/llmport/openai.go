package llmport

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/retry"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        retry.Config
}

// OpenAIProvider implements Provider against OpenAI's Chat Completions API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	retry        retry.Config
}

// NewOpenAIProvider creates a provider bound to cfg.APIKey.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &Error{Kind: AuthInvalid, Provider: "openai", Message: "missing API key"}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.System, req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	result := retry.Do(ctx, p.retry, func() error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if result.Err != nil {
		return nil, Classify("openai", result.Err)
	}

	out := make(chan Chunk)
	go drainOpenAIStream(stream, out)
	return out, nil
}

func drainOpenAIStream(stream *openai.ChatCompletionStream, out chan<- Chunk) {
	defer close(out)
	defer stream.Close()

	type building struct {
		id, name string
		input    strings.Builder
	}
	calls := make(map[int]*building)
	order := make([]int, 0, 4)

	flush := func() []ToolCall {
		if len(order) == 0 {
			return nil
		}
		result := make([]ToolCall, 0, len(order))
		for _, idx := range order {
			b := calls[idx]
			if b.id == "" || b.name == "" {
				continue
			}
			result = append(result, ToolCall{ID: b.id, Name: b.name, Input: []byte(b.input.String())})
		}
		return result
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				if calls := flush(); len(calls) > 0 {
					out <- Chunk{ToolCalls: calls}
				}
				out <- Chunk{Done: true}
				return
			}
			out <- Chunk{Err: Classify("openai", err)}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			out <- Chunk{TextDelta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			b, ok := calls[idx]
			if !ok {
				b = &building{}
				calls[idx] = b
				order = append(order, idx)
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				b.input.WriteString(tc.Function.Arguments)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			if calls := flush(); len(calls) > 0 {
				out <- Chunk{ToolCalls: calls}
			}
			calls = make(map[int]*building)
			order = order[:0]
		}
	}
}

func convertOpenAIMessages(system string, msgs []CompletionMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case core.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case core.RoleAssistant:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		case core.RoleToolCall:
			result = append(result, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       m.ToolCallID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: m.ToolName, Arguments: m.Content},
				}},
			})
		case core.RoleToolResult:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return result
}
