package llmport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/retry"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	Retry           retry.Config
}

// BedrockProvider implements Provider against AWS Bedrock's Converse API,
// fronting whichever foundation model cfg.DefaultModel (or a per-request
// model override) names.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        retry.Config
}

// NewBedrockProvider creates a provider using cfg's AWS credentials, or the
// default credential chain (env, IAM role) if AccessKeyID is empty.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, &Error{Kind: ProviderUnavailable, Provider: "bedrock", Message: "load AWS config", Cause: err}
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(req.Tools)
	}

	var stream *bedrockruntime.ConverseStreamOutput
	result := retry.Do(ctx, p.retry, func() error {
		out, err := p.client.ConverseStream(ctx, input)
		if err != nil {
			return err
		}
		stream = out
		return nil
	})
	if result.Err != nil {
		return nil, Classify("bedrock", result.Err)
	}

	out := make(chan Chunk)
	go drainBedrockStream(ctx, stream, out)
	return out, nil
}

func drainBedrockStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- Chunk) {
	defer close(out)
	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentID, currentName string
	var currentInput strings.Builder
	events := eventStream.Events()

	for {
		select {
		case <-ctx.Done():
			out <- Chunk{Err: ctx.Err()}
			return
		case ev, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					out <- Chunk{Err: Classify("bedrock", err)}
				} else {
					out <- Chunk{Done: true}
				}
				return
			}
			switch v := ev.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if tu, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentID = aws.ToString(tu.Value.ToolUseId)
					currentName = aws.ToString(tu.Value.Name)
					currentInput.Reset()
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch d := v.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if d.Value != "" {
						out <- Chunk{TextDelta: d.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if d.Value.Input != nil {
						currentInput.WriteString(*d.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentID != "" {
					out <- Chunk{ToolCalls: []ToolCall{{ID: currentID, Name: currentName, Input: []byte(currentInput.String())}}}
					currentID, currentName = "", ""
					currentInput.Reset()
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				out <- Chunk{Done: true}
				return
			}
		}
	}
}

func convertBedrockMessages(msgs []CompletionMessage) []types.Message {
	result := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		var content []types.ContentBlock
		role := types.ConversationRoleUser

		switch m.Role {
		case core.RoleUser:
			content = append(content, &types.ContentBlockMemberText{Value: m.Content})
		case core.RoleAssistant:
			role = types.ConversationRoleAssistant
			content = append(content, &types.ContentBlockMemberText{Value: m.Content})
		case core.RoleToolResult:
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
				},
			})
		case core.RoleToolCall:
			role = types.ConversationRoleAssistant
			var input any
			_ = json.Unmarshal([]byte(m.Content), &input)
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Name:      aws.String(m.ToolName),
					Input:     document.NewLazyDocument(input),
				},
			})
		default:
			continue
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func convertBedrockTools(tools []ToolSpec) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}
