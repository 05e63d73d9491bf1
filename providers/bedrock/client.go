//go:build bedrock
// +build bedrock

// Package bedrock implements pipeline.Backend against AWS Bedrock's
// Converse and ConverseStream APIs. It is isolated behind the "bedrock"
// build tag so the rest of the gateway can build without pulling in the
// AWS SDK's dependency tree.
package bedrock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/providers"
	"github.com/modelgw/gateway/schedulererrors"
)

// Client implements pipeline.Backend for AWS Bedrock. Unlike the other
// providers, credentials are AWS profile names rather than bearer
// tokens: each entry in a Target's Credentials selects a distinct AWS
// config (and thus account/role) to Converse through, which is how
// cross-account Bedrock quota is spread across targets.
type Client struct {
	*providers.BaseClient
	Region   string
	clients  map[string]*bedrockruntime.Client
	fallback *bedrockruntime.Client
}

// NewClient builds a Bedrock backend for the given region. The runtime
// client used per-request is resolved lazily from target credentials
// via runtimeFor, so NewClient itself performs no AWS calls.
func NewClient(region string, timeout time.Duration, logger core.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		BaseClient: providers.NewBaseClient(timeout, logger),
		Region:     region,
		clients:    make(map[string]*bedrockruntime.Client),
	}
}

func (c *Client) Name() string { return "bedrock" }

// runtimeFor returns the bedrockruntime.Client for the given AWS profile
// name, constructing and caching it on first use. An empty profile uses
// the SDK's default credential chain (IAM role, env vars, ~/.aws/credentials).
func (c *Client) runtimeFor(ctx context.Context, profile string) (*bedrockruntime.Client, error) {
	if profile == "" {
		if c.fallback != nil {
			return c.fallback, nil
		}
		cfg, err := loadAWSConfig(ctx, c.Region, "")
		if err != nil {
			return nil, err
		}
		c.fallback = bedrockruntime.NewFromConfig(cfg)
		return c.fallback, nil
	}
	if rt, ok := c.clients[profile]; ok {
		return rt, nil
	}
	cfg, err := loadAWSConfig(ctx, c.Region, profile)
	if err != nil {
		return nil, err
	}
	rt := bedrockruntime.NewFromConfig(cfg)
	c.clients[profile] = rt
	return rt, nil
}

func loadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

func credentialFor(target pipeline.Target) string {
	if len(target.Credentials) == 0 {
		return ""
	}
	idx := target.CredentialIndex % len(target.Credentials)
	return target.Credentials[idx]
}

// Execute sends target's request through the Converse/ConverseStream
// API. A "system"-role message in req.Messages is pulled into the
// Converse System field; Bedrock's conversation turns carry only
// user/assistant roles.
func (c *Client) Execute(ctx context.Context, target pipeline.Target, req *pipeline.Request) (*pipeline.Response, error) {
	profile := credentialFor(target)
	runtime, err := c.runtimeFor(ctx, profile)
	if err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeAuthFailed, err.Error(), schedulererrors.WithCause(err))
	}

	model := req.Model

	var system []types.SystemContentBlock
	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: m.Content}}
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	inferenceConfig := &types.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		inferenceConfig.Temperature = aws.Float32(req.Temperature)
	}

	c.LogRequest(c.Name(), model, messagePreview(req.Messages))
	start := time.Now()

	if req.Stream {
		input := &bedrockruntime.ConverseStreamInput{
			ModelId:         aws.String(model),
			Messages:        messages,
			System:          system,
			InferenceConfig: inferenceConfig,
		}
		output, err := runtime.ConverseStream(ctx, input)
		if err != nil {
			return nil, classifyBedrockError(err)
		}
		return c.streamResponse(output, model), nil
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceConfig,
	}
	output, err := runtime.Converse(ctx, input)
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	resp, err := toResponse(output, model)
	if err == nil {
		c.LogResponse(c.Name(), model, core.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}, time.Since(start))
	}
	return resp, err
}

func messagePreview(messages []pipeline.Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

func toResponse(output *bedrockruntime.ConverseOutput, model string) (*pipeline.Response, error) {
	if output.Output == nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedResponse, "no output in bedrock response")
	}

	var content strings.Builder
	switch v := output.Output.(type) {
	case *types.ConverseOutputMemberMessage:
		for _, block := range v.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				content.WriteString(b.Value)
			}
		}
	default:
		return nil, schedulererrors.New(schedulererrors.CodeMalformedResponse, "unexpected output type from bedrock")
	}

	resp := &pipeline.Response{
		Content:      content.String(),
		Model:        model,
		FinishReason: string(output.StopReason),
	}
	if output.Usage != nil {
		resp.Usage = pipeline.Usage{
			PromptTokens:     int(aws.ToInt32(output.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(output.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

// streamResponse drains the Bedrock event stream into a channel of
// pipeline.StreamChunk, the same shape the other backends produce.
func (c *Client) streamResponse(output *bedrockruntime.ConverseStreamOutput, model string) *pipeline.Response {
	chunks := make(chan pipeline.StreamChunk)
	go func() {
		eventStream := output.GetStream()
		defer eventStream.Close()
		defer close(chunks)

		for event := range eventStream.Events() {
			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if v.Value.Delta == nil {
					continue
				}
				if d, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && d.Value != "" {
					chunks <- pipeline.StreamChunk{Content: d.Value}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				chunks <- pipeline.StreamChunk{Done: true}
				return
			}
		}
		if err := eventStream.Err(); err != nil {
			chunks <- pipeline.StreamChunk{Err: fmt.Errorf("bedrock stream error: %w", err)}
			return
		}
		chunks <- pipeline.StreamChunk{Done: true}
	}()

	return &pipeline.Response{Model: model, StreamChunks: chunks}
}

// classifyBedrockError maps an AWS SDK error into the gateway's shared
// error taxonomy by inspecting its smithy error code, since Bedrock
// errors surface as typed exceptions rather than HTTP status codes.
func classifyBedrockError(err error) *schedulererrors.PipelineError {
	msg := fmt.Sprintf("bedrock request failed: %v", err)
	switch {
	case strings.Contains(err.Error(), "AccessDeniedException"), strings.Contains(err.Error(), "UnrecognizedClientException"):
		return schedulererrors.New(schedulererrors.CodeAuthFailed, msg, schedulererrors.WithCause(err))
	case strings.Contains(err.Error(), "ThrottlingException"), strings.Contains(err.Error(), "TooManyRequestsException"):
		return schedulererrors.New(schedulererrors.CodeRateLimited, msg, schedulererrors.WithCause(err))
	case strings.Contains(err.Error(), "ValidationException"):
		return schedulererrors.New(schedulererrors.CodeMalformedRequest, msg, schedulererrors.WithCause(err))
	case strings.Contains(err.Error(), "ModelTimeoutException"):
		return schedulererrors.New(schedulererrors.CodeConnectionTimeout, msg, schedulererrors.WithCause(err))
	default:
		return schedulererrors.New(schedulererrors.CodeConnectionRefused, msg, schedulererrors.WithCause(err))
	}
}
