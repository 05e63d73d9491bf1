//go:build bedrock
// +build bedrock

package bedrock

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/schedulererrors"
)

func TestCredentialFor(t *testing.T) {
	assert.Equal(t, "", credentialFor(pipeline.Target{}))
	assert.Equal(t, "prod", credentialFor(pipeline.Target{Credentials: []string{"prod"}}))
	assert.Equal(t, "b", credentialFor(pipeline.Target{Credentials: []string{"a", "b"}, CredentialIndex: 1}))
}

func TestToResponse(t *testing.T) {
	output := &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "hello"}},
			},
		},
		StopReason: types.StopReasonEndTurn,
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(5),
			OutputTokens: aws.Int32(3),
			TotalTokens:  aws.Int32(8),
		},
	}

	resp, err := toResponse(output, "anthropic.claude-3-sonnet-20240229-v1:0")
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestToResponse_NoOutput(t *testing.T) {
	_, err := toResponse(&bedrockruntime.ConverseOutput{}, "m")
	require.Error(t, err)
}

func TestClassifyBedrockError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{errors.New("operation error Bedrock Runtime: Converse, AccessDeniedException: not authorized"), schedulererrors.CodeAuthFailed},
		{errors.New("ThrottlingException: rate exceeded"), schedulererrors.CodeRateLimited},
		{errors.New("ValidationException: bad request"), schedulererrors.CodeMalformedRequest},
		{errors.New("ModelTimeoutException: timed out"), schedulererrors.CodeConnectionTimeout},
		{errors.New("some other failure"), schedulererrors.CodeConnectionRefused},
	}
	for _, tt := range tests {
		pe := classifyBedrockError(tt.err)
		assert.Equal(t, tt.code, pe.Code)
	}
}

func TestMessagePreview(t *testing.T) {
	assert.Equal(t, "", messagePreview(nil))
	assert.Equal(t, "hi", messagePreview([]pipeline.Message{{Role: "user", Content: "hi"}}))
}
