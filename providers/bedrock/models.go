//go:build bedrock
// +build bedrock

package bedrock

// Common AWS Bedrock model identifiers. The Converse/ConverseStream wire
// shapes themselves are the AWS SDK's own types
// (bedrockruntime/types.Message, types.ContentBlock, ...); no hand-rolled
// request/response structs are needed here.
const (
	// Anthropic Claude models
	ModelClaude3Opus   = "anthropic.claude-3-opus-20240229-v1:0"
	ModelClaude3Sonnet = "anthropic.claude-3-sonnet-20240229-v1:0"
	ModelClaude3Haiku  = "anthropic.claude-3-haiku-20240307-v1:0"
	ModelClaudeInstant = "anthropic.claude-instant-v1"
	
	// Amazon Titan models
	ModelTitanTextPremier = "amazon.titan-text-premier-v1:0"
	ModelTitanTextExpress = "amazon.titan-text-express-v1"
	ModelTitanTextLite    = "amazon.titan-text-lite-v1"
	ModelTitanEmbed       = "amazon.titan-embed-text-v1"
	
	// Meta Llama models
	ModelLlama3_70B  = "meta.llama3-70b-instruct-v1:0"
	ModelLlama3_8B   = "meta.llama3-8b-instruct-v1:0"
	ModelLlama2_70B  = "meta.llama2-70b-chat-v1"
	ModelLlama2_13B  = "meta.llama2-13b-chat-v1"
	
	// Mistral models
	ModelMistral7B    = "mistral.mistral-7b-instruct-v0:2"
	ModelMixtral8x7B  = "mistral.mixtral-8x7b-instruct-v0:1"
	
	// Cohere models
	ModelCohereCommand = "cohere.command-text-v14"
	ModelCohereEmbed   = "cohere.embed-english-v3"
)