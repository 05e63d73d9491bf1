//go:build bedrock
// +build bedrock

package providers

import (
	"strings"
	"time"

	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/providers/bedrock"
)

// defaultBedrockRegion is used when the assembly table names the provider
// as bare "bedrock" rather than "bedrock.<region>".
const defaultBedrockRegion = "us-east-1"

func init() {
	RegisterBedrockFactory(func(provider string, timeout time.Duration, logger core.Logger) (pipeline.Backend, error) {
		region := defaultBedrockRegion
		if rest := strings.TrimPrefix(provider, "bedrock."); rest != provider {
			region = rest
		}
		return bedrock.NewClient(region, timeout, logger), nil
	})
}
