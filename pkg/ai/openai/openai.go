package openai

import (
	"math"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/oriel-ai/trellis/pkg/ai"
)

// GatewayOpenAIClient implements ai.GatewayClient against OpenAI-compatible
// endpoints. It manages separate clients for embeddings and chat so the two
// concerns can point at different providers.
type GatewayOpenAIClient struct {
	embeddingModel string
	chatModel      string
	formatModel    string

	chatURL      string
	chatKey      string
	embeddingURL string
	embeddingKey string

	embeddingDim int

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewGatewayOpenAIClientParams configures a GatewayOpenAIClient.
//
// ChatModel is used for free-text generation, FormatModel for structured
// output (falls back to ChatModel when empty). EmbeddingDim pins the vector
// width; shorter model output is padded, longer output truncated.
type NewGatewayOpenAIClientParams struct {
	EmbeddingModel string
	ChatModel      string
	FormatModel    string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string

	EmbeddingDim int
}

const defaultEmbeddingDim = 1536

// NewGatewayOpenAIClient creates a gateway backed by OpenAI-compatible APIs.
func NewGatewayOpenAIClient(params NewGatewayOpenAIClientParams) *GatewayOpenAIClient {
	formatModel := params.FormatModel
	if formatModel == "" {
		formatModel = params.ChatModel
	}
	dim := params.EmbeddingDim
	if dim <= 0 {
		dim = defaultEmbeddingDim
	}

	return &GatewayOpenAIClient{
		embeddingModel: params.EmbeddingModel,
		chatModel:      params.ChatModel,
		formatModel:    formatModel,

		chatURL:      params.ChatURL,
		chatKey:      params.ChatKey,
		embeddingURL: params.EmbeddingURL,
		embeddingKey: params.EmbeddingKey,

		embeddingDim: dim,

		metricsLock: sync.Mutex{},

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newOpenaiClient(baseURL string, apiKey string) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)
	return &client
}

func (c *GatewayOpenAIClient) modifyMetrics(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.InputTokens += m.InputTokens
	c.metrics.OutputTokens += m.OutputTokens
	c.metrics.TotalTokens += m.TotalTokens
	c.metrics.DurationMs += m.DurationMs

	if c.metrics.DurationMs > 0 {
		tokensPerSecond := (float64(c.metrics.TotalTokens) * 1000.0) / float64(c.metrics.DurationMs)
		c.metrics.TokenPerSecond = float32(math.Round(tokensPerSecond*100) / 100)
	}
}

// ResetMetrics clears the accumulated metrics.
func (c *GatewayOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics = ai.ModelMetrics{}
}

// GetMetrics returns a snapshot of the accumulated metrics.
func (c *GatewayOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}
