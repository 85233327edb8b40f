package ollama

import (
	"math"
	"net/http"
	"net/url"
	"sync"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/oriel-ai/trellis/pkg/ai"
)

// GatewayOllamaClient implements ai.GatewayClient against a locally-hosted
// Ollama server.
type GatewayOllamaClient struct {
	embeddingModel string
	chatModel      string
	formatModel    string

	embeddingDim int

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *api.Client
}

// NewGatewayOllamaClientParams configures a GatewayOllamaClient.
type NewGatewayOllamaClientParams struct {
	EmbeddingModel string
	ChatModel      string
	FormatModel    string

	BaseURL string
	ApiKey  string

	EmbeddingDim          int
	MaxConcurrentRequests int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

const defaultEmbeddingDim = 1024

// NewGatewayOllamaClient creates an Ollama-backed gateway. BaseURL falls
// back to the Ollama default when empty.
func NewGatewayOllamaClient(params NewGatewayOllamaClientParams) (*GatewayOllamaClient, error) {
	var (
		u   *url.URL
		err error
	)
	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: map[string]string{
				"Authorization": "Bearer " + params.ApiKey,
			},
			rt: http.DefaultTransport,
		},
	}

	formatModel := params.FormatModel
	if formatModel == "" {
		formatModel = params.ChatModel
	}
	dim := params.EmbeddingDim
	if dim <= 0 {
		dim = defaultEmbeddingDim
	}
	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &GatewayOllamaClient{
		embeddingModel: params.EmbeddingModel,
		chatModel:      params.ChatModel,
		formatModel:    formatModel,

		embeddingDim: dim,

		reqLock: semaphore.NewWeighted(maxConcurrent),

		metricsLock: sync.Mutex{},

		Client: api.NewClient(u, httpClient),
	}, nil
}

func (c *GatewayOllamaClient) modifyMetrics(m ai.ModelMetrics) {
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
func (c *GatewayOllamaClient) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics = ai.ModelMetrics{}
}

// GetMetrics returns a snapshot of the accumulated metrics.
func (c *GatewayOllamaClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}
