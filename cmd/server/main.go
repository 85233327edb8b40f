package main

import (
	"github.com/oriel-ai/trellis/internal/server"
	"github.com/oriel-ai/trellis/internal/util"
	"github.com/oriel-ai/trellis/pkg/ai"
	oai "github.com/oriel-ai/trellis/pkg/ai/ollama"
	gai "github.com/oriel-ai/trellis/pkg/ai/openai"
	"github.com/oriel-ai/trellis/pkg/logger"
	"github.com/oriel-ai/trellis/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init(newAIClient())
}

func newAIClient() ai.GatewayClient {
	adapter := util.GetEnv("AI_ADAPTER")

	switch adapter {
	case "ollama":
		client, err := oai.NewGatewayOllamaClient(oai.NewGatewayOllamaClientParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
			ChatModel:      util.GetEnv("AI_CHAT_MODEL"),
			FormatModel:    util.GetEnv("AI_FORMAT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			EmbeddingDim: int(util.GetEnvNumeric("AI_EMBED_DIM", 1536)),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		return client
	default:
		return gai.NewGatewayOpenAIClient(gai.NewGatewayOpenAIClientParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
			ChatModel:      util.GetEnv("AI_CHAT_MODEL"),
			FormatModel:    util.GetEnv("AI_FORMAT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			EmbeddingDim: int(util.GetEnvNumeric("AI_EMBED_DIM", 1536)),
		})
	}
}
