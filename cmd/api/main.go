package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vidaplus/clinica-ai/cmd/mainconfig"
	"github.com/vidaplus/clinica-ai/internal/api/router"
	"github.com/vidaplus/clinica-ai/internal/assistant"
	"github.com/vidaplus/clinica-ai/internal/booking"
	appconfig "github.com/vidaplus/clinica-ai/internal/config"
	"github.com/vidaplus/clinica-ai/internal/observability/metrics"
	"github.com/vidaplus/clinica-ai/internal/webchat"
	"github.com/vidaplus/clinica-ai/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinica-ai API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("database unreachable at startup", "error", err)
		}
	} else {
		logger.Warn("DATABASE_URL not set, conversation audit trail disabled")
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	bedrockClient := bedrockruntime.NewFromConfig(awsCfg)

	llm, primaryModel, geminiClient := buildLLMClient(ctx, cfg, bedrockClient, logger)
	if geminiClient != nil {
		defer func() { _ = geminiClient.Close() }()
	}

	embedder := assistant.NewBedrockEmbeddingClient(bedrockClient)

	contexts := assistant.NewContextStore(redisClient, cfg.SessionTTL, logger)
	transcripts := assistant.NewTranscriptStore(redisClient, 0, logger)
	vectors := assistant.NewVectorStore(redisClient, embedder, cfg.BedrockEmbeddingModelID, logger)
	retriever := assistant.NewRetriever(vectors, transcripts, cfg.KnowledgeThreshold, cfg.KnowledgeTopK, logger)
	limiter := assistant.NewRateLimiter(redisClient, cfg.RateLimitPerMinute, cfg.RateLimitWindow, logger)
	audit := assistant.NewConversationStore(db)

	prompts, err := assistant.NewPromptRegistry()
	if err != nil {
		logger.Error("invalid prompt registry", "error", err)
		os.Exit(1)
	}

	nlp := assistant.NewNLPPipeline(llm, primaryModel, logger)
	assistantMetrics := metrics.NewAssistantMetrics(nil)
	if fb, ok := llm.(*assistant.FallbackLLMClient); ok {
		fb.SetObserver(assistantMetrics)
	}

	service := assistant.NewAssistantService(
		llm, primaryModel, nlp, contexts, transcripts, retriever, prompts, logger,
		assistant.ServiceOptions{
			Booking:     booking.NewService(logger),
			Audit:       audit,
			Limiter:     limiter,
			Observer:    assistantMetrics,
			LLMTimeout:  cfg.LLMTimeout,
			MaxTokens:   int32(cfg.LLMMaxTokens),
			Temperature: float32(cfg.LLMTemperature),
		},
	)

	if err := vectors.Bootstrap(ctx); err != nil {
		logger.Warn("knowledge bootstrap failed, retrieval starts empty", "error", err)
	}
	contexts.StartSweeper(ctx, cfg.SessionSweepEvery)

	assistantHandler := assistant.NewHandler(service, logger)
	webchatHandler := webchat.NewHandler(service, webchat.WidgetJS, logger)

	r := router.New(&router.Config{
		Logger:             logger,
		AssistantHandler:   assistantHandler,
		WebchatHandler:     webchatHandler,
		MetricsHandler:     promhttp.Handler(),
		AuthSecret:         cfg.AuthJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // streamed turns outlive ordinary requests
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// buildLLMClient composes the completion stack: Gemini primary with Bedrock
// fallback when both are configured, either alone otherwise. Returns the
// model id requests should carry for the primary provider.
func buildLLMClient(ctx context.Context, cfg *appconfig.Config, bedrockClient *bedrockruntime.Client, logger *logging.Logger) (assistant.StreamingLLMClient, string, *assistant.GeminiLLMClient) {
	var gemini *assistant.GeminiLLMClient
	if cfg.GeminiAPIKey != "" {
		client, err := assistant.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Warn("gemini client unavailable", "error", err)
		} else {
			gemini = client
		}
	}

	var bedrock *assistant.BedrockLLMClient
	if cfg.BedrockModelID != "" {
		bedrock = assistant.NewBedrockLLMClient(bedrockClient)
	}

	switch {
	case gemini != nil && bedrock != nil:
		return assistant.NewFallbackLLMClient(gemini, bedrock, cfg.BedrockModelID, logger.Logger), cfg.GeminiModelID, gemini
	case gemini != nil:
		return gemini, cfg.GeminiModelID, gemini
	case bedrock != nil:
		logger.Info("gemini not configured, using bedrock as primary LLM")
		return bedrock, cfg.BedrockModelID, nil
	default:
		logger.Error("no LLM provider configured: set GEMINI_API_KEY or BEDROCK_MODEL_ID")
		os.Exit(1)
		return nil, "", nil
	}
}
