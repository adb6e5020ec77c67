package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Port             int
	Environment      string
	DatabaseURL      string
	DatabaseMaxConns int

	GCPProject        string
	GCPRegion         string
	VertexAILocation  string
	VertexAIModel     string
	EmbeddingLocation string
	EmbeddingModel    string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	FirebaseProjectID string
	FrontendURL       string
	PromptsDir        string
	DefaultPersona    string
	InternalAuthSecret string

	// Retrieval / grading
	SimilarityThreshold float64
	GraderPassThreshold float64
	RRFK                int
	RRFTitleBoost       float64
	RRFSparsePriority   float64

	// Memory store
	FactSimilarityThreshold   float64
	MemoryDuplicateThreshold  float64
	MaxUserFacts              int
	MaxInsights               int
	ConsolidationThreshold    int
	TargetInsightCount        int
	SummarizationTokens       int
	ContextWindowSize         int

	// Cache
	CacheTTLSeconds int
	CacheSimilarity float64
	GuardianCacheTTLSeconds int

	// Agent / CRAG
	UseUnifiedAgent      bool
	EnableCorrectiveRAG  bool
	DeepReasoningEnabled bool
	ContextualRAGEnabled bool
	ReactMaxIterations   int
	CRAGMaxAttempts      int
	RequestDeadlineSeconds int

	// Rate limiting
	ChatRateLimitPerMin int
	APIRateLimitPerMin  int
}

// Load reads configuration from environment variables.
// Required variables (DATABASE_URL, GOOGLE_CLOUD_PROJECT) cause an error if missing.
// Optional variables use sensible defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),

		GCPProject:        gcpProject,
		GCPRegion:         envStr("GCP_REGION", "us-east4"),
		VertexAILocation:  envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModel:     envStr("VERTEX_AI_MODEL", "gemini-3-pro-preview"),
		EmbeddingLocation: envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:    envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),

		Neo4jURI:      envStr("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:     envStr("NEO4J_USER", "neo4j"),
		Neo4jPassword: envStr("NEO4J_PASSWORD", ""),

		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		FirebaseProjectID:  envStr("FIREBASE_PROJECT_ID", ""),
		FrontendURL:        envStr("FRONTEND_URL", "http://localhost:3000"),
		PromptsDir:         envStr("PROMPTS_DIR", "./internal/service/prompts"),
		DefaultPersona:     envStr("DEFAULT_PERSONA", "persona_deck_cadet"),
		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),

		SimilarityThreshold: envFloat("SIMILARITY_THRESHOLD", 0.35),
		GraderPassThreshold: envFloat("GRADER_PASS_THRESHOLD", 6.0),
		RRFK:                envInt("RRF_K", 60),
		RRFTitleBoost:       envFloat("RRF_TITLE_BOOST", 3.0),
		RRFSparsePriority:   envFloat("RRF_SPARSE_PRIORITY", 1.5),

		FactSimilarityThreshold:  envFloat("FACT_SIMILARITY_THRESHOLD", 0.90),
		MemoryDuplicateThreshold: envFloat("MEMORY_DUPLICATE_THRESHOLD", 0.85),
		MaxUserFacts:             envInt("MAX_USER_FACTS", 50),
		MaxInsights:              envInt("MAX_INSIGHTS", 50),
		ConsolidationThreshold:   envInt("CONSOLIDATION_THRESHOLD", 40),
		TargetInsightCount:       envInt("TARGET_INSIGHT_COUNT", 30),
		SummarizationTokens:      envInt("SUMMARIZATION_TOKEN_THRESHOLD", 4000),
		ContextWindowSize:        envInt("CONTEXT_WINDOW_SIZE", 20),

		CacheTTLSeconds:         envInt("CACHE_TTL_SECONDS", 7200),
		CacheSimilarity:         envFloat("CACHE_SIMILARITY", 0.99),
		GuardianCacheTTLSeconds: envInt("GUARDIAN_CACHE_TTL_SECONDS", 3600),

		UseUnifiedAgent:        envBool("USE_UNIFIED_AGENT", true),
		EnableCorrectiveRAG:    envBool("ENABLE_CORRECTIVE_RAG", true),
		DeepReasoningEnabled:   envBool("DEEP_REASONING_ENABLED", false),
		ContextualRAGEnabled:   envBool("CONTEXTUAL_RAG_ENABLED", true),
		ReactMaxIterations:     envInt("REACT_MAX_ITERATIONS", 5),
		CRAGMaxAttempts:        envInt("CRAG_MAX_ATTEMPTS", 2),
		RequestDeadlineSeconds: envInt("REQUEST_DEADLINE_SECONDS", 90),

		ChatRateLimitPerMin: envInt("CHAT_RATE_LIMIT_PER_MIN", 30),
		APIRateLimitPerMin:  envInt("API_RATE_LIMIT_PER_MIN", 100),
	}

	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
