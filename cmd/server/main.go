package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oceanic-labs/mariner-core/internal/cache"
	"github.com/oceanic-labs/mariner-core/internal/config"
	"github.com/oceanic-labs/mariner-core/internal/gcpclient"
	"github.com/oceanic-labs/mariner-core/internal/handler"
	"github.com/oceanic-labs/mariner-core/internal/middleware"
	"github.com/oceanic-labs/mariner-core/internal/repository"
	"github.com/oceanic-labs/mariner-core/internal/router"
	"github.com/oceanic-labs/mariner-core/internal/scheduler"
	"github.com/oceanic-labs/mariner-core/internal/service"
	"github.com/oceanic-labs/mariner-core/internal/tools"
)

const Version = "0.2.0"

// noFirebaseClient rejects every token, used when FIREBASE_PROJECT_ID is
// unset so AuthService still has something to call (internal-auth requests
// bypass it entirely via middleware.InternalOrFirebaseAuth).
type noFirebaseClient struct{}

func (noFirebaseClient) VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error) {
	return nil, fmt.Errorf("main: firebase auth is not configured")
}

// wireRouter constructs the full dependency graph — repositories, services,
// the CRAG/ReAct/Supervisor agent paths, and the scheduler — and returns them
// as router.Dependencies. Failing to open the Postgres pool, the embedding or
// generative adapters, or the Firebase client is fatal at startup; an
// unreachable Neo4j or Redis, a prompt-loader failure, or an unavailable
// audit service is logged and that part runs degraded.
func wireRouter(ctx context.Context, cfg *config.Config) (*router.Dependencies, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, closeAll, fmt.Errorf("main: database pool: %w", err)
	}
	closers = append(closers, func() { pool.Close() })

	neo4jDriver, err := repository.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		slog.Warn("main: neo4j unavailable, entity lookups will degrade to empty", "error", err)
	} else {
		closers = append(closers, func() { neo4jDriver.Close(ctx) })
	}

	embeddingAdapter, err := gcpclient.NewEmbeddingAdapter(ctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel)
	if err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("main: embedding adapter: %w", err)
	}

	genAIAdapter, err := gcpclient.NewGenAIAdapter(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModel)
	if err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("main: generative adapter: %w", err)
	}
	closers = append(closers, func() { genAIAdapter.Close() })

	promptLoader, err := service.NewPromptLoader(cfg.PromptsDir)
	if err != nil {
		slog.Warn("main: prompt loader failed, generator falls back to built-in defaults", "error", err)
		promptLoader = nil
	}

	// Retrieval.
	chunkRepo := repository.NewChunkRepo(pool)
	bm25Repo := repository.NewBM25Repository(pool)
	embedderSvc := service.NewEmbedderService(embeddingAdapter)
	retriever := service.NewRetrieverService(embeddingAdapter, chunkRepo, bm25Repo)

	grader := service.NewGraderService(genAIAdapter, cfg.GraderPassThreshold)
	rewriter := service.NewRewriterService(genAIAdapter)
	generator := service.NewGeneratorService(genAIAdapter, cfg.VertexAIModel)
	if promptLoader != nil {
		generator.SetPromptLoader(promptLoader)
	}
	verifier := service.NewVerifierService()
	semanticCache := cache.NewSemanticCache(10000, time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheSimilarity)
	closers = append(closers, semanticCache.Stop)

	cragSvc := service.NewCRAGService(retriever, grader, rewriter, generator, verifier, semanticCache, cfg.CRAGMaxAttempts)

	// Entities (knowledge graph enrichment — degrades to empty without Neo4j).
	var entitySvc *service.EntityService
	if neo4jDriver != nil {
		entitySvc = service.NewEntityService(repository.NewEntityRepo(neo4jDriver))
	} else {
		entitySvc = service.NewEntityService(nil)
	}

	// Memory (facts/insights/summaries).
	factRepo := repository.NewFactRepo(pool)
	insightRepo := repository.NewInsightRepo(pool)
	summaryRepo := repository.NewSummaryRepo(pool)
	memorySvc := service.NewMemoryService(factRepo, insightRepo, summaryRepo, embedderSvc, nil)

	// Guardian safety gate, backed by Redis with an in-memory fallback.
	var guardianCache service.GuardianCache
	redisCache, err := cache.NewGuardianRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Warn("main: redis unavailable, guardian cache falls back to in-memory", "error", err)
		guardianCache = cache.NewGuardianMemoryCache()
	} else {
		guardianCache = redisCache
	}
	guardianSvc := service.NewGuardianService(genAIAdapter, guardianCache)

	// Sessions, ephemeral state, durable history.
	sessionRepo := repository.NewSessionRepo(pool)
	sessionSvc := service.NewSessionService(sessionRepo)
	sessionStates := service.NewSessionStateStore()
	messageRepo := repository.NewMessageRepo(pool)
	historySvc := service.NewHistoryService(messageRepo)

	// Content-gap triage surface.
	contentGapRepo := repository.NewContentGapRepo(pool)
	contentGapSvc := service.NewContentGapService(contentGapRepo)

	// Usage/token-budget accounting (SPEC_FULL.md §2.C).
	usageSvc := service.NewUsageService(repository.NewUsageRepo(pool))

	// Audit trail (SPEC_FULL.md §2.C). BigQuery WORM archival is left
	// disabled (nil writer) until a service account/dataset is provisioned;
	// the PostgreSQL hash chain alone still satisfies the audit contract.
	var auditSvc service.AuditLogger
	if as, aerr := service.NewAuditService(repository.NewAuditRepo(pool), nil); aerr != nil {
		slog.Warn("main: audit service unavailable, safety-relevant actions will not be logged", "error", aerr)
	} else {
		auditSvc = as
	}

	// Tool-calling catalog shared by both agent paths.
	executor := tools.NewToolExecutor()
	tools.RegisterCatalog(executor, retriever, memorySvc, entitySvc, sessionStates)
	reactSvc := service.NewReactService(executor, genAIAdapter, cfg.ReactMaxIterations)
	supervisorSvc := service.NewSupervisorService(cragSvc, memorySvc, genAIAdapter)

	sched := scheduler.New(4)
	closers = append(closers, func() { sched.Shutdown(context.Background()) })

	deadline := time.Duration(cfg.RequestDeadlineSeconds) * time.Second

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	chatDeps := handler.ChatDeps{
		Sessions:        sessionSvc,
		SessionStates:   sessionStates,
		Guardian:        guardianSvc,
		CRAG:            cragSvc,
		React:           reactSvc,
		Supervisor:      supervisorSvc,
		Memory:          memorySvc,
		History:         historySvc,
		ContentGap:      contentGapSvc,
		Usage:           usageSvc,
		Audit:           auditSvc,
		Metrics:         metrics,
		Scheduler:       sched,
		UseUnifiedAgent: cfg.UseUnifiedAgent,
		RequestDeadline: deadline,
	}

	// Firebase-backed auth for LMS-issued ID tokens.
	var authSvc *service.AuthService
	if cfg.FirebaseProjectID != "" {
		app, ferr := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirebaseProjectID})
		if ferr != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("main: firebase app: %w", ferr)
		}
		firebaseAuth, ferr := app.Auth(ctx)
		if ferr != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("main: firebase auth client: %w", ferr)
		}
		authSvc = service.NewAuthService(firebaseAuth)
	} else {
		slog.Warn("main: FIREBASE_PROJECT_ID unset, only internal-auth requests will be accepted")
		authSvc = service.NewAuthService(noFirebaseClient{})
	}

	chatLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests: cfg.ChatRateLimitPerMin,
		Window:      time.Minute,
	})
	generalLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests: cfg.APIRateLimitPerMin,
		Window:      time.Minute,
	})
	closers = append(closers, chatLimiter.Stop, generalLimiter.Stop)

	deps := &router.Dependencies{
		DB:                 pool,
		AuthService:        authSvc,
		FrontendURL:        cfg.FrontendURL,
		Version:            Version,
		Metrics:            metrics,
		MetricsReg:         reg,
		InternalAuthSecret: cfg.InternalAuthSecret,
		ChatDeps:           chatDeps,
		ContentGapDeps:     handler.ContentGapDeps{Svc: contentGapSvc},
		GeneralRateLimiter: generalLimiter,
		ChatRateLimiter:    chatLimiter,
	}

	return deps, closeAll, nil
}

func getPort(cfg *config.Config) string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	if cfg.Port != 0 {
		return fmt.Sprintf("%d", cfg.Port)
	}
	return "8080"
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	deps, closeDeps, err := wireRouter(ctx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer closeDeps()

	port := getPort(cfg)
	r := router.New(deps)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
		// No WriteTimeout: /api/v1/chat streams SSE for the life of the
		// request; per-request deadlines are enforced inside the handler
		// via Config.RequestDeadlineSeconds instead.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("mariner-core v%s starting on port %s", Version, port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down gracefully", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	log.Println("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
