// Command assistantd wires every component of the orchestration
// engine into one process: the HTTP ingress of spec.md §6 (POST
// /message, POST /webhook/{channel}, GET /health, GET /media/{id}),
// the tool service's own HTTP mount, and the reminder dispatcher's
// background poll loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/familyledger/core/internal/analysis"
	"github.com/familyledger/core/internal/config"
	"github.com/familyledger/core/internal/contextmgr"
	"github.com/familyledger/core/internal/embedding"
	"github.com/familyledger/core/internal/experiment"
	"github.com/familyledger/core/internal/household"
	"github.com/familyledger/core/internal/llmclient"
	"github.com/familyledger/core/internal/orchestrator"
	"github.com/familyledger/core/internal/prompt"
	"github.com/familyledger/core/internal/reminder"
	"github.com/familyledger/core/internal/server"
	"github.com/familyledger/core/internal/store"
	"github.com/familyledger/core/internal/telemetry"
	"github.com/familyledger/core/internal/toolexec"
	"github.com/familyledger/core/internal/toolservice"
	"github.com/familyledger/core/internal/vectorindex"
)

// CLI mirrors the teacher's cmd/hector CLI shape (kong commands, a
// version command alongside the server command) trimmed to this
// engine's single long-running mode.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the assistant ingress, tool service, and reminder dispatcher."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println("assistantd dev")
	return nil
}

type ServeCmd struct{}

func (ServeCmd) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.InitTracing("familyledger-assistantd", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	app, err := buildApp(ctx, cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("wiring application: %w", err)
	}
	defer app.store.Close()

	poller := reminder.NewPoller(
		reminder.ToolDispatcher{Dispatch: app.tools.Dispatch},
		logOutbound{logger: logger},
		time.Duration(cfg.ReminderPollSeconds)*time.Second,
		logger,
	)
	go poller.Run(ctx)

	ingressAddr := cfg.HTTPAddr
	toolAddr := toolServiceListenAddr(cfg.ToolServiceURL)

	ingressSrv := &http.Server{Addr: ingressAddr, Handler: app.ingressRouter}
	toolSrv := &http.Server{Addr: toolAddr, Handler: app.toolRouter}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("assistantd: ingress listening", "addr", ingressAddr)
		if err := ingressSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ingress server: %w", err)
		}
	}()
	go func() {
		logger.Info("assistantd: tool service listening", "addr", toolAddr)
		if err := toolSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("tool service server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("assistantd: server error, shutting down", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = ingressSrv.Shutdown(shutdownCtx)
	_ = toolSrv.Shutdown(shutdownCtx)
	poller.Stop()

	return nil
}

// application holds every wired component main needs to start serving
// and to shut down cleanly.
type application struct {
	store         store.Store
	tools         *toolservice.Registry
	ingressRouter http.Handler
	toolRouter    http.Handler
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*application, error) {
	s, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	vecProvider, err := buildVectorIndex(cfg)
	if err != nil {
		return nil, fmt.Errorf("building vector index provider: %w", err)
	}
	s = store.NewMirroredStore(s, vecProvider, logger)

	llm, err := llmclient.New(ctx, cfg, reg)
	if err != nil {
		return nil, fmt.Errorf("building llm client: %w", err)
	}

	embeddings, err := embedding.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("building embedding provider: %w", err)
	}

	hhCache := household.NewCache(s, household.DefaultTTL)
	ctxMgr := contextmgr.NewManager(s, hhCache, embeddings)
	analysisEng := analysis.NewEngine(llm, ctxMgr)

	toolReg := toolservice.BuildRegistry(s, cfg.MCPStrictMode, cfg.MediaRoot, "/media")
	toolExec, err := toolexec.NewExecutor(toolReg, embeddings, toolexec.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("building tool executor: %w", err)
	}

	experiments := experiment.NewManager()
	experiments.Register(experiment.Definition{
		ID: orchestrator.PromptVariantExperimentID,
		Bands: []experiment.Band{
			{Variant: "default", Start: 0, End: 80},
			{Variant: "concise", Start: 80, End: 100},
		},
	})

	catalog, err := prompt.LoadCatalog(cfg.PromptCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading prompt catalog: %w", err)
	}
	assembler := prompt.NewAssembler(catalog, 30*time.Second)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.MessageDeadline = cfg.MessageDeadline
	orchCfg.FamilySharedUserIDs = cfg.FamilySharedUserIDs
	orch := orchestrator.New(llm, analysisEng, ctxMgr, toolExec, toolReg, assembler, experiments, s, logger, orchCfg)

	var jwtValidator *server.JWTValidator
	if cfg.JWTSecret != "" {
		jwtValidator = server.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	}

	srv := server.New(server.Config{
		Orchestrator:  orch,
		Principals:    s,
		MediaRoot:     cfg.MediaRoot,
		SigningSecret: cfg.SigningSecret,
		JWTValidator:  jwtValidator,
		Health:        healthCheckers(s, cfg),
		Metrics:       server.NewHTTPMetrics(reg),
	})

	toolMetrics := toolservice.NewHTTPMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", toolservice.Router(toolReg, toolMetrics))

	return &application{
		store:         s,
		tools:         toolReg,
		ingressRouter: srv.Routes(),
		toolRouter:    mux,
	}, nil
}

// buildVectorIndex constructs the ANN mirror provider VECTOR_INDEX_PROVIDER
// selects, defaulting to vectorindex.NilProvider when unset so
// MirroredStore degrades to a transparent pass-through.
func buildVectorIndex(cfg *config.Config) (vectorindex.Provider, error) {
	vcfg := vectorindex.Config{Type: vectorindex.ProviderType(cfg.VectorIndexProvider)}
	switch vcfg.Type {
	case vectorindex.ProviderNone:
		return vectorindex.NilProvider{}, nil
	case vectorindex.ProviderChromem:
		vcfg.Chromem = &vectorindex.ChromemConfig{}
	case vectorindex.ProviderQdrant:
		vcfg.Qdrant = &vectorindex.QdrantConfig{Host: cfg.QdrantHost}
	case vectorindex.ProviderPinecone:
		vcfg.Pinecone = &vectorindex.PineconeConfig{APIKey: cfg.PineconeAPIKey}
	case vectorindex.ProviderWeaviate:
		vcfg.Weaviate = &vectorindex.WeaviateConfig{Host: cfg.WeaviateHost}
	case vectorindex.ProviderMilvus:
		vcfg.Milvus = &vectorindex.MilvusConfig{Host: cfg.MilvusHost}
	}
	return vectorindex.NewProvider(vcfg)
}

func openStore(ctx context.Context, databaseURL string) (store.Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return store.NewSQLiteStore(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return store.NewPostgresStore(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("unrecognized DATABASE_URL scheme: %q", databaseURL)
	}
}

// healthCheckers builds the db/tool_service/llm checks GET /health
// runs. The tool service has no network hop to probe (toolexec talks
// to it over a Go interface, per SPEC_FULL.md §6), so its check always
// reports ok; the LLM provider has no cheap
// ping, so its check confirms credentials are configured rather than
// spending a real request on every health poll.
func healthCheckers(s store.Store, cfg *config.Config) map[string]server.HealthChecker {
	type pinger interface {
		Ping(ctx context.Context) error
	}

	checks := map[string]server.HealthChecker{
		"tool_service": func(ctx context.Context) error { return nil },
		"llm":          func(ctx context.Context) error { return llmConfigured(cfg) },
	}
	if p, ok := s.(pinger); ok {
		checks["db"] = func(ctx context.Context) error { return p.Ping(ctx) }
	} else {
		checks["db"] = func(ctx context.Context) error { return nil }
	}
	return checks
}

func llmConfigured(cfg *config.Config) error {
	switch cfg.LLMProviderName {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY not set")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY not set")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER_NAME %q", cfg.LLMProviderName)
	}
	return nil
}

func toolServiceListenAddr(toolServiceURL string) string {
	u, err := url.Parse(toolServiceURL)
	if err != nil || u.Port() == "" {
		return ":8081"
	}
	return ":" + u.Port()
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("assistantd"),
		kong.Description("Family assistant orchestration engine"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
