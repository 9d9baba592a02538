package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coscientist-ai/coscientist/pkg/agent"
	"github.com/coscientist-ai/coscientist/pkg/capability"
	"github.com/coscientist-ai/coscientist/pkg/config"
	"github.com/coscientist-ai/coscientist/pkg/gateway"
	"github.com/coscientist-ai/coscientist/pkg/health"
	"github.com/coscientist-ai/coscientist/pkg/logger"
	"github.com/coscientist-ai/coscientist/pkg/memory"
	"github.com/coscientist-ai/coscientist/pkg/observability"
	"github.com/coscientist-ai/coscientist/pkg/protocol"
	"github.com/coscientist-ai/coscientist/pkg/ratelimit"
	"github.com/coscientist-ai/coscientist/pkg/reliability"
	"github.com/coscientist-ai/coscientist/pkg/scheduler"
)

// ServeCmd runs the long-lived runtime.
type ServeCmd struct {
	Observe     bool   `help:"Enable Prometheus metrics and tracing."`
	MetricsPort int    `name:"metrics-port" help:"Port for the /metrics endpoint." default:"9090"`
	Exporter    string `help:"Trace exporter (stdout, otlp)." default:"stdout"`
	Ledger      string `help:"SQLite task ledger path (empty = in-memory)."`
}

// RunCmd executes a fixed number of research iterations and exits.
type RunCmd struct {
	Goal       string `help:"Research goal to pursue." required:""`
	Iterations int    `help:"Number of iterations to run." default:"1"`
	Hypotheses int    `help:"Hypotheses generated per iteration." default:"4"`
}

// runtime bundles everything the commands stand up.
type runtime struct {
	cfg       *config.Config
	gw        *gateway.Gateway
	processor *gateway.QueueProcessor
	monitor   *health.Monitor
	store     *memory.Store
	agents    *scheduler.Agents
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	oplog     *logger.OperationLog
}

// modelCatalog is the default capability table for the proxy's models.
var modelCatalog = map[string]capability.Capabilities{
	"gpt-4": {MaxContext: 128000, MaxOutputTokens: 16384, JSONMode: true,
		FunctionCalling: true, CostInPer1K: 0.03, CostOutPer1K: 0.06},
	"gpt-4o": {MaxContext: 128000, MaxOutputTokens: 16384, JSONMode: true,
		FunctionCalling: true, Multimodal: true, Streaming: true,
		CostInPer1K: 0.0025, CostOutPer1K: 0.01},
	"gpt-3.5-turbo": {MaxContext: 16385, MaxOutputTokens: 4096, JSONMode: true,
		Streaming: true, CostInPer1K: 0.001, CostOutPer1K: 0.002},
	"o3-mini": {MaxContext: 200000, MaxOutputTokens: 100000, JSONMode: true,
		CostInPer1K: 0.0011, CostOutPer1K: 0.0044},
}

var modelAliases = map[string]string{
	"gpt4":  "gpt-4",
	"gpt4o": "gpt-4o",
	"gpt35": "gpt-3.5-turbo",
}

// agentConfigKeys maps <AGENT>_MODEL configuration keys to agent types.
var agentConfigKeys = map[string]protocol.AgentType{
	"generation":  protocol.AgentGeneration,
	"reflection":  protocol.AgentReflection,
	"ranking":     protocol.AgentRanking,
	"evolution":   protocol.AgentEvolution,
	"proximity":   protocol.AgentProximity,
	"meta_review": protocol.AgentMetaReview,
}

func buildRuntime(cfg *config.Config, observe bool, exporter string) (*runtime, error) {
	caps := capability.NewRegistry()
	for model, c := range modelCatalog {
		if err := caps.Register(model, c); err != nil {
			return nil, fmt.Errorf("failed to register model %s: %w", model, err)
		}
	}
	for alias, model := range modelAliases {
		caps.RegisterAlias(alias, model)
	}

	providers := gateway.NewProviderRegistry()
	providers.Register(gateway.NewHTTPProvider(gateway.HTTPProviderConfig{
		Name:     "argo",
		BaseURL:  cfg.Gateway.BaseURL,
		AuthUser: cfg.Gateway.AuthUser,
		Timeout:  cfg.Gateway.RequestTimeout,
	}))

	limiter, err := ratelimit.NewTokenBucketLimiter(ratelimit.Config{
		RequestsPerMinute:  cfg.RateLimit.RequestsPerMinute,
		BurstSize:          cfg.RateLimit.BurstSize,
		TokensPerMinute:    cfg.RateLimit.TokensPerMinute,
		ConcurrentRequests: cfg.RateLimit.ConcurrentRequests,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build rate limiter: %w", err)
	}

	rt := &runtime{cfg: cfg}
	rt.oplog, err = logger.NewOperationLog(cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}

	gwOpts := []gateway.Option{gateway.WithOperationLog(rt.oplog)}
	if observe {
		rt.metrics = observability.NewMetrics()
		rt.tracer, err = observability.NewTracer(context.Background(), &observability.TracingConfig{
			Enabled:  true,
			Exporter: exporter,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		gwOpts = append(gwOpts, gateway.WithMetrics(rt.metrics), gateway.WithTracer(rt.tracer))
	}

	rt.gw = gateway.New(gateway.Config{
		Breaker: reliability.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		},
		Retry:          reliability.RetryConfig{MaxRetries: cfg.Gateway.MaxRetries},
		QueueMaxSize:   cfg.Gateway.QueueMaxSize,
		QueueMaxWait:   cfg.Gateway.QueueMaxWait,
		FallbackModels: []string{caps.Resolve(cfg.DefaultModel), "gpt-3.5-turbo"},
	}, providers, caps, limiter, gwOpts...)

	sel := rt.gw.Selector()
	sel.SetDefaultModel(caps.Resolve(cfg.DefaultModel))
	if m, ok := cfg.AgentModels["supervisor"]; ok {
		sel.SetDefaultModel(caps.Resolve(m))
	}
	for key, agentType := range agentConfigKeys {
		if m, ok := cfg.AgentModels[key]; ok {
			sel.SetRoutingRule(agentType, caps.Resolve(m))
		}
	}

	rt.store, err = memory.New(memory.Config{
		RootDir:       cfg.Memory.RootDir,
		RetentionDays: cfg.Memory.RetentionDays,
		MaxStorageGB:  cfg.Memory.MaxStorageGB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open context memory: %w", err)
	}

	safety, err := agent.NewSafetyLogger(filepath.Join(cfg.LogDir, "safety.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open safety log: %w", err)
	}
	rt.agents = scheduler.NewAgents(rt.gw, rt.store, agent.WithSafetyLogger(safety))

	rt.processor = gateway.NewQueueProcessor(rt.gw, 5*time.Second)
	rt.monitor = health.NewMonitor(rt.gw, sel, rt.gw.Breakers(), cfg.Health.Interval,
		health.WithStatusChangeCallback(func(old, new health.Status) {
			slog.Info("health status changed", "from", string(old), "to", string(new))
		}))

	return rt, nil
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg, c.Observe, c.Exporter)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	var ledger scheduler.Ledger = scheduler.NewMemoryLedger()
	if c.Ledger != "" {
		sqlLedger, err := scheduler.NewSQLLedger(c.Ledger)
		if err != nil {
			return err
		}
		defer sqlLedger.Close()
		ledger = sqlLedger
	}

	var schedOpts []scheduler.Option
	if rt.metrics != nil {
		schedOpts = append(schedOpts, scheduler.WithMetrics(rt.metrics))
	}
	sched := scheduler.New(scheduler.Config{}, ledger, schedOpts...)
	registerAgentHandlers(sched, rt)

	rt.processor.Start(ctx)
	defer rt.processor.Stop()
	rt.monitor.Start(ctx)
	defer rt.monitor.Stop()
	sched.Start()

	var metricsServer *http.Server
	if rt.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.metrics.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", c.MetricsPort), Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		slog.Info("metrics exposed", "port", c.MetricsPort)
	}

	slog.Info("runtime started",
		"base_url", cfg.Gateway.BaseURL,
		"default_model", cfg.DefaultModel,
		"memory_root", cfg.Memory.RootDir)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler shutdown incomplete", "error", err)
	}
	if err := rt.tracer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("tracer shutdown incomplete", "error", err)
	}
	return nil
}

// registerAgentHandlers binds each agent family to a scheduler handler
// so externally submitted tasks reach the right agent.
func registerAgentHandlers(sched *scheduler.Scheduler, rt *runtime) {
	sched.RegisterHandler(protocol.AgentGeneration, func(ctx context.Context, task *scheduler.Task) (map[string]any, error) {
		method, _ := task.Params["method"].(string)
		if method == "" {
			method = rt.agents.Generation.BestMethod()
		}
		h, err := rt.agents.Generation.Generate(ctx, task.Goal, method)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hypothesis_id": h.ID, "content": h.Content, "method": h.Method}, nil
	})
	sched.RegisterHandler(protocol.AgentReflection, func(ctx context.Context, task *scheduler.Task) (map[string]any, error) {
		content, _ := task.Params["content"].(string)
		ev, check, err := rt.agents.Reflection.Review(ctx, &agent.Hypothesis{ID: task.ID, Content: content})
		if err != nil {
			return nil, err
		}
		return map[string]any{"score": ev.Score, "safe": check.Safe}, nil
	})
	sched.RegisterHandler(protocol.AgentMetaReview, func(ctx context.Context, task *scheduler.Task) (map[string]any, error) {
		artifacts, _ := task.Params["artifacts"].([]string)
		patterns, err := rt.agents.MetaReview.Synthesize(ctx, artifacts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"patterns": patterns.Patterns}, nil
	})
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg, false, "")
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt.processor.Start(ctx)
	defer rt.processor.Stop()

	pipeline := scheduler.NewPipeline(rt.agents, rt.store, scheduler.PipelineConfig{
		HypothesesPerIteration: c.Hypotheses,
	})

	for i := 0; i < c.Iterations; i++ {
		start := time.Now()
		result, err := pipeline.RunIteration(ctx, c.Goal)
		if err != nil {
			return fmt.Errorf("iteration %d failed: %w", i+1, err)
		}
		_ = rt.oplog.Record(logger.OperationRecord{
			RequestID: fmt.Sprintf("iteration-%d", result.Iteration),
			Client:    "pipeline",
			Function:  "run_iteration",
			Duration:  time.Since(start),
			Success:   true,
			Fields: map[string]any{
				"ranked":  len(result.Ranked),
				"evolved": len(result.Evolved),
			},
		})

		fmt.Printf("iteration %d: %d ranked, %d evolved, %d rejected, %d duplicates\n",
			result.Iteration, len(result.Ranked), len(result.Evolved),
			result.Rejected, result.Duplicates)
		for rank, h := range result.Ranked {
			fmt.Printf("  %d. %s\n", rank+1, h.Content)
		}
		if result.Patterns != nil {
			for _, p := range result.Patterns.Patterns {
				fmt.Printf("  pattern: %s\n", p)
			}
		}
	}
	return nil
}
