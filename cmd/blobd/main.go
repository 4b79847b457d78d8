package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentblob/agentblob/internal/adapters/telegram"
	"github.com/agentblob/agentblob/internal/config"
	"github.com/agentblob/agentblob/internal/eventlog"
	"github.com/agentblob/agentblob/internal/gateway"
	"github.com/agentblob/agentblob/internal/llm"
	"github.com/agentblob/agentblob/internal/memory"
	"github.com/agentblob/agentblob/internal/permission"
	"github.com/agentblob/agentblob/internal/policy"
	"github.com/agentblob/agentblob/internal/runs"
	"github.com/agentblob/agentblob/internal/scheduler"
	"github.com/agentblob/agentblob/internal/skills"
	"github.com/agentblob/agentblob/internal/supervisor"
	"github.com/agentblob/agentblob/internal/tools"
	"github.com/agentblob/agentblob/internal/worker"
)

const version = "2.0.0"

func main() {
	configPath := flag.String("config", "agent_blob.yaml", "path to the configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Supervisor.Debug),
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	eventsCfg := cfg.Log("events")
	eventLog, err := eventlog.Open(filepath.Join(cfg.Data.Dir, "events"), eventlog.Options{
		MaxBytes:     eventsCfg.MaxBytes,
		KeepDays:     eventsCfg.KeepDays,
		KeepMaxFiles: eventsCfg.KeepMaxFiles,
	})
	if err != nil {
		log.Fatalf("open event log: %v", err)
	}
	defer eventLog.Close()

	memCfg := cfg.Log("memory_events")
	memoryAudit, err := eventlog.Open(filepath.Join(cfg.MemoryDir(), "audit"), eventlog.Options{
		MaxBytes:     memCfg.MaxBytes,
		KeepDays:     memCfg.KeepDays,
		KeepMaxFiles: memCfg.KeepMaxFiles,
	})
	if err != nil {
		log.Fatalf("open memory audit log: %v", err)
	}
	defer memoryAudit.Close()

	db, err := memory.OpenDB(filepath.Join(cfg.MemoryDir(), "agent_blob.db"))
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var provider llm.Provider
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		anthropicProvider, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       key,
			DefaultModel: cfg.LLM.Model,
			MaxTokens:    cfg.LLM.MaxTokens,
		})
		if err != nil {
			log.Fatalf("create llm provider: %v", err)
		}
		provider = anthropicProvider
	} else {
		logger.Warn("ANTHROPIC_API_KEY not set; LLM-backed runs will fail")
	}

	var embedder llm.Embedder
	if cfg.Memory.Embeddings.Enabled {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			openaiEmbedder, err := llm.NewOpenAIEmbedder(llm.OpenAIEmbedderConfig{
				APIKey: key,
				Model:  cfg.Memory.Embeddings.Model,
			})
			if err != nil {
				log.Fatalf("create embedder: %v", err)
			}
			embedder = openaiEmbedder
		} else {
			logger.Warn("OPENAI_API_KEY not set; memory runs on lexical recall only")
		}
	}

	memService := &memory.Service{
		Store: memory.NewStore(db, memory.Config{
			ImportanceMin:       float64(cfg.Memory.ImportanceMin) / 10,
			CandidateLimit:      50,
			VectorScanLimit:     cfg.Memory.Embeddings.VectorScanLimit,
			VectorTopK:          cfg.Memory.Embeddings.VectorTopK,
			SimilarityThreshold: 0.92,
			NeighbourLimit:      5,
			Alpha:               0.6,
			Beta:                0.2,
			EmbedBatch:          cfg.Memory.Embeddings.BatchSize,
		}, memoryAudit),
		Pinned:   memory.NewPinnedSet(filepath.Join(cfg.MemoryDir(), "pinned.json")),
		Embedder: embedder,
		Limits: memory.RetrievalLimits{
			RecentTurns:  cfg.Memory.Retrieval.RecentTurnsLimit,
			RelatedTurns: cfg.Memory.Retrieval.RelatedTurnsLimit,
			Structured:   cfg.Memory.Retrieval.StructuredLimit,
		},
		Logger: logger.With("component", "memory"),
	}
	if provider != nil {
		memService.Extractor = &memory.Extractor{
			Provider:      provider,
			Model:         cfg.LLM.ExtractionModel,
			ImportanceMin: float64(cfg.Memory.ImportanceMin) / 10,
		}
	}

	runStore, err := runs.NewStore(db)
	if err != nil {
		log.Fatalf("open run store: %v", err)
	}

	broker := permission.NewBroker(
		policy.New(cfg.Permissions.Allow, cfg.Permissions.Ask, cfg.Permissions.Deny),
		cfg.Permissions.MaxAge(),
	)

	scheduleStore, err := scheduler.OpenStore(filepath.Join(cfg.Data.Dir, "schedules.json"), cfg.Scheduler.Timezone)
	if err != nil {
		log.Fatalf("open schedules: %v", err)
	}

	registry := tools.NewRegistry()
	for _, def := range tools.FilesystemTools(cfg.Tools.AllowedFSRoot) {
		registry.Register(def)
	}
	registry.Register(tools.ShellTool(cfg.Tools.ShellTimeout()))
	registry.Register(tools.WebFetchTool(nil))
	for _, def := range tools.MemoryTools(memService) {
		registry.Register(def)
	}
	registry.Register(tools.Definition{
		Name:        "delegate",
		Capability:  "workers.run",
		Description: "Delegate a task to a specialized sub-agent (worker) and return its result",
		InputSchema: runs.DelegateSchema(),
	})

	executor := &runs.Executor{
		Provider:    provider,
		Registry:    registry,
		Broker:      broker,
		Memory:      memService,
		Log:         eventLog,
		Store:       runStore,
		Logger:      logger.With("component", "executor"),
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		ToolTimeout: cfg.Tools.ShellTimeout(),
		TurnTimeout: cfg.LLM.TurnTimeout(),
		Introspect: &runs.StatusIntrospector{
			Runs:      runStore,
			Schedules: scheduleStore,
		},
		ExtraInstructions: cfg.Prompts.ExtraInstructions,
	}
	if cfg.Skills.Enabled {
		executor.SkillsPrompt = func() string {
			return skills.Prompt(cfg.Skills.Dirs, cfg.Skills.MaxChars)
		}
	}

	gw := &gateway.Server{
		Cfg:        cfg,
		ConfigPath: *configPath,
		Exec:       executor,
		RunStore:   runStore,
		Broker:     broker,
		Memory:     memService,
		Schedules:  scheduleStore,
		Log:        eventLog,
		Logger:     logger.With("component", "gateway"),
		Version:    version,
		StartedAt:  time.Now(),
	}
	workers := worker.NewManager(cfg.Workers.MaxDepth, cfg.Workers.Keep, gw.StartWorker)
	gw.Workers = workers
	executor.Workers = workers
	executor.Emit = gw.Emit

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	gw.Start(rootCtx)

	sched := scheduler.New(scheduleStore, gw, logger)
	go func() {
		if err := sched.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	sup := &supervisor.Supervisor{
		Memory:   memService,
		RunStore: runStore,
		Exec:     executor,
		Broker:   broker,
		Logs:     []*eventlog.Log{eventLog, memoryAudit},
		Cfg:      cfg,
		Logger:   logger.With("component", "supervisor"),
	}
	go func() {
		if err := sup.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error("supervisor stopped", "error", err)
		}
	}()

	if cfg.Frontends.Adapters.Telegram.Enabled {
		adapter := telegram.New(gw, cfg.Frontends.Adapters.Telegram,
			filepath.Join(cfg.Data.Dir, "telegram_cursor.json"), logger)
		go func() {
			if err := adapter.Run(rootCtx, os.Getenv("TELEGRAM_BOT_TOKEN")); err != nil && rootCtx.Err() == nil {
				logger.Error("telegram adapter stopped", "error", err)
			}
		}()
	}

	listener, err := net.Listen("tcp", cfg.Gateway.Addr())
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	httpServer := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("blobd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	rootCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	_ = httpServer.Close()
}

func logLevel(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
