package main

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vessel/internal/agent"
	"vessel/internal/config"
	"vessel/internal/isolation"
	"vessel/internal/llm"
	"vessel/internal/logging"
	"vessel/internal/memory"
	"vessel/internal/orchestrator"
	"vessel/internal/trace"
)

// app bundles the wired subsystems for one process.
type app struct {
	cfg        *config.Config
	store      *memory.Store
	trail      *trace.Store
	runtime    isolation.Runtime
	controller *isolation.Controller
	orch       *orchestrator.Orchestrator
}

// buildApp loads configuration and wires every subsystem. The isolation
// session is constructed but not started; commands that need a live
// environment start it themselves.
func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if backend != "" {
		cfg.Isolation.Backend = backend
	}
	if profile != "" {
		cfg.Isolation.Profile = profile
	}

	if err := logging.Initialize(cfg.Memory.DataDir); err != nil {
		logger.Warn("file logging unavailable", zap.Error(err))
	}

	store, err := memory.NewStore(cfg.Memory.DataDir, memory.StoreOptions{
		FlushInterval: cfg.Memory.FlushIntervalDuration(),
		WatchExternal: cfg.Memory.Watchexternal,
	})
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	trail, err := trace.New(cfg.Memory.TraceDB)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open audit trail: %w", err)
	}

	kind := isolation.BackendKind(cfg.Isolation.Backend)
	runtime, err := isolation.NewRuntime(kind, isolation.RuntimeOptions{
		EngineHost:     cfg.Isolation.EngineHost,
		Image:          cfg.Isolation.Image,
		SkillsDir:      cfg.Isolation.SkillsDir,
		SessionDir:     cfg.Isolation.SessionDir,
		HelperPath:     cfg.Isolation.HelperPath,
		HelperArgs:     cfg.Isolation.HelperArgs,
		CommandTimeout: cfg.Isolation.CommandTimeoutDuration(),
	})
	if err != nil {
		trail.Close()
		store.Close()
		return nil, fmt.Errorf("build isolation runtime: %w", err)
	}

	prof, err := isolation.ProfileByName(cfg.Isolation.Profile)
	if err != nil {
		trail.Close()
		store.Close()
		return nil, err
	}
	controller := isolation.NewController(runtime, kind, prof)

	llmCfg := llm.DefaultAnthropicConfig(cfg.LLM.APIKey)
	if cfg.LLM.Model != "" {
		llmCfg.Model = cfg.LLM.Model
	}
	if cfg.LLM.BaseURL != "" {
		llmCfg.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.LLM.MaxTokens > 0 {
		llmCfg.MaxTokens = cfg.LLM.MaxTokens
	}
	if d, err := time.ParseDuration(cfg.LLM.Timeout); err == nil && d > 0 {
		llmCfg.Timeout = d
	}
	for _, srv := range cfg.LLM.ToolServers {
		raw, err := json.Marshal(srv)
		if err != nil {
			return nil, fmt.Errorf("encode tool server: %w", err)
		}
		llmCfg.ToolServers = append(llmCfg.ToolServers, raw)
	}
	client := llm.NewAnthropicClient(llmCfg)

	companion := agent.NewCompanion(client, store)
	companion.Register(agent.NewCoder(runtime, cfg.Isolation.CommandTimeoutDuration()))
	companion.Register(agent.NewResearcher())
	companion.Register(agent.NewReporter(store))

	orch := orchestrator.New(client, store, runtime, companion)
	orch.SetTrail(trail)

	logging.Boot("app wired: backend=%s profile=%s model=%s", kind, prof.Name, llmCfg.Model)
	return &app{
		cfg:        cfg,
		store:      store,
		trail:      trail,
		runtime:    runtime,
		controller: controller,
		orch:       orch,
	}, nil
}

// close flushes memory and releases the trail. The isolation session is
// stopped separately so chat can decide whether to keep it warm.
func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("memory store close", zap.Error(err))
	}
	if err := a.trail.Close(); err != nil {
		logger.Warn("audit trail close", zap.Error(err))
	}
	logging.CloseAll()
}
