// researchd is the durable research workflow service: an admission gateway,
// a worker pool driving sessions through the AI-assisted pipeline, and the
// audit, health, and live-streaming surfaces around them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"researchd/pkg/config"
	"researchd/pkg/dispatch"
	"researchd/pkg/eventbus"
	"researchd/pkg/gateway"
	"researchd/pkg/health"
	"researchd/pkg/logx"
	"researchd/pkg/metrics"
	"researchd/pkg/pipeline"
	"researchd/pkg/provider"
	"researchd/pkg/provider/anthropic"
	"researchd/pkg/provider/gemini"
	"researchd/pkg/provider/ollama"
	"researchd/pkg/provider/openai"
	"researchd/pkg/store"
	"researchd/pkg/toolclient"
)

const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "researchd.yaml", "path to config file")
	artifactDir := flag.String("artifacts", "artifacts", "directory for persisted reports")
	promptAdminPass := flag.Bool("set-admin-password", false, "prompt for an admin password and print its bcrypt hash")
	flag.Parse()

	if *promptAdminPass {
		if err := printAdminHash(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath, *artifactDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// printAdminHash reads a password without echo when stdin is a TTY and
// prints the bcrypt hash to paste into the config file.
func printAdminHash() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal; refusing to read a password")
	}
	fmt.Fprint(os.Stderr, "admin password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) == 0 {
		return fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

func run(configPath, artifactDir string) error {
	// Secrets land in the environment before ${VAR} config expansion runs.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	journal, err := eventbus.NewJournal(cfg.JournalDir)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()
	bus := eventbus.NewBus(journal)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	tool := toolclient.New(cfg.Tool.Endpoint,
		toolclient.WithTimeout(cfg.ToolTimeout()),
		toolclient.WithCacheSize(cfg.Tool.CacheSize))

	defaultProvider := cfg.Pipeline.DefaultProvider
	if defaultProvider == "" {
		for name := range cfg.Providers {
			defaultProvider = name
			break
		}
	}
	primary, err := registry.Get(defaultProvider)
	if err != nil {
		return err
	}

	orch := pipeline.New(pipeline.Config{
		Store:           st,
		Bus:             bus,
		Registry:        registry,
		DefaultProvider: defaultProvider,
		Tool:            tool,
		ArtifactDir:     artifactDir,
		MaxAttempts:     cfg.Pipeline.MaxStageAttempts,
		BackoffInitial:  cfg.BackoffInitial(),
		BackoffFactor:   cfg.Pipeline.BackoffFactor,
	})

	dispatcher := dispatch.New(cfg.Pipeline.Workers, cfg.Pipeline.QueueDepth,
		func(ctx context.Context, msg dispatch.Msg) error {
			return orch.Handle(ctx, msg.SessionID)
		})

	probes := []health.Probe{
		health.StoreProbe(st),
		health.AIProbe(primary),
		health.SearchProbe(tool),
	}
	if cfg.Health.SandboxURL != "" {
		probes = append(probes, health.SandboxProbe(cfg.Health.SandboxURL, nil))
	}
	aggregator := health.New(st, probes, health.WithProbeTimeout(cfg.ProbeTimeout()))

	var querier gateway.MetricsQuerier
	if cfg.Metrics.PrometheusURL != "" {
		qs, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return err
		}
		querier = qs
	}

	server := gateway.New(gateway.Config{
		ListenAddr:    cfg.ListenAddr,
		Store:         st,
		Bus:           bus,
		Queue:         dispatcher,
		Health:        aggregator,
		Metrics:       querier,
		AdminPassHash: cfg.Admin.PasswordHash,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	if cfg.Health.Schedule == "nightly" {
		go aggregator.RunNightly(ctx)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()
	logger.Info("researchd ready (providers: %v, default: %s)", registry.Names(), defaultProvider)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown: %v", err)
	}
	dispatcher.Stop()
	logger.Info("shutdown complete")
	return nil
}

// buildRegistry constructs every configured provider variant.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for name, p := range cfg.Providers {
		var (
			client provider.Client
			err    error
		)
		switch p.Kind {
		case config.ProviderKindAnthropic:
			client = anthropic.New(p.APIKey, p.Model)
		case config.ProviderKindOpenAI:
			client = openai.New(p.APIKey, p.Model)
		case config.ProviderKindOllama:
			client = ollama.New(p.Host, p.Model)
		case config.ProviderKindGemini:
			client, err = gemini.New(context.Background(), p.APIKey, p.Model)
		default:
			err = fmt.Errorf("unknown provider kind %q", p.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		registry.Register(name, client)
	}
	return registry, nil
}
