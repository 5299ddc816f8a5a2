// Command agents-runtime serves one agent over the A2A protocol.
//
// Usage:
//
//	agents-runtime serve --config config.yaml
//	agents-runtime card --config config.yaml
//	agents-runtime version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/inkeep/agents-runtime/pkg/a2a"
	"github.com/inkeep/agents-runtime/pkg/agent"
	"github.com/inkeep/agents-runtime/pkg/auth"
	"github.com/inkeep/agents-runtime/pkg/config"
	"github.com/inkeep/agents-runtime/pkg/contextcfg"
	"github.com/inkeep/agents-runtime/pkg/credential"
	"github.com/inkeep/agents-runtime/pkg/logger"
	"github.com/inkeep/agents-runtime/pkg/model/registry"
	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/task"
	"github.com/inkeep/agents-runtime/pkg/tool/functiontool"
	"github.com/inkeep/agents-runtime/pkg/tool/mcptoolset"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the A2A server."`
	Card    CardCmd    `cmd:"" help:"Print the agent card."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (text, json, verbose)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("agents-runtime version %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "dev"
}

// CardCmd prints the agent card as JSON.
type CardCmd struct{}

func (c *CardCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(agentCard(cfg), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ServeCmd starts the A2A server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}

	level, _ := logger.ParseLevel(cfg.Logging.Level)
	logger.Init(level, os.Stderr, cfg.Logging.Format)

	repo, closeRepo, err := buildRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	scope := store.Scope{
		TenantID:  cfg.Scope.TenantID,
		ProjectID: cfg.Scope.ProjectID,
		AgentID:   cfg.Scope.AgentID,
	}

	models := registry.New()
	defer models.Close()

	creds := credential.NewResolver(repo, credential.NewMemoryStore())
	contexts := contextcfg.NewResolver(repo, creds)

	var signer *auth.Signer
	var verifier a2a.TokenVerifier
	if cfg.Auth.Secret != "" {
		signer = auth.NewSigner([]byte(cfg.Auth.Secret))
		sv := signer
		verifier = a2a.VerifierFunc(func(token string) error {
			_, err := sv.Verify(token)
			return err
		})
	} else {
		slog.Warn("auth.secret not set, delegation tokens are disabled")
	}

	pool := mcptoolset.NewPool()
	defer pool.Close()

	var executor functiontool.Executor
	if cfg.Sandbox.Provider == "docker" {
		executor, err = functiontool.NewDockerExecutor()
		if err != nil {
			return fmt.Errorf("docker sandbox: %w", err)
		}
	} else {
		executor = functiontool.NewNativeExecutor()
	}

	engine := agent.NewEngine(agent.EngineConfig{
		Repo:         repo,
		Models:       models,
		Contexts:     contexts,
		Creds:        creds,
		Signer:       signer,
		Pool:         pool,
		Functions:    executor,
		LocalBaseURL: cfg.Server.LocalBaseURL(),
	})

	server := a2a.NewServer(a2a.ServerConfig{
		Scope:      scope,
		Dispatcher: task.NewHandler(repo, engine),
		Card:       agentCard(cfg),
		Repo:       repo,
		Verifier:   verifier,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving A2A", "addr", cfg.Server.Addr(), "agent_id", scope.AgentID)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}

// buildRepository selects the store backend and wraps it with history
// compression.
func buildRepository(ctx context.Context, cfg *config.Config) (store.Repository, func(), error) {
	var repo store.Repository
	closer := func() {}

	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		repo = pg
		closer = pg.Close
	default:
		repo = store.NewMemoryStore()
	}

	repo = store.NewCompressor(repo, store.CompressionFromEnv(), nil, slog.Default())
	return repo, closer, nil
}

func agentCard(cfg *config.Config) a2a.AgentCard {
	return a2a.AgentCard{
		Name:               cfg.Card.Name,
		Description:        cfg.Card.Description,
		URL:                cfg.Server.LocalBaseURL(),
		Version:            cfg.Card.Version,
		Capabilities:       a2a.AgentCapabilities{Streaming: true},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain", "application/json"},
	}
}

func main() {
	// A .env file is optional; environment already set wins.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("agents-runtime"),
		kong.Description("Multi-agent A2A runtime server."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
