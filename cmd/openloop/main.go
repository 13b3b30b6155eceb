// Command openloop runs the autonomous agent runtime.
//
// Usage:
//
//	openloop serve --config config.yaml
//	openloop validate --config config.yaml
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openloop-ai/openloop/pkg/agent"
	"github.com/openloop-ai/openloop/pkg/config"
	"github.com/openloop-ai/openloop/pkg/embedder"
	"github.com/openloop-ai/openloop/pkg/keys"
	"github.com/openloop-ai/openloop/pkg/llm"
	"github.com/openloop-ai/openloop/pkg/logger"
	"github.com/openloop-ai/openloop/pkg/memory"
	"github.com/openloop-ai/openloop/pkg/server"
	"github.com/openloop-ai/openloop/pkg/tools"
	"github.com/openloop-ai/openloop/pkg/vector"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the agent runtime server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config   string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:""`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(*CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("openloop version %s\n", version)
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("configuration %s is valid\n", cli.Config)
	return nil
}

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	logger.Init(os.Stderr, logger.ParseLevel(level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	keyStore := keys.NewSQLStore(db, cfg.Database.Driver)
	toolStore := tools.NewSQLStore(db, cfg.Database.Driver)
	sessions := agent.NewSQLSessionStore(db, cfg.Database.Driver)
	for _, init := range []func(context.Context) error{
		keyStore.InitSchema, toolStore.InitSchema, sessions.InitSchema,
	} {
		if err := init(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	var vstore vector.Store
	if cfg.Milvus.Enabled {
		milvus, err := vector.NewMilvus(ctx, cfg.Milvus.Address())
		if err != nil {
			return fmt.Errorf("connect milvus at %s: %w", cfg.Milvus.Address(), err)
		}
		defer milvus.Close()
		vstore = milvus
	} else {
		logger.Warn("milvus disabled, long-term memory and tool retrieval are off")
	}

	resolver := keys.NewResolver(keyStore)
	router := llm.NewRouter(cfg.LLM)

	systemEmbedder := embedder.New(embedder.FromSystem(cfg.Embedding))
	mem := memory.NewService(vstore, systemEmbedder, systemMemoryCollection(cfg), resolver,
		memory.WithMinScore(cfg.Agent.RecallMinScore))

	registry := tools.NewRegistry(toolStore)
	index := tools.NewIndex(vstore, registry, resolver)
	executor := tools.NewExecutor(registry, mem,
		tools.WithStorePrefixLen(cfg.Agent.StoreMemoryPrefixLen))

	contexts := agent.NewContextStore(sessions, cfg.Agent.MaxContextMessages)
	broker := agent.NewBroker()
	loop := agent.NewLoop(sessions, contexts, broker, router, resolver,
		registry, index, executor, mem, cfg.Agent)
	manager := agent.NewManager(sessions, contexts, loop)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, manager, broker)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// systemMemoryCollection picks the collection for system-default memories:
// the configured Milvus collection, or the name derived from the system
// embedding model when the config leaves it blank.
func systemMemoryCollection(cfg *config.Config) string {
	if cfg.Milvus.CollectionName != "" {
		return cfg.Milvus.CollectionName
	}
	return vector.MemoryCollectionName(cfg.Embedding.Model, cfg.Embedding.Dimensions)
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("openloop"),
		kong.Description("openloop - autonomous agent runtime"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
