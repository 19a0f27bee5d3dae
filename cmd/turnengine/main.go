// Command turnengine runs the Agent Turn Engine behind a minimal line
// REPL: plain input submits a turn (or steers one in flight), and the
// event queue is drained at frame cadence and printed. The real terminal
// renderer lives above this binary; the REPL exists so the engine can be
// driven end to end without it.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/manifold/turnengine/internal/compaction"
	"github.com/manifold/turnengine/internal/config"
	"github.com/manifold/turnengine/internal/observability"
	"github.com/manifold/turnengine/internal/provider"
	"github.com/manifold/turnengine/internal/provider/anthropic"
	"github.com/manifold/turnengine/internal/provider/google"
	"github.com/manifold/turnengine/internal/provider/openai"
	"github.com/manifold/turnengine/internal/store"
	"github.com/manifold/turnengine/internal/store/cache"
	"github.com/manifold/turnengine/internal/tools"
	"github.com/manifold/turnengine/internal/tools/cli"
	"github.com/manifold/turnengine/internal/tools/fs"
	"github.com/manifold/turnengine/internal/tools/mcp"
	"github.com/manifold/turnengine/internal/turn"
)

const tickInterval = 33 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "turnengine:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "turnengine.yaml", "path to YAML config")
		sessionID  = flag.String("session", "", "session id (defaults to a fresh uuid)")
		logPath    = flag.String("log", "turnengine.log", "log file path")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(*logPath, cfg.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Obs.OTLP != "" {
		shutdown, err := observability.InitOTel(ctx, cfg.Obs)
		if err != nil {
			log.Warn().Err(err).Msg("otel_init_failed")
		} else {
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = shutdown(sctx)
			}()
		}
	}

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	workdir := cfg.Workdir
	if workdir == "" {
		workdir, _ = os.Getwd()
	}

	registry := tools.NewRegistry()
	registry.Register(fs.NewReadTool(workdir))
	registry.Register(fs.NewWriteTool(workdir))
	registry.Register(fs.NewEditTool(workdir))
	registry.Register(fs.NewGrepTool(workdir))
	registry.Register(cli.New(cfg.Exec, workdir))

	mcpMgr := mcp.NewManager()
	defer mcpMgr.Close()
	if len(cfg.MCP.Servers) > 0 {
		if err := mcpMgr.RegisterFromConfig(ctx, registry, cfg.MCP); err != nil {
			log.Warn().Err(err).Msg("mcp_registration_error")
		}
	}

	mux := provider.NewMultiplexer(
		anthropic.New(nil),
		openai.New(nil),
		google.New(nil),
		map[string]string{
			"anthropic": cfg.Anthropic.APIKey,
			"openai":    cfg.OpenAI.APIKey,
			"google":    cfg.Google.APIKey,
		},
	)

	var tokenCounts compaction.TokenCounts = compaction.NewTokenCache(compaction.TokenCacheConfig{})
	if cfg.Store.RedisEnabled && cfg.Store.RedisAddr != "" {
		if rdb, err := cache.Dial(ctx, cfg.Store.RedisAddr); err == nil {
			tokenCounts = cache.NewTokenCache(rdb, 0)
			defer rdb.Close()
		} else {
			log.Warn().Err(err).Str("addr", cfg.Store.RedisAddr).Msg("redis_unavailable_using_memory_cache")
		}
	}

	session := strings.TrimSpace(*sessionID)
	if session == "" {
		session = uuid.NewString()
	}

	ctrl := turn.NewController(turn.Config{
		SessionID:       session,
		Descriptor:      cfg.Model,
		Store:           st,
		Tools:           registry,
		Worker:          tools.NewWorker(registry),
		Mux:             mux,
		Events:          turn.NewEventQueue(0),
		Queues:          turn.NewSteeringQueues(turn.DrainAll, turn.DrainAll),
		Compactor:       compaction.NewEngine(st, mux, cfg.Model, cfg.Compaction, compaction.WithTokenCounts(tokenCounts)),
		Grace:           config.StartupGracePeriod,
		ReasoningBudget: cfg.ReasoningBudget,
	})
	if err := turn.RecoverCrashedRuns(ctx, st, session); err != nil {
		log.Error().Err(err).Msg("recover_crashed_runs_error")
	}

	fmt.Printf("session %s  model %s  (/cancel interrupts, /follow <msg> queues, /quit exits)\n", session, cfg.Model)
	return repl(ctx, ctrl)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	if cfg.Backend == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres init: %w", err)
		}
		return pg, pool.Close, nil
	}
	return store.NewMemoryStore(), func() {}, nil
}

// repl owns the cooperative tick loop: stdin lines arrive on a channel,
// Tick runs at frame cadence, and events are drained and printed after
// every tick.
func repl(ctx context.Context, ctrl *turn.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(ctrl, line); done {
				return nil
			}
		case now := <-ticker.C:
			if err := ctrl.Tick(ctx, now); err != nil {
				log.Error().Err(err).Msg("tick_error")
			}
			renderEvents(ctrl.Events().Drain())
		}
	}
}

func handleLine(ctrl *turn.Controller, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/cancel":
		ctrl.Cancel()
	case strings.HasPrefix(line, "/follow "):
		ctrl.FollowUp(strings.TrimPrefix(line, "/follow "))
	default:
		if ctrl.State() == turn.StateIdle {
			ctrl.Submit(line)
		} else {
			ctrl.Steer(line)
		}
	}
	return false
}

func renderEvents(events []turn.AgentEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case turn.EventMessageUpdate:
			fmt.Print(ev.DeltaText)
		case turn.EventMessageEnd:
			fmt.Println()
		case turn.EventToolStart:
			fmt.Printf("[tool %s %s]\n", ev.ToolName, ev.ToolInput)
		case turn.EventToolEnd:
			status := "ok"
			if ev.ToolIsErr {
				status = "error"
			}
			fmt.Printf("[tool %s %s]\n", ev.ToolName, status)
		case turn.EventAgentError:
			fmt.Printf("[error: %s]\n", ev.ErrorMessage)
		case turn.EventAgentEnd:
			fmt.Println("---")
		}
	}
}
