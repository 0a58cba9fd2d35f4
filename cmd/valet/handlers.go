// handlers.go implements the command handlers: dependency wiring for
// serve, the terminal chat REPL, and the tasks listing.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"

	"valet/internal/agent"
	"valet/internal/config"
	"valet/internal/llm"
	"valet/internal/observability"
	"valet/internal/rag"
	"valet/internal/ratelimit"
	"valet/internal/scheduler"
	"valet/internal/server"
	"valet/internal/store"
	"valet/internal/tools"
	"valet/internal/websearch"
	"valet/pkg/models"
)

// app bundles the wired service graph shared by the commands.
type app struct {
	settings     *config.Settings
	logger       *slog.Logger
	store        *store.Store
	client       *llm.Client
	rag          *rag.Manager
	scheduler    *scheduler.Scheduler
	orchestrator *agent.Agent
	metrics      *observability.Metrics
}

// buildApp loads settings and wires the assistant. withMetrics controls
// Prometheus registration; the one-shot commands skip it.
func buildApp(envFile string, debug, withMetrics bool) (*app, error) {
	settings, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := settings.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create data directories: %w", err)
	}

	level := "info"
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: "json",
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	st, err := store.Open(settings.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	client := llm.New(settings.APIKey, settings.APIBase)
	ragManager := rag.NewManager(st, settings.IndexDir(), logger)
	web := websearch.NewClient(websearch.Config{
		APIKey:     settings.BraveAPIKey,
		Country:    settings.BraveCountry,
		SearchLang: settings.BraveSearchLang,
		Timeout:    settings.WebTimeout,
	})
	fetcher := websearch.NewFetcher(settings.WebTimeout)
	sched := scheduler.New(st, web, client, settings, logger)

	deps := tools.Deps{
		Store:     st,
		LLM:       client,
		Web:       web,
		Fetcher:   fetcher,
		Retriever: ragManager,
		Scheduler: sched,
		Settings:  settings,
		Logger:    logger,
	}

	opts := []agent.Option{agent.WithLogger(logger)}
	var metrics *observability.Metrics
	if withMetrics {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
		opts = append(opts, agent.WithMetrics(metrics))
	}
	orchestrator := agent.New(st, client, ragManager, deps.Builder(), settings, opts...)

	return &app{
		settings:     settings,
		logger:       logger,
		store:        st,
		client:       client,
		rag:          ragManager,
		scheduler:    sched,
		orchestrator: orchestrator,
		metrics:      metrics,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("database close error", "error", err)
	}
}

func runServe(ctx context.Context, envFile, addr string, debug bool) error {
	a, err := buildApp(envFile, debug, true)
	if err != nil {
		return err
	}
	defer a.close()

	if addr == "" {
		addr = a.settings.ListenAddr
	}

	a.logger.Info("starting valet",
		"version", version,
		"addr", addr,
		"data_dir", a.settings.DataDir,
		"llm_available", a.client.Available(),
	)

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.scheduler.Stop()

	srv := server.New(a.store, a.orchestrator,
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics),
		server.WithRateLimit(ratelimit.New(ratelimit.DefaultConfig())),
	)
	if err := srv.Start(addr); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	a.logger.Info("shutting down")
	srv.Shutdown(nil)
	return nil
}

func runChat(ctx context.Context, envFile string, conversationID int64, useRAG, useWeb bool) error {
	a, err := buildApp(envFile, false, false)
	if err != nil {
		return err
	}
	defer a.close()

	conv, err := resolveConversation(a.store, conversationID)
	if err != nil {
		return err
	}
	fmt.Printf("%s (conversation %d). Type 'exit' to quit.\n", conv.Title, conv.ID)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := chatTurn(ctx, a, conv.ID, line, useRAG, useWeb); err != nil {
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

// chatTurn persists one exchange and streams the reply to stdout.
func chatTurn(ctx context.Context, a *app, conversationID int64, message string, useRAG, useWeb bool) error {
	branchID, err := a.store.ActiveBranch(conversationID)
	if err != nil {
		return fmt.Errorf("resolve branch: %w", err)
	}
	if _, err := a.store.AddMessage(conversationID, models.RoleUser, message, branchID); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	assistantID, err := a.store.AddMessage(conversationID, models.RoleAssistant, "", branchID)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	streamed := false
	req := agent.TurnRequest{
		ConversationID: conversationID,
		BranchID:       branchID,
		UserMessage:    message,
		UseRAG:         useRAG,
		UseWeb:         useWeb,
		OnToken: func(delta string) {
			streamed = true
			fmt.Print(delta)
		},
		OnToolEvent: func(name, stage string) {
			if stage == "call" {
				fmt.Printf("[%s]\n", name)
			}
		},
		ShouldCancel: func() bool { return ctx.Err() != nil },
	}

	var reply string
	if a.settings.LLMStreaming {
		reply, err = a.orchestrator.RespondStreaming(ctx, req)
	} else {
		reply, err = a.orchestrator.Respond(ctx, req)
	}
	if err != nil {
		return err
	}
	if !streamed {
		fmt.Print(reply)
	}
	fmt.Print("\n\n")

	if err := a.store.UpdateMessageContent(assistantID, reply); err != nil {
		a.logger.Warn("store reply failed", "error", err)
	}
	if _, err := a.orchestrator.MaybeUpdateTitle(ctx, conversationID, true, branchID); err != nil {
		a.logger.Warn("title update failed", "error", err)
	}
	return nil
}

func resolveConversation(st *store.Store, id int64) (*models.Conversation, error) {
	if id != 0 {
		conv, err := st.GetConversation(id)
		if err != nil {
			return nil, fmt.Errorf("conversation %d: %w", id, err)
		}
		return conv, nil
	}
	existing, err := st.ListConversations()
	if err != nil {
		return nil, err
	}
	title := fmt.Sprintf("Conversation %d", len(existing)+1)
	newID, err := st.CreateConversation(title)
	if err != nil {
		return nil, err
	}
	return st.GetConversation(newID)
}

func runTasks(envFile string) error {
	a, err := buildApp(envFile, false, false)
	if err != nil {
		return err
	}
	defer a.close()

	tasks, err := a.store.ListScheduledTasks(0)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No scheduled tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tCRON\tTZ\tENABLED\tLAST STATUS")
	for _, t := range tasks {
		tz := t.Timezone
		if tz == "" {
			tz = a.settings.Timezone
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
			t.ID, t.Name, t.TaskType, t.Cron, tz, t.Enabled, t.LastStatus)
	}
	return w.Flush()
}
