package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/deskchat/deskchat/internal/config"
	"github.com/deskchat/deskchat/internal/credentials"
	"github.com/deskchat/deskchat/internal/llm"
	"github.com/deskchat/deskchat/internal/mcp"
	"github.com/deskchat/deskchat/internal/session"
)

var (
	chatBackend   string
	chatModel     string
	chatSystem    string
	chatMCP       string
	chatYes       bool
	chatNoSession bool
	chatResume    string
)

var chatCmd = &cobra.Command{
	Use:   "chat [question]",
	Short: "Chat with the configured backend",
	Long: `Start a conversation with the configured backend. With a question
argument the answer is printed and the command exits; without one an
interactive loop reads prompts from stdin.

Examples:
  deskchat chat "explain this stack trace"
  deskchat chat                              # interactive
  deskchat chat --backend cloud -m gemini-2.5-pro
  deskchat chat --mcp filesystem,github "summarize recent issues"
  deskchat chat --resume "and what about windows?"`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatBackend, "backend", "b", "", "Backend to use (cloud, copilot, ollama)")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model override for the active backend")
	chatCmd.Flags().StringVar(&chatSystem, "system", "", "System instructions for the conversation")
	chatCmd.Flags().StringVar(&chatMCP, "mcp", "", "Comma-separated MCP servers to enable (or 'all')")
	chatCmd.Flags().BoolVarP(&chatYes, "yes", "y", false, "Approve all tool calls without prompting")
	chatCmd.Flags().BoolVar(&chatNoSession, "no-session", false, "Do not persist this conversation")
	chatCmd.Flags().StringVarP(&chatResume, "resume", "r", "", "Continue a session (empty for most recent, or session ID)")
	chatCmd.Flags().Lookup("resume").NoOptDefVal = " " // flag passed without a value
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(chatBackend, chatModel)

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	manager, err := startMCP(ctx, chatMCP)
	if err != nil {
		return err
	}
	defer manager.StopAll()

	store, err := session.NewStore(cfg.Session.Enabled && !chatNoSession, cfg.SessionDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	sess, history, err := openSession(ctx, store, cfg)
	if err != nil {
		return err
	}

	if chatSystem != "" && len(history) == 0 {
		sys := llm.SystemText(chatSystem)
		history = append(history, sys)
		if err := store.AddMessage(ctx, sess.ID, session.NewMessage(sess.ID, sys, -1)); err != nil {
			return err
		}
	}

	engine := llm.NewEngine(adapter)
	applyEngineConfig(engine, cfg)

	stdin := bufio.NewReader(os.Stdin)
	opts := llm.RunOptions{
		Model:    cfg.Model(),
		Tools:    manager,
		Approver: buildApprover(stdin),
		OnText: func(text string) {
			fmt.Print(text)
		},
		OnRound: persistRound(store, sess.ID),
	}

	if len(args) > 0 {
		return runTurn(ctx, engine, store, sess, &history, strings.Join(args, " "), opts)
	}

	// Interactive loop. An interrupted turn marks the session but keeps the
	// loop alive with a fresh signal context.
	for {
		fmt.Print("> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		prompt := strings.TrimSpace(line)
		if prompt == "" {
			continue
		}
		if prompt == "exit" || prompt == "quit" {
			return nil
		}

		turnCtx, turnStop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		err = runTurn(turnCtx, engine, store, sess, &history, prompt, opts)
		turnStop()
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// runTurn executes one prompt through the engine, persisting the user turn
// before the exchange and classifying the final session status after it.
func runTurn(ctx context.Context, engine *llm.Engine, store session.Store, sess *session.Session, history *[]llm.Message, prompt string, opts llm.RunOptions) error {
	userMsg := llm.UserText(prompt)
	if err := store.AddMessage(ctx, sess.ID, session.NewMessage(sess.ID, userMsg, -1)); err != nil {
		return err
	}
	if err := store.IncrementUserTurns(ctx, sess.ID); err != nil {
		return err
	}
	if sess.Summary == "" {
		sess.Summary = session.TruncateSummary(prompt)
		if err := store.Update(ctx, sess); err != nil {
			return err
		}
	}

	result, err := engine.Run(ctx, *history, prompt, opts)
	if err != nil {
		status := session.StatusError
		if errors.Is(err, context.Canceled) {
			status = session.StatusInterrupted
		}
		store.UpdateStatus(context.Background(), sess.ID, status)
		return err
	}

	fmt.Println()
	*history = result.History
	return store.UpdateStatus(ctx, sess.ID, session.StatusComplete)
}

// persistRound saves each round's messages as they complete, so a crash or
// cancellation mid-exchange loses at most the in-flight round.
func persistRound(store session.Store, sessionID string) llm.RoundCompletedCallback {
	return func(ctx context.Context, round int, messages []llm.Message, metrics llm.RoundMetrics) error {
		for _, msg := range messages {
			if err := store.AddMessage(ctx, sessionID, session.NewMessage(sessionID, msg, -1)); err != nil {
				return err
			}
		}
		return store.UpdateMetrics(ctx, sessionID, 1, metrics.ToolCalls, metrics.InputTokens, metrics.OutputTokens)
	}
}

// openSession resumes an existing session or creates a fresh one.
func openSession(ctx context.Context, store session.Store, cfg *config.Config) (*session.Session, []llm.Message, error) {
	if chatResume != "" {
		var sess *session.Session
		var err error
		if strings.TrimSpace(chatResume) == "" {
			sess, err = store.GetCurrent(ctx)
		} else {
			sess, err = store.Get(ctx, strings.TrimSpace(chatResume))
		}
		if err != nil {
			return nil, nil, err
		}
		if sess == nil {
			return nil, nil, fmt.Errorf("no session to resume")
		}

		stored, err := store.GetMessages(ctx, sess.ID, 0, 0)
		if err != nil {
			return nil, nil, err
		}
		history := make([]llm.Message, 0, len(stored))
		for _, m := range stored {
			history = append(history, m.ToLLMMessage())
		}
		return sess, history, nil
	}

	sess := &session.Session{
		Backend: cfg.Backend,
		Model:   cfg.Model(),
	}
	if err := store.Create(ctx, sess); err != nil {
		return nil, nil, err
	}
	if err := store.SetCurrent(ctx, sess.ID); err != nil {
		return nil, nil, err
	}
	return sess, nil, nil
}

// buildApprover returns the tool approval gate: --yes approves everything,
// an interactive terminal prompts per call, and anything else denies.
func buildApprover(stdin *bufio.Reader) llm.Approver {
	if chatYes {
		return llm.AutoApprover{}
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return llm.ApproverFunc(func(ctx context.Context, req llm.ApprovalRequest) (bool, error) {
			return false, nil
		})
	}
	return llm.ApproverFunc(func(ctx context.Context, req llm.ApprovalRequest) (bool, error) {
		fmt.Fprintf(os.Stderr, "\nTool request: %s\nArguments: %s\nAllow? [y/N] ", req.Tool, string(req.Args))
		line, err := stdin.ReadString('\n')
		if err != nil {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	})
}

// startMCP loads the MCP configuration and starts the requested servers.
// A server that fails to start is reported but does not abort the chat.
func startMCP(ctx context.Context, spec string) (*mcp.Manager, error) {
	manager := mcp.NewManager()
	if err := manager.LoadConfig(); err != nil {
		return nil, err
	}
	if spec == "" {
		return manager, nil
	}

	var names []string
	if spec == "all" {
		names = manager.AvailableServers()
	} else {
		for _, name := range strings.Split(spec, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	for _, name := range names {
		if err := manager.Enable(ctx, name); err != nil {
			fmt.Fprintf(os.Stderr, "warning: MCP server %s failed to start: %v\n", name, err)
		}
	}
	return manager, nil
}

// buildAdapter creates the adapter for the configured backend, loading its
// credentials from disk.
func buildAdapter(cfg *config.Config) (llm.Adapter, error) {
	opts := llm.AdapterOptions{
		OllamaEndpoint: cfg.Ollama.BaseURL,
	}
	switch cfg.Backend {
	case llm.BackendCloud:
		creds, err := credentials.GetCloudCredentials(cfg.Cloud.Credentials)
		if err != nil {
			return nil, err
		}
		opts.Cloud = creds
	case llm.BackendCopilot:
		creds, err := credentials.GetCopilotCredentials(cfg.Copilot.Credentials)
		if err != nil {
			return nil, err
		}
		opts.Copilot = creds
	}
	return llm.NewAdapter(cfg.Backend, opts)
}

// applyEngineConfig wires the config file's tuning knobs into the engine.
func applyEngineConfig(engine *llm.Engine, cfg *config.Config) {
	comp := engine.Compressor()
	if cfg.Compression.Threshold > 0 {
		comp.Threshold = cfg.Compression.Threshold
	}
	if cfg.Compression.Preserve > 0 {
		comp.PreserveFraction = cfg.Compression.Preserve
	}

	retry := llm.DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay > 0 {
		retry.BaseDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		retry.MaxDelay = cfg.Retry.MaxDelay
	}
	retry.OnRetry = func(attempt int, wait time.Duration, err error) {
		fmt.Fprintf(os.Stderr, "retrying in %s: %v\n", wait, err)
	}
	engine.SetRetryConfig(retry)
}
