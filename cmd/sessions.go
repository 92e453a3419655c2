package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskchat/deskchat/internal/config"
	"github.com/deskchat/deskchat/internal/llm"
	"github.com/deskchat/deskchat/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage chat sessions",
	Long: `List, search, show, and delete chat sessions.

Examples:
  deskchat sessions                       # List recent sessions
  deskchat sessions list --backend cloud
  deskchat sessions search "kubernetes"
  deskchat sessions show <id>
  deskchat sessions delete <id>`,
	RunE: runSessionsList, // Default to list
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsSearch,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

// Flags
var (
	sessionsBackend string
	sessionsLimit   int
	sessionsStatus  string
	sessionsJSON    bool
)

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsBackend, "backend", "", "Filter by backend")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions to list")
	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status (active, complete, error, interrupted)")

	sessionsShowCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsSearchCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)

	rootCmd.AddCommand(sessionsCmd)
}

func getSessionStore() (session.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.Session.Enabled {
		return nil, fmt.Errorf("session storage is disabled in config")
	}
	return session.NewStore(true, cfg.SessionDBPath())
}

// resolveSessionID accepts a full session ID or an unambiguous prefix.
func resolveSessionID(ctx context.Context, store session.Store, id string) (string, error) {
	if sess, err := store.Get(ctx, id); err != nil {
		return "", err
	} else if sess != nil {
		return sess.ID, nil
	}

	summaries, err := store.List(ctx, session.ListOptions{Limit: 1000, Archived: true})
	if err != nil {
		return "", err
	}
	var matches []string
	for _, s := range summaries {
		if strings.HasPrefix(s.ID, id) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("session '%s' not found", id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session ID '%s' is ambiguous (%d matches)", id, len(matches))
	}
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	if sessionsStatus != "" {
		validStatuses := []string{"active", "complete", "error", "interrupted"}
		if !slices.Contains(validStatuses, sessionsStatus) {
			return fmt.Errorf("invalid status %q: must be one of %v", sessionsStatus, validStatuses)
		}
	}

	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(cmd.Context(), session.ListOptions{
		Backend: sessionsBackend,
		Status:  session.Status(sessionsStatus),
		Limit:   sessionsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(summaries) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-10s %-30s %-8s %4s %5s %5s %-11s %-11s %s\n",
		"ID", "SUMMARY", "BACKEND", "MSGS", "TURNS", "TOOLS", "TOKENS", "STATUS", "AGE")
	fmt.Println(strings.Repeat("-", 100))

	for _, s := range summaries {
		summary := s.Summary
		if s.Name != "" {
			summary = s.Name
		}
		if len(summary) > 30 {
			summary = summary[:27] + "..."
		}

		status := string(s.Status)
		if status == "" {
			status = "active"
		}

		fmt.Printf("%-10s %-30s %-8s %4d %5d %5d %-11s %-11s %s\n",
			session.ShortID(s.ID), summary, s.Backend, s.MessageCount, s.UserTurns,
			s.ToolCalls, formatTokens(s.InputTokens, s.OutputTokens), status,
			formatAge(s.UpdatedAt))
	}
	return nil
}

// formatTokens formats input/output tokens in compact form.
func formatTokens(input, output int) string {
	if input == 0 && output == 0 {
		return "-"
	}
	return fmt.Sprintf("%s/%s", formatCount(input), formatCount(output))
}

func formatCount(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1000000:
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func runSessionsSearch(cmd *cobra.Command, args []string) error {
	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	query := strings.Join(args, " ")
	results, err := store.Search(cmd.Context(), query, 20)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if len(results) == 0 {
		fmt.Printf("No results found for '%s'\n", query)
		return nil
	}

	fmt.Printf("Found %d matches for '%s':\n\n", len(results), query)
	for _, r := range results {
		name := r.SessionName
		if name == "" {
			name = r.Summary
		}
		if name == "" {
			name = session.ShortID(r.SessionID)
		}
		fmt.Printf("%s (%s, %s)\n", name, session.ShortID(r.SessionID), r.Backend)
		fmt.Printf("  %s\n\n", r.Snippet)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	id, err := resolveSessionID(ctx, store, args[0])
	if err != nil {
		return err
	}
	sess, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	messages, err := store.GetMessages(ctx, id, 0, 0)
	if err != nil {
		return err
	}

	if sessionsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Session  *session.Session  `json:"session"`
			Messages []session.Message `json:"messages"`
		}{sess, messages})
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	if sess.Name != "" {
		fmt.Printf("Name:     %s\n", sess.Name)
	}
	fmt.Printf("Backend:  %s (%s)\n", sess.Backend, sess.Model)
	fmt.Printf("Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Status:   %s\n", sess.Status)
	fmt.Printf("Metrics:  %d turns, %d rounds, %d tool calls, %s tokens\n\n",
		sess.UserTurns, sess.Rounds, sess.ToolCalls,
		formatTokens(sess.InputTokens, sess.OutputTokens))

	for _, m := range messages {
		fmt.Printf("[%s]\n", m.Role)
		if m.TextContent != "" {
			fmt.Println(m.TextContent)
		}
		for _, p := range m.Parts {
			switch p.Type {
			case llm.PartToolCall:
				if p.ToolCall != nil {
					fmt.Printf("  -> tool call %s(%s)\n", p.ToolCall.Name, string(p.ToolCall.Arguments))
				}
			case llm.PartToolResult:
				if p.ToolResult != nil {
					result := p.ToolResult.Content
					if len(result) > 200 {
						result = result[:197] + "..."
					}
					fmt.Printf("  <- %s\n", result)
				}
			}
		}
		fmt.Println()
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	id, err := resolveSessionID(ctx, store, args[0])
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", session.ShortID(id))
	return nil
}
