package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskchat/deskchat/internal/mcp"
)

var mcpAddEnv []string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage MCP (Model Context Protocol) servers",
	Long: `Manage MCP servers for extending deskchat with external tools.

MCP servers provide additional capabilities like filesystem access,
browser automation, and more.

Examples:
  deskchat mcp list                                # list configured servers
  deskchat mcp add files npx @mcp/server-files .   # add a stdio server
  deskchat mcp remove files                        # remove a server
  deskchat mcp test files                          # test server connection`,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	RunE:  mcpList,
}

var mcpAddCmd = &cobra.Command{
	Use:   "add <name> <command> [args...]",
	Short: "Add a stdio MCP server",
	Args:  cobra.MinimumNArgs(2),
	RunE:  mcpAdd,
}

var mcpRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE:  mcpRemove,
}

var mcpTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Test an MCP server connection",
	Long: `Start an MCP server, list its tools, and stop it again.

Examples:
  deskchat mcp test files`,
	Args: cobra.ExactArgs(1),
	RunE: mcpTest,
}

var mcpPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print MCP configuration file path",
	RunE:  mcpPath,
}

func init() {
	mcpAddCmd.Flags().StringArrayVar(&mcpAddEnv, "env", nil, "Environment variable for the server (KEY=VALUE, repeatable)")
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpAddCmd)
	mcpCmd.AddCommand(mcpRemoveCmd)
	mcpCmd.AddCommand(mcpTestCmd)
	mcpCmd.AddCommand(mcpPathCmd)
}

func mcpList(cmd *cobra.Command, args []string) error {
	cfg, err := mcp.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if len(cfg.Servers) == 0 {
		fmt.Println("No MCP servers configured.")
		fmt.Println()
		fmt.Println("Add one with: deskchat mcp add <name> <command> [args...]")
		return nil
	}

	fmt.Printf("Configured MCP servers (%d):\n\n", len(cfg.Servers))
	for _, name := range cfg.ServerNames() {
		server := cfg.Servers[name]
		fmt.Printf("  %s\n", name)
		fmt.Printf("    command: %s %s\n", server.Command, strings.Join(server.Args, " "))
		if len(server.Env) > 0 {
			fmt.Printf("    env: %d variables\n", len(server.Env))
		}
	}

	path, _ := mcp.DefaultConfigPath()
	fmt.Printf("\nConfig file: %s\n", path)
	return nil
}

func mcpAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	server := mcp.ServerConfig{
		Command: args[1],
		Args:    args[2:],
	}
	for _, kv := range mcpAddEnv {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env value %q, expected KEY=VALUE", kv)
		}
		if server.Env == nil {
			server.Env = make(map[string]string)
		}
		server.Env[key] = value
	}
	if err := server.Validate(); err != nil {
		return err
	}

	cfg, err := mcp.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, exists := cfg.Servers[name]; exists {
		return fmt.Errorf("server '%s' already configured", name)
	}
	cfg.AddServer(name, server)
	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("Added MCP server '%s'.\n", name)
	fmt.Printf("Test it with: deskchat mcp test %s\n", name)
	return nil
}

func mcpRemove(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := mcp.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.RemoveServer(name) {
		return fmt.Errorf("server '%s' is not configured", name)
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Printf("Removed MCP server '%s'.\n", name)
	return nil
}

func mcpTest(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := mcp.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	server, ok := cfg.Servers[name]
	if !ok {
		return fmt.Errorf("server '%s' is not configured", name)
	}

	fmt.Printf("Starting %s (%s %s)...\n", name, server.Command, strings.Join(server.Args, " "))
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client := mcp.NewClient(name, server)
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}
	defer client.Stop()

	tools := client.Tools()
	fmt.Printf("Connected. %d tools available:\n", len(tools))
	for _, tool := range tools {
		fmt.Printf("  %-30s %s\n", tool.Name, tool.Description)
	}
	if prompts := client.Prompts(); len(prompts) > 0 {
		fmt.Printf("%d prompts available:\n", len(prompts))
		for _, p := range prompts {
			fmt.Printf("  %-30s %s\n", p.Name, p.Description)
		}
	}
	return nil
}

func mcpPath(cmd *cobra.Command, args []string) error {
	path, err := mcp.DefaultConfigPath()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
