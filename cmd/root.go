package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "deskchat",
	Short: "Chat with interchangeable LLM backends, with tool support",
	Long: `deskchat is a desktop chat client for conversing with one of several
language-model backends, letting the model call external tools through MCP
servers mid-conversation before producing its final answer.

Examples:
  deskchat chat "what does this error mean?"
  deskchat chat --backend ollama --model llama3.1
  deskchat chat --resume            # continue the last conversation

  deskchat models                   # list models for the active backend
  deskchat sessions list            # browse stored conversations`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
