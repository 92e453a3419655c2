package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/deskchat/deskchat/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage deskchat configuration",
	Long: `View or edit your deskchat configuration.

Examples:
  deskchat config                     # show current config
  deskchat config init                # write a starter config file
  deskchat config edit                # edit in $EDITOR
  deskchat config path                # print config file path`,
	RunE: configShow, // Default to show
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	RunE:  configInit,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file in $EDITOR",
	RunE:  configEdit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print configuration file path",
	RunE:  configPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configPathCmd)
}

func configShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	path, _ := config.GetConfigPath()
	if config.Exists() {
		fmt.Printf("Config file: %s\n\n", path)
	} else {
		fmt.Printf("Config file: %s (not created, using defaults)\n\n", path)
	}

	fmt.Printf("backend:  %s\n", cfg.Backend)
	fmt.Printf("model:    %s\n", cfg.Model())
	fmt.Printf("cloud:    model=%s\n", cfg.Cloud.Model)
	fmt.Printf("copilot:  model=%s\n", cfg.Copilot.Model)
	fmt.Printf("ollama:   model=%s base_url=%s\n", cfg.Ollama.Model, cfg.Ollama.BaseURL)
	fmt.Printf("sessions: enabled=%v path=%s\n", cfg.Session.Enabled, cfg.SessionDBPath())
	return nil
}

func configInit(cmd *cobra.Command, args []string) error {
	if config.Exists() {
		path, _ := config.GetConfigPath()
		return fmt.Errorf("config file already exists at %s", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		return err
	}
	path, _ := config.GetConfigPath()
	fmt.Printf("Wrote starter config to %s\n", path)
	return nil
}

func configEdit(cmd *cobra.Command, args []string) error {
	if !config.Exists() {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.Save(cfg); err != nil {
			return err
		}
	}
	path, err := config.GetConfigPath()
	if err != nil {
		return err
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	edit := exec.Command(editor, path)
	edit.Stdin = os.Stdin
	edit.Stdout = os.Stdout
	edit.Stderr = os.Stderr
	return edit.Run()
}

func configPath(cmd *cobra.Command, args []string) error {
	path, err := config.GetConfigPath()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
