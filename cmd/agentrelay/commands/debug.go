package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentrelay/internal/command"
	"github.com/opencode-ai/agentrelay/internal/config"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug utilities",
	Long:  `Debug utilities for troubleshooting agentrelay configuration and setup.`,
}

var debugConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the merged configuration",
	RunE:  runDebugConfig,
}

var debugPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show system paths",
	RunE:  runDebugPaths,
}

var debugCommandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the chat commands",
	RunE:  runDebugCommands,
}

func init() {
	debugCmd.AddCommand(debugConfigCmd)
	debugCmd.AddCommand(debugPathsCmd)
	debugCmd.AddCommand(debugCommandsCmd)
}

func runDebugConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Gateway.Discord.Token != "" {
		cfg.Gateway.Discord.Token = "********"
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))

	fmt.Println()
	fmt.Println("Loaded from:")
	if len(cfg.Sources) == 0 {
		fmt.Println("  (defaults only)")
	}
	for _, src := range cfg.Sources {
		fmt.Printf("  %s\n", src)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Printf("\nInvalid: %v\n", err)
	}
	return nil
}

func runDebugPaths(cmd *cobra.Command, args []string) error {
	paths := config.GetPaths()
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}

	fmt.Println("agentrelay System Paths:")
	fmt.Println()
	fmt.Printf("  Config:   %s\n", paths.Config)
	fmt.Printf("  Data:     %s\n", paths.Data)
	fmt.Printf("  State:    %s\n", paths.State)
	fmt.Printf("  Sessions: %s\n", paths.SessionsPath())
	fmt.Printf("  Logs:     %s\n", paths.LogDir())
	fmt.Println()
	fmt.Println("Config files:")
	fmt.Printf("  Global:   %s\n", config.GlobalConfigPath())
	fmt.Printf("  Project:  %s\n", config.ProjectConfigPath(dir))

	return nil
}

func runDebugCommands(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := command.NewRegistry(cfg.WorkDir, cfg.Command)
	fmt.Println(reg.HelpText())
	return nil
}
