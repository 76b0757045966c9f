// Package commands provides the CLI commands for agentrelay.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentrelay/internal/config"
	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs  bool
	logLevel   string
	configPath string
	workDir    string
)

var rootCmd = &cobra.Command{
	Use:   "agentrelay",
	Short: "agentrelay - chat front end for a coding agent",
	Long: `agentrelay connects a chat platform to a coding agent running on this
machine. Messages become agent turns, replies stream back as live edits,
and dangerous tool calls wait for a human to approve them in the chat.

Run 'agentrelay serve' to start the relay, or 'agentrelay sessions' to
inspect the conversations it remembers.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is fine.
		_ = godotenv.Load()
		if configPath != "" {
			os.Setenv("AGENTRELAY_CONFIG", configPath)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR), overrides the config")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Extra config file, loaded after the global and project files")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "d", "", "Working directory of the agent")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentrelay %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(debugCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// loadConfig loads the configuration for the working directory.
func loadConfig() (*types.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	return config.Load(dir)
}

// initLogging configures the global logger from the config and flags.
// Logs go to stderr only with --print-logs or log.pretty; the file log
// follows log.file.
func initLogging(cfg types.LogConfig) {
	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}

	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(level)
	lc.Pretty = cfg.Pretty
	lc.LogToFile = cfg.File
	lc.LogDir = cfg.Dir
	if lc.LogDir == "" {
		lc.LogDir = config.GetPaths().LogDir()
	}
	if !printLogs && !cfg.Pretty && cfg.File {
		lc.Output = io.Discard
	}
	logging.Init(lc)
}
