package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "agentrelay"

// Paths contains the standard locations for relay data.
type Paths struct {
	Data   string // ~/.local/share/agentrelay
	Config string // ~/.config/agentrelay
	State  string // ~/.local/state/agentrelay
}

// GetPaths returns the standard paths, honouring XDG overrides.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultHome(".local", "share")), appName),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultHome(".config")), appName),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultHome(".local", "state")), appName),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// SessionsPath is the default location of the persisted session records.
func (p *Paths) SessionsPath() string {
	return filepath.Join(p.Data, "sessions.json")
}

// LogDir is the default directory for log files.
func (p *Paths) LogDir() string {
	return filepath.Join(p.State, "log")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultHome(elem ...string) string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(append([]string{os.Getenv("HOME")}, elem...)...)
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "agentrelay.json")
}

// ProjectConfigPath returns the path to the project config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".agentrelay", "agentrelay.json")
}
