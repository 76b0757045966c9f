package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/opencode-ai/agentrelay/pkg/types"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ErrNoToken is returned by Validate when the Discord gateway has no token.
var ErrNoToken = errors.New("discord gateway selected but no token configured")

// configNames are the file names tried in each config directory.
var configNames = []string{"agentrelay.json", "agentrelay.jsonc", "agentrelay.yaml", "agentrelay.yml"}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config ($XDG_CONFIG_HOME/agentrelay/)
// 2. Project config (<directory>/ and <directory>/.agentrelay/)
// 3. AGENTRELAY_CONFIG file
// 4. AGENTRELAY_CONFIG_CONTENT inline JSON
// 5. Environment variables
//
// Defaults from types.DefaultConfig fill anything left unset.
func Load(directory string) (*types.Config, error) {
	config := types.DefaultConfig()
	loaded := make(map[string]bool)

	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			return nil
		}
		if err := loadConfigFile(path, config); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		loaded[absPath] = true
		config.Sources = append(config.Sources, absPath)
		return nil
	}

	var dirs []string
	dirs = append(dirs, GetPaths().Config)
	if directory != "" {
		dirs = append(dirs, directory, filepath.Join(directory, ".agentrelay"))
	}
	for _, dir := range dirs {
		for _, name := range configNames {
			if err := loadOnce(filepath.Join(dir, name)); err != nil {
				return nil, err
			}
		}
	}

	if configPath := os.Getenv("AGENTRELAY_CONFIG"); configPath != "" {
		if err := loadOnce(configPath); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv("AGENTRELAY_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		data := interpolate(jsonc.ToJSON([]byte(content)), directory)
		if err := json.Unmarshal(data, &inline); err != nil {
			return nil, fmt.Errorf("AGENTRELAY_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inline)
	}

	applyEnvOverrides(config)

	if config.WorkDir == "" {
		config.WorkDir = directory
	}
	if config.Store.Path == "" {
		config.Store.Path = GetPaths().SessionsPath()
	}
	if config.Agent.ProjectsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			config.Agent.ProjectsDir = filepath.Join(home, ".claude", "projects")
		}
	}

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	fileConfig, err := decode(path, data)
	if err != nil {
		return err
	}
	mergeConfig(config, fileConfig)
	return nil
}

// decode parses JSON, JSONC or YAML according to the file extension.
func decode(path string, data []byte) (*types.Config, error) {
	baseDir := filepath.Dir(path)
	var cfg types.Config

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data = interpolateYAML(data, baseDir)
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		data = interpolate(jsonc.ToJSON(data), baseDir)
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// interpolate processes {env:VAR} and {file:path} placeholders inside JSON
// strings, escaping substituted file content.
func interpolate(data []byte, baseDir string) []byte {
	return substitute(data, baseDir, func(s string) string {
		quoted, _ := json.Marshal(s)
		return string(quoted[1 : len(quoted)-1])
	})
}

// interpolateYAML is interpolate for YAML documents, where substituted file
// content is trimmed of its trailing newline and left unescaped.
func interpolateYAML(data []byte, baseDir string) []byte {
	return substitute(data, baseDir, func(s string) string {
		return strings.TrimRight(s, "\r\n")
	})
}

func substitute(data []byte, baseDir string, escape func(string) string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}
		return escape(string(content))
	})

	return []byte(str)
}

// mergeConfig overlays every non-zero field of source onto target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.WorkDir != "" {
		target.WorkDir = source.WorkDir
	}

	if source.Gateway.Kind != "" {
		target.Gateway.Kind = source.Gateway.Kind
	}
	d := source.Gateway.Discord
	if d.Token != "" {
		target.Gateway.Discord.Token = d.Token
	}
	if len(d.AllowedUsers) > 0 {
		target.Gateway.Discord.AllowedUsers = d.AllowedUsers
	}
	if len(d.Channels) > 0 {
		target.Gateway.Discord.Channels = d.Channels
	}

	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}

	a := source.Agent
	if a.Binary != "" {
		target.Agent.Binary = a.Binary
	}
	if a.Model != "" {
		target.Agent.Model = a.Model
	}
	if len(a.ExtraArgs) > 0 {
		target.Agent.ExtraArgs = a.ExtraArgs
	}
	if a.ProjectsDir != "" {
		target.Agent.ProjectsDir = a.ProjectsDir
	}

	s := source.Stream
	setInt(&target.Stream.IntervalMs, s.IntervalMs)
	setInt(&target.Stream.MaxMessageLength, s.MaxMessageLength)
	setInt(&target.Stream.FollowUpDelayMs, s.FollowUpDelayMs)
	setInt(&target.Stream.BackoffBaseMs, s.BackoffBaseMs)
	setInt(&target.Stream.BackoffMaxMs, s.BackoffMaxMs)

	mergeApproval(&target.Approval, &source.Approval)

	st := source.Store
	if st.Driver != "" {
		target.Store.Driver = st.Driver
	}
	if st.Path != "" {
		target.Store.Path = st.Path
	}
	if st.RedisURL != "" {
		target.Store.RedisURL = st.RedisURL
	}
	if st.RedisKey != "" {
		target.Store.RedisKey = st.RedisKey
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
	if source.Log.File {
		target.Log.File = true
	}
	if source.Log.Dir != "" {
		target.Log.Dir = source.Log.Dir
	}

	if len(source.Command) > 0 {
		if target.Command == nil {
			target.Command = make(map[string]types.CommandConfig)
		}
		for name, cmd := range source.Command {
			target.Command[name] = cmd
		}
	}
}

func mergeApproval(target, source *types.ApprovalConfig) {
	setInt(&target.TimeoutSeconds, source.TimeoutSeconds)
	if len(source.DangerousTools) > 0 {
		target.DangerousTools = source.DangerousTools
	}
	if len(source.AllowedUsers) > 0 {
		target.AllowedUsers = source.AllowedUsers
	}
	// Bash rules merge key by key so a project file can extend global rules.
	if source.Bash != nil {
		if target.Bash == nil {
			target.Bash = make(map[string]string)
		}
		for pattern, action := range source.Bash {
			target.Bash[pattern] = action
		}
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		config.Gateway.Discord.Token = token
	}
	if users := splitList(os.Getenv("AGENTRELAY_ALLOWED_USERS")); len(users) > 0 {
		config.Gateway.Discord.AllowedUsers = users
		config.Approval.AllowedUsers = users
	}
	if dir := os.Getenv("AGENTRELAY_WORKDIR"); dir != "" {
		config.WorkDir = dir
	}
	if v := os.Getenv("AGENTRELAY_APPROVAL_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			config.Approval.TimeoutSeconds = secs
		}
	}
	if driver := os.Getenv("AGENTRELAY_STORE"); driver != "" {
		config.Store.Driver = driver
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		config.Store.RedisURL = url
	}
	if kind := os.Getenv("AGENTRELAY_GATEWAY"); kind != "" {
		config.Gateway.Kind = kind
	}
	if model := os.Getenv("AGENTRELAY_MODEL"); model != "" {
		config.Agent.Model = model
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports configuration that cannot be served.
func Validate(config *types.Config) error {
	switch config.Gateway.Kind {
	case "discord":
		if config.Gateway.Discord.Token == "" {
			return ErrNoToken
		}
	case "web":
	default:
		return fmt.Errorf("unknown gateway kind %q", config.Gateway.Kind)
	}

	switch config.Store.Driver {
	case "file":
	case "redis":
		if config.Store.RedisURL == "" {
			return errors.New("redis store selected but no redisURL configured")
		}
	default:
		return fmt.Errorf("unknown store driver %q", config.Store.Driver)
	}

	if config.Stream.MaxMessageLength < 100 {
		return fmt.Errorf("stream.maxMessageLength must be at least 100, got %d", config.Stream.MaxMessageLength)
	}
	for pattern, action := range config.Approval.Bash {
		switch action {
		case "allow", "ask", "deny":
		default:
			return fmt.Errorf("approval.bash[%q]: unknown action %q", pattern, action)
		}
	}
	return nil
}

// LoadApproval re-reads only the approval section from the given files,
// in order, on top of the defaults. Used by the watcher on reload.
func LoadApproval(paths []string) (types.ApprovalConfig, error) {
	approval := types.DefaultConfig().Approval
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return approval, err
		}
		cfg, err := decode(path, data)
		if err != nil {
			return approval, fmt.Errorf("load %s: %w", path, err)
		}
		mergeApproval(&approval, &cfg.Approval)
	}
	if v := os.Getenv("AGENTRELAY_APPROVAL_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			approval.TimeoutSeconds = secs
		}
	}
	if users := splitList(os.Getenv("AGENTRELAY_ALLOWED_USERS")); len(users) > 0 {
		approval.AllowedUsers = users
	}
	return approval, nil
}

// Save writes the configuration as indented JSON.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
