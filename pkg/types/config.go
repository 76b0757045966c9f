package types

import "time"

// Config is the relay configuration. Files may be JSON, JSONC or YAML;
// every field is optional and falls back to DefaultConfig.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// WorkDir is the directory the agent runs in.
	WorkDir string `json:"workDir,omitempty" yaml:"workDir,omitempty"`

	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	Approval ApprovalConfig `json:"approval" yaml:"approval"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Log      LogConfig      `json:"log" yaml:"log"`

	// Command defines chat commands that expand into agent prompts.
	Command map[string]CommandConfig `json:"command,omitempty" yaml:"command,omitempty"`

	// Sources lists the config files that were loaded, lowest priority first.
	Sources []string `json:"-" yaml:"-"`
}

// GatewayConfig selects and configures the chat platform.
type GatewayConfig struct {
	Kind    string        `json:"kind,omitempty" yaml:"kind,omitempty"` // "discord"|"web"
	Discord DiscordConfig `json:"discord" yaml:"discord"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
	// AllowedUsers restricts who may talk to the bot. Empty allows everyone.
	AllowedUsers []string `json:"allowedUsers,omitempty" yaml:"allowedUsers,omitempty"`
	// Channels restricts which channels the bot listens in. Empty listens everywhere.
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// AgentConfig describes how the agent subprocess is launched.
type AgentConfig struct {
	Binary    string   `json:"binary,omitempty" yaml:"binary,omitempty"`
	Model     string   `json:"model,omitempty" yaml:"model,omitempty"`
	ExtraArgs []string `json:"extraArgs,omitempty" yaml:"extraArgs,omitempty"`
	// ProjectsDir is where the agent keeps its per-session transcripts.
	ProjectsDir string `json:"projectsDir,omitempty" yaml:"projectsDir,omitempty"`
}

// StreamConfig tunes live message editing.
type StreamConfig struct {
	IntervalMs       int `json:"intervalMs,omitempty" yaml:"intervalMs,omitempty"`
	MaxMessageLength int `json:"maxMessageLength,omitempty" yaml:"maxMessageLength,omitempty"`
	FollowUpDelayMs  int `json:"followUpDelayMs,omitempty" yaml:"followUpDelayMs,omitempty"`
	BackoffBaseMs    int `json:"backoffBaseMs,omitempty" yaml:"backoffBaseMs,omitempty"`
	BackoffMaxMs     int `json:"backoffMaxMs,omitempty" yaml:"backoffMaxMs,omitempty"`
}

// Interval returns the minimum time between edits.
func (s StreamConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// FollowUpDelay returns the pause between split follow-up messages.
func (s StreamConfig) FollowUpDelay() time.Duration {
	return time.Duration(s.FollowUpDelayMs) * time.Millisecond
}

// BackoffBase returns the first rate-limit backoff delay.
func (s StreamConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the backoff ceiling.
func (s StreamConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMs) * time.Millisecond
}

// ApprovalConfig is the approval policy. It can be reloaded at runtime.
type ApprovalConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	// DangerousTools are glob patterns of tool names requiring approval.
	DangerousTools []string `json:"dangerousTools,omitempty" yaml:"dangerousTools,omitempty"`
	// Bash maps command patterns to "allow"|"ask"|"deny".
	Bash map[string]string `json:"bash,omitempty" yaml:"bash,omitempty"`
	// AllowedUsers may decide approvals. Empty allows everyone.
	AllowedUsers []string `json:"allowedUsers,omitempty" yaml:"allowedUsers,omitempty"`
}

// Timeout returns the approval timeout.
func (a ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver   string `json:"driver,omitempty" yaml:"driver,omitempty"` // "file"|"redis"
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	RedisURL string `json:"redisURL,omitempty" yaml:"redisURL,omitempty"`
	RedisKey string `json:"redisKey,omitempty" yaml:"redisKey,omitempty"`
}

// CommandConfig is a chat command backed by a prompt template.
type CommandConfig struct {
	Template    string `json:"template" yaml:"template"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
	File   bool   `json:"file,omitempty" yaml:"file,omitempty"`
	Dir    string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// DefaultDangerousTools are the agent tools gated by default.
var DefaultDangerousTools = []string{"Bash", "Write", "Edit", "MultiEdit", "NotebookEdit", "mcp__*"}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{Kind: "discord"},
		Server:  ServerConfig{Host: "127.0.0.1", Port: 4097},
		Agent:   AgentConfig{Binary: "claude"},
		Stream: StreamConfig{
			IntervalMs:       1500,
			MaxMessageLength: 2000,
			FollowUpDelayMs:  500,
			BackoffBaseMs:    1000,
			BackoffMaxMs:     30000,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 300,
			DangerousTools: append([]string(nil), DefaultDangerousTools...),
		},
		Store: StoreConfig{Driver: "file", RedisKey: "agentrelay:sessions"},
		Log:   LogConfig{Level: "INFO"},
	}
}
