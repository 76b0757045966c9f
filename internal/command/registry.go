package command

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/pkg/types"
)

// Built-in command names.
const (
	Clear   = "clear"
	Rewind  = "rewind"
	Compact = "compact"
	Status  = "status"
	Stop    = "stop"
	Help    = "help"
)

// Command is a command a user can invoke.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Usage is the argument synopsis shown by /help.
	Usage    string `json:"usage,omitempty"`
	Template string `json:"template,omitempty"`
	Source   string `json:"source"` // "builtin", "config" or "file"
}

// Builtin reports whether the relay handles the command itself.
func (c *Command) Builtin() bool {
	return c.Source == "builtin"
}

// Invocation is a parsed command line.
type Invocation struct {
	Name string
	Args string
}

// Parse recognises a command line: a slash followed by a name, then
// optional arguments. Names are case-insensitive.
func Parse(content string) (Invocation, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "/") {
		return Invocation{}, false
	}
	name, args := content[1:], ""
	if i := strings.IndexFunc(name, unicode.IsSpace); i >= 0 {
		name, args = name[:i], name[i:]
	}
	// A path such as /usr/bin is not a command.
	if name == "" || strings.Contains(name, "/") {
		return Invocation{}, false
	}
	return Invocation{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}, true
}

// BuiltinCommands returns the commands the relay handles itself.
func BuiltinCommands() []*Command {
	return []*Command{
		{Name: Clear, Description: "Forget the agent session and start fresh", Source: "builtin"},
		{Name: Rewind, Usage: "[n]", Description: "Undo the last n turns (default 1)", Source: "builtin"},
		{Name: Compact, Description: "Show how many turns can be rewound", Source: "builtin"},
		{Name: Status, Description: "Show the session, history and pending approvals", Source: "builtin"},
		{Name: Stop, Description: "Abort the running turn", Source: "builtin"},
		{Name: Help, Description: "List available commands", Source: "builtin"},
	}
}

// Registry holds every command available in a conversation.
type Registry struct {
	workDir  string
	config   map[string]types.CommandConfig
	commands map[string]*Command
}

// NewRegistry creates a registry with the built-ins, the configured prompt
// commands and the markdown commands under workDir. A prompt command may
// not shadow a built-in.
func NewRegistry(workDir string, config map[string]types.CommandConfig) *Registry {
	r := &Registry{workDir: workDir, config: config}
	r.Reload()
	return r
}

// Reload rebuilds the registry from its sources.
func (r *Registry) Reload() {
	r.commands = make(map[string]*Command)
	r.loadFromConfig()
	r.loadFromFiles()
	for _, cmd := range BuiltinCommands() {
		r.commands[cmd.Name] = cmd
	}
}

func (r *Registry) loadFromConfig() {
	for name, cfg := range r.config {
		name = strings.ToLower(name)
		r.commands[name] = &Command{
			Name:        name,
			Description: cfg.Description,
			Template:    cfg.Template,
			Source:      "config",
		}
	}
}

// loadFromFiles loads commands from .agentrelay/command/.
func (r *Registry) loadFromFiles() {
	if r.workDir == "" {
		return
	}
	commandDir := filepath.Join(r.workDir, ".agentrelay", "command")
	if _, err := os.Stat(commandDir); os.IsNotExist(err) {
		return
	}

	err := filepath.Walk(commandDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}

		cmd, parseErr := parseMarkdownCommand(path)
		if parseErr != nil {
			logging.Warn().Err(parseErr).Str("path", path).Msg("skipping command file")
			return nil
		}

		relPath, _ := filepath.Rel(commandDir, path)
		name := strings.TrimSuffix(relPath, ".md")
		name = strings.ReplaceAll(name, string(filepath.Separator), ":")

		cmd.Name = strings.ToLower(name)
		cmd.Source = "file"
		r.commands[cmd.Name] = cmd
		return nil
	})
	if err != nil {
		logging.Warn().Err(err).Str("dir", commandDir).Msg("failed to walk command directory")
	}
}

// parseMarkdownCommand reads a markdown command with optional frontmatter.
func parseMarkdownCommand(path string) (*Command, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cmd := &Command{}
	lines := strings.Split(string(content), "\n")
	var templateLines []string
	inFrontmatter := false
	frontmatterDone := false

	for i, line := range lines {
		if i == 0 && strings.TrimSpace(line) == "---" {
			inFrontmatter = true
			continue
		}
		if inFrontmatter && strings.TrimSpace(line) == "---" {
			inFrontmatter = false
			frontmatterDone = true
			continue
		}

		if inFrontmatter {
			key, value, ok := strings.Cut(line, ":")
			if ok && strings.TrimSpace(key) == "description" {
				cmd.Description = strings.Trim(strings.TrimSpace(value), "\"'")
			}
		} else {
			templateLines = append(templateLines, line)
		}
	}

	if !frontmatterDone {
		cmd.Template = strings.TrimSpace(string(content))
	} else {
		cmd.Template = strings.TrimSpace(strings.Join(templateLines, "\n"))
	}
	if cmd.Template == "" {
		return nil, fmt.Errorf("empty command template")
	}
	return cmd, nil
}

// Get returns a command by name.
func (r *Registry) Get(name string) (*Command, bool) {
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// List returns all commands, built-ins first, each group sorted by name.
func (r *Registry) List() []*Command {
	commands := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool {
		if commands[i].Builtin() != commands[j].Builtin() {
			return commands[i].Builtin()
		}
		return commands[i].Name < commands[j].Name
	})
	return commands
}

// maxSuggestDistance is the largest edit distance still offered as a
// suggestion.
const maxSuggestDistance = 2

// Suggest returns the known command closest to name, if any is close
// enough to be a likely typo.
func (r *Registry) Suggest(name string) (string, bool) {
	name = strings.ToLower(name)
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, cmd := range r.List() {
		d := levenshtein.ComputeDistance(name, cmd.Name)
		if d < bestDist || (d == bestDist && cmd.Name < best) {
			best, bestDist = cmd.Name, d
		}
	}
	if best == "" || bestDist > maxSuggestDistance || bestDist >= len(name) {
		return "", false
	}
	return best, true
}

// HelpText renders the command list as chat markdown.
func (r *Registry) HelpText() string {
	var sb strings.Builder
	sb.WriteString("**Commands**\n")
	for _, cmd := range r.List() {
		sb.WriteString("`/")
		sb.WriteString(cmd.Name)
		if cmd.Usage != "" {
			sb.WriteString(" ")
			sb.WriteString(cmd.Usage)
		}
		sb.WriteString("`")
		if cmd.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(cmd.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Anything else is sent to the agent.")
	return sb.String()
}
