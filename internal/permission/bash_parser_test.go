package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBashCommand_Simple(t *testing.T) {
	commands, err := ParseBashCommand("ls -la")
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.Equal(t, "ls", commands[0].Name)
	assert.Equal(t, []string{"-la"}, commands[0].Args)
	assert.Empty(t, commands[0].Subcommand)
}

func TestParseBashCommand_Lists(t *testing.T) {
	tests := []struct {
		name    string
		command string
		names   []string
	}{
		{"pipeline", "cat file.txt | grep pattern", []string{"cat", "grep"}},
		{"and chain", "git add . && git commit -m 'message'", []string{"git", "git"}},
		{"or chain", "test -f file.txt || touch file.txt", []string{"test", "touch"}},
		{"semicolon", "echo hello; echo world", []string{"echo", "echo"}},
		{"redirect", "echo test > output.txt", []string{"echo"}},
		{"assignment prefix", "FOO=bar ./script.sh", []string{"./script.sh"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commands, err := ParseBashCommand(tt.command)
			require.NoError(t, err)
			var names []string
			for _, c := range commands {
				names = append(names, c.Name)
			}
			assert.Equal(t, tt.names, names)
		})
	}
}

func TestParseBashCommand_Substitution(t *testing.T) {
	commands, err := ParseBashCommand("echo $(pwd)")
	require.NoError(t, err)

	var names []string
	for _, c := range commands {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "pwd", "commands inside substitutions are checked too")
}

func TestParseBashCommand_QuotedStrings(t *testing.T) {
	commands, err := ParseBashCommand(`echo "hello world" 'single quoted'`)
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.Equal(t, []string{"hello world", "single quoted"}, commands[0].Args)
}

func TestParseBashCommand_Subcommand(t *testing.T) {
	tests := []struct {
		command    string
		name       string
		subcommand string
	}{
		{"git commit -m 'msg'", "git", "commit"},
		{"git push origin main", "git", "push"},
		{"git pull --rebase", "git", "pull"},
		{"go test ./...", "go", "test"},
		{"sudo rm -rf /tmp/x", "rm", "/tmp/x"},
		{"sudo -E npm install", "npm", "install"},
		{"nohup ./server &", "./server", ""},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			commands, err := ParseBashCommand(tt.command)
			require.NoError(t, err)
			require.NotEmpty(t, commands)
			assert.Equal(t, tt.name, commands[0].Name)
			assert.Equal(t, tt.subcommand, commands[0].Subcommand)
		})
	}
}

func TestParseBashCommand_Heredoc(t *testing.T) {
	commands, err := ParseBashCommand(`git commit -m "$(cat <<'EOF'
Fix bug in parser
EOF
)"`)
	require.NoError(t, err)
	require.NotEmpty(t, commands)
	assert.Equal(t, "git", commands[0].Name)
	assert.Equal(t, "commit", commands[0].Subcommand)
}

func TestParseBashCommand_Invalid(t *testing.T) {
	_, err := ParseBashCommand(`echo "unclosed`)
	assert.Error(t, err)
}
