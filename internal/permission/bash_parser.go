package permission

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// BashCommand is one simple command of a shell line.
type BashCommand struct {
	Name string
	Args []string
	// Subcommand is the first non-flag argument, "commit" in "git commit".
	Subcommand string
}

// ParseBashCommand returns every simple command in a shell line, including
// those inside pipelines, lists and command substitutions.
func ParseBashCommand(command string) ([]BashCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse bash command: %w", err)
	}

	var commands []BashCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})
	return commands, nil
}

// wrappers run their arguments as a command. Rules apply to the wrapped
// command so "sudo rm -rf x" is judged as rm.
var wrappers = map[string]bool{
	"sudo":    true,
	"nohup":   true,
	"time":    true,
	"nice":    true,
	"command": true,
	"exec":    true,
}

func extractCommand(call *syntax.CallExpr) *BashCommand {
	words := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		words = append(words, wordToString(w))
	}
	for len(words) > 1 && wrappers[words[0]] {
		words = words[1:]
		for len(words) > 1 && strings.HasPrefix(words[0], "-") {
			words = words[1:]
		}
	}
	if len(words) == 0 || words[0] == "" {
		return nil
	}

	cmd := &BashCommand{Name: words[0], Args: words[1:]}
	for _, arg := range cmd.Args {
		if !strings.HasPrefix(arg, "-") {
			cmd.Subcommand = arg
			break
		}
	}
	return cmd
}

// wordToString flattens a word. Expansions are kept as placeholders since
// their value is unknown until the shell runs.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}
