// Package command parses and resolves the slash commands users type in a
// conversation.
//
// Two kinds of command exist:
//
//  1. Built-ins, handled by the relay itself: /clear, /rewind [n],
//     /compact, /status, /stop and /help.
//  2. Prompt commands, which expand a template into a prompt for the agent.
//     They come from the "command" section of the config or from markdown
//     files in <workdir>/.agentrelay/command/.
//
// # Templates
//
// Prompt templates are Go templates with simple substitution on top:
//
//   - $input or ${input} for everything after the command name
//   - $1, $2, ... for positional arguments
//   - --name=value or --name value for named arguments, read as $name
//   - {{ .workDir }} and the functions default, trim, upper, lower,
//     replace, split and join
//
// # Markdown Command Format
//
// A markdown command may start with frontmatter:
//
//	---
//	description: Review a package
//	---
//	Review the code in ${1} and list the bugs you find.
//
// Nested files are named with colons: review/deep.md becomes
// /review:deep.
//
// # Example Usage
//
//	reg := command.NewRegistry(workDir, cfg.Command)
//	inv, ok := command.Parse("/rewind 2")
//	if ok {
//		cmd, found := reg.Get(inv.Name)
//		if !found {
//			suggestion, _ := reg.Suggest(inv.Name)
//			...
//		}
//	}
package command
