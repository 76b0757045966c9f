package permission

// rulePatterns lists the rule keys that can match cmd, most specific first:
// "git commit *", "git *", "git", "*".
func rulePatterns(cmd BashCommand) []string {
	patterns := make([]string, 0, 4)
	if cmd.Subcommand != "" {
		patterns = append(patterns, cmd.Name+" "+cmd.Subcommand+" *")
	}
	return append(patterns, cmd.Name+" *", cmd.Name, "*")
}

// MatchBashPermission returns the action of the most specific rule that
// matches cmd, or ActionAsk when none does.
func MatchBashPermission(cmd BashCommand, rules map[string]Action) Action {
	for _, pattern := range rulePatterns(cmd) {
		if action, ok := rules[pattern]; ok {
			return action
		}
	}
	return ActionAsk
}

// BuildPattern returns the rule key an "always" answer records for cmd:
// "git commit *" for "git commit -m msg", "ls *" for "ls -la".
func BuildPattern(cmd BashCommand) string {
	return rulePatterns(cmd)[0]
}

// BuildPatterns returns the distinct patterns of commands, skipping cd.
func BuildPatterns(commands []BashCommand) []string {
	seen := make(map[string]bool)
	var patterns []string
	for _, cmd := range commands {
		if cmd.Name == "cd" {
			continue
		}
		pattern := BuildPattern(cmd)
		if !seen[pattern] {
			seen[pattern] = true
			patterns = append(patterns, pattern)
		}
	}
	return patterns
}
