package command

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

var (
	namedArgRe   = regexp.MustCompile(`--(\w+)(?:=(\S+)|(?:\s+([^-\s]\S*))?)`)
	bracedVarRe  = regexp.MustCompile(`\$\{(\w+)\}`)
	plainVarRe   = regexp.MustCompile(`\$(\w+)`)
	errNotPrompt = errors.New("command has no prompt template")
)

// Expand renders the prompt of a prompt command for the given arguments.
func (r *Registry) Expand(name, args string) (string, error) {
	cmd, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("command not found: %s", name)
	}
	if cmd.Builtin() || cmd.Template == "" {
		return "", fmt.Errorf("/%s: %w", cmd.Name, errNotPrompt)
	}

	ctx := buildTemplateContext(parseArguments(args), r.workDir)
	prompt, err := executeTemplate(cmd.Template, ctx)
	if err != nil {
		return "", fmt.Errorf("/%s: %w", cmd.Name, err)
	}
	return strings.TrimSpace(prompt), nil
}

// parseArguments splits args into $input, positional $1..$n and named
// --key=value arguments.
func parseArguments(args string) map[string]string {
	result := make(map[string]string)
	result["input"] = strings.TrimSpace(args)

	for i, part := range strings.Fields(args) {
		result[strconv.Itoa(i+1)] = part
	}

	for _, match := range namedArgRe.FindAllStringSubmatch(args, -1) {
		value := match[2]
		if value == "" {
			value = match[3]
		}
		if value == "" {
			value = "true"
		}
		result[match[1]] = value
	}
	return result
}

func buildTemplateContext(args map[string]string, workDir string) map[string]any {
	ctx := make(map[string]any, len(args)+2)
	for k, v := range args {
		ctx[k] = v
	}
	ctx["args"] = args
	ctx["workDir"] = workDir
	return ctx
}

// executeTemplate runs tmplStr as a Go template, then expands $var
// references. Arguments are substituted last so they are never parsed as
// template actions. Text that is not a valid template is only expanded.
func executeTemplate(tmplStr string, ctx map[string]any) (string, error) {
	tmpl, err := template.New("command").Funcs(templateFuncs()).Parse(tmplStr)
	if err != nil {
		return expandSimpleVariables(tmplStr, ctx), nil
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", err
	}
	return expandSimpleVariables(buf.String(), ctx), nil
}

// expandSimpleVariables expands ${name} and $name. Unknown names are left
// as written.
func expandSimpleVariables(s string, ctx map[string]any) string {
	lookup := func(match, name string) string {
		if val, ok := ctx[name]; ok {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return match
	}
	s = bracedVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return lookup(match, match[2:len(match)-1])
	})
	return plainVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return lookup(match, match[1:])
	})
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"default": func(defaultVal, val string) string {
			if val == "" {
				return defaultVal
			}
			return val
		},
		"trim":    strings.TrimSpace,
		"upper":   strings.ToUpper,
		"lower":   strings.ToLower,
		"replace": strings.ReplaceAll,
		"split":   strings.Split,
		"join":    strings.Join,
	}
}
