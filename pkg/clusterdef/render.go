package clusterdef

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// Rendered is a task definition with its templates expanded for one instance
type Rendered struct {
	Environment map[string]string
	Command     []string
	Args        map[string]string
}

// Render expands a task's environment and command for instance num.
// Arguments are layered: cluster args, then invocation args, then the
// fixed keys cluster, name and num.
func (c *Cluster) Render(td *TaskDefinition, args map[string]string, num int) (*Rendered, error) {
	merged := c.Args()
	for k, v := range args {
		merged[k] = v
	}
	merged["cluster"] = c.Name
	merged["name"] = td.Name
	merged["num"] = strconv.Itoa(num)

	out := &Rendered{
		Environment: make(map[string]string, len(td.Environment)),
		Args:        merged,
	}
	for key, value := range td.Environment {
		expanded, err := expand(key, value, merged)
		if err != nil {
			return nil, fmt.Errorf("task %s environment %s: %w", td.Name, key, err)
		}
		out.Environment[key] = expanded
	}
	for i, part := range td.Command {
		expanded, err := expand(fmt.Sprintf("command[%d]", i), part, merged)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", td.Name, err)
		}
		out.Command = append(out.Command, expanded)
	}
	return out, nil
}

func expand(name, text string, args map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, args); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return sb.String(), nil
}
