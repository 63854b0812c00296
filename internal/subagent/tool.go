package subagent

import (
	"context"
	"fmt"
	"strings"

	"codeward/internal/tools"
)

// NewDelegationTool builds the parent-side "delegate" tool. One invocation
// may carry several tasks; they run concurrently and their summaries come
// back folded into a single text block.
func NewDelegationTool(s *Scheduler) *tools.Descriptor {
	return &tools.Descriptor{
		Name:        DelegationToolName,
		Origin:      tools.OriginBuiltin,
		Description: "Delegate one or more self-contained tasks to restricted subagents and collect their text results",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"tasks": {
					Type:        "array",
					Description: "Tasks to run concurrently",
					Items: &tools.PropertyItems{
						Type: "object",
					},
				},
			},
			Required: []string{"tasks"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			tasks, err := parseTasks(args["tasks"])
			if err != nil {
				return "", err
			}
			results := s.DelegateAll(ctx, tasks)
			return foldResults(results), nil
		},
	}
}

// parseTasks decodes the loosely-typed tool arguments into Tasks.
func parseTasks(raw any) ([]Task, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("delegate: tasks must be a non-empty array")
	}

	tasks := make([]Task, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("delegate: task %d is not an object", i)
		}
		task := Task{}
		if v, ok := obj["prompt"].(string); ok {
			task.Prompt = v
		}
		if task.Prompt == "" {
			return nil, fmt.Errorf("delegate: task %d has no prompt", i)
		}
		if v, ok := obj["profile"].(string); ok {
			task.Profile = v
		}
		if v, ok := obj["tools"].([]any); ok {
			for _, name := range v {
				s, ok := name.(string)
				if !ok {
					return nil, fmt.Errorf("delegate: task %d has a non-string tool name", i)
				}
				task.Tools = append(task.Tools, s)
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// foldResults renders every task outcome, failures included, as one text
// block. Raw tool-call history never crosses this boundary.
func foldResults(results []TaskResult) string {
	if len(results) == 1 {
		r := results[0]
		if r.Err != nil {
			return fmt.Sprintf("task failed: %v", r.Err)
		}
		return r.Text
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "## Task %d\n", i+1)
		if r.Err != nil {
			fmt.Fprintf(&b, "failed: %v\n", r.Err)
		} else {
			b.WriteString(r.Text)
			b.WriteString("\n")
		}
		if i < len(results)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
