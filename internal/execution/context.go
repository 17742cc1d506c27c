package execution

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
)

// BuildContext assembles what a task is told before it runs: its own context
// entries, then the recorded output of each completed predecessor in
// declared dependency order, then its description. Predecessors that have
// not completed are skipped; enforcing completion is the executor's job.
func BuildContext(task *crew.Task, predecessors []crew.Task) []string {
	byID := make(map[int64]*crew.Task, len(predecessors))
	for i := range predecessors {
		byID[predecessors[i].ID] = &predecessors[i]
	}

	entries := make([]string, 0, len(task.Context)+len(predecessors)+1)
	entries = append(entries, task.Context...)

	seen := make(map[int64]bool, len(task.DependsOn))
	for _, id := range task.DependsOn {
		p, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		if p.Status != crew.TaskCompleted {
			continue
		}
		entries = append(entries, fmt.Sprintf("Output from %s: %s", p.Name, renderOutput(p)))
	}

	if desc := strings.TrimSpace(task.Description); desc != "" {
		entries = append(entries, desc)
	}
	return entries
}

// FormatContext joins context entries into the prompt text handed to the
// agent backend.
func FormatContext(entries []string) string {
	return strings.Join(entries, "\n\n")
}

func renderOutput(t *crew.Task) string {
	if v, ok := t.Result(); ok {
		if s, isString := v.(string); isString {
			return s
		}
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
	}
	if len(t.OutputData) > 0 {
		if data, err := json.Marshal(t.OutputData); err == nil {
			return string(data)
		}
	}
	return t.OutputFile
}
