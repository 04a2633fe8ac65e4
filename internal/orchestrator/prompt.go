package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/attache/internal/capability"
	"github.com/kalambet/attache/internal/task"
)

const directive = `You are working through the user's open tasks in the background.
For each task, decide whether recent events or the tools available to you let you move it forward. Take the next concrete step with the tools, record what you learned in the task context, and set its status: completed when done, waiting when blocked on someone else, failed when it cannot be done.
Leave a task untouched when nothing has changed for it. Do not create new tasks. Finish with a short summary of what you did.`

// RenderPassPrompt lists the open tasks with their context, followed by
// the events fetched for this pass.
func RenderPassPrompt(now time.Time, open []task.Task, events []capability.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\nOpen tasks:\n", now.UTC().Format(time.RFC3339))
	for i, t := range open {
		fmt.Fprintf(&b, "%d. [%s] %s (id %s, updated %s)\n", i+1, t.Status, t.Description, t.ID, t.UpdatedAt.UTC().Format("2006-01-02 15:04"))
		if t.Context != nil && t.Context.Len() > 0 {
			fmt.Fprintf(&b, "   context: %s\n", t.Context)
		}
	}
	b.WriteString("\nRecent events:\n")
	if len(events) == 0 {
		b.WriteString("none\n")
	}
	for i, ev := range events {
		fmt.Fprintf(&b, "%d. [%s %s at %s] %s\n", i+1, ev.Capability, ev.Kind, ev.OccurredAt.UTC().Format("2006-01-02 15:04"), ev.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}
