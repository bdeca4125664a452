package saga

import (
	"fmt"
	"strings"
)

// Format renders events one per line for the CLI and logs.
func Format(events []Event) string {
	var b strings.Builder
	for _, evt := range events {
		ts := evt.Timestamp.Format("15:04:05")
		fmt.Fprintf(&b, "%s %s %s\n", ts, actionIcon(evt.Action), evt.Message)
	}
	return b.String()
}

func actionIcon(action string) string {
	switch action {
	case "step.start":
		return "▶"
	case "step.complete":
		return "✓"
	case "step.failed":
		return "✗"
	case "run.phase":
		return "»"
	default:
		return "·"
	}
}
