package executor

import (
	"strings"
)

// shellQuote single-quotes s for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// formatCommand echoes the step command before running it, so the pod log
// starts with the line that was executed.
func formatCommand(command string) string {
	return "echo " + shellQuote(command) + " && " + command
}
