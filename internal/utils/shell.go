package utils

import (
	"strings"

	"github.com/mgutz/str"
)

// ShellQuote wraps s in single quotes for safe interpolation into a POSIX
// shell command line, escaping any embedded single quote by closing the
// quoted string, emitting an escaped quote, and reopening it.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// CommandBinary returns the first argv token of a shell command string,
// the same str.ToArgv split the teacher uses in OSCommand.RunCommand to
// turn a command line into exec.Command's argv form. Here the full
// command is still handed to the session shell as one string (the
// command always runs through `sh -c`, not a direct exec.Command), but
// the leading token is worth pulling out on its own for structured log
// fields — "command" is a BusyBox invocation or a full pipeline either
// way, and a log line naming only the first token groups by binary.
func CommandBinary(command string) string {
	argv := str.ToArgv(command)
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}
