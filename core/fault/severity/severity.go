// Package severity defines the logging severity levels shared by core/log
// and the error-kind reporting described in the engine's error handling
// design.
package severity

// Level defines the severity of a logging message or error. The levels
// match the ones defined in rfc5424 for syslog.
type Level int32

const (
	// Emergency indicates the system is unusable, no further data should be trusted.
	Emergency Level = 0
	// Alert indicates action must be taken immediately.
	Alert Level = 1
	// Critical indicates errors severe enough to abort the process.
	Critical Level = 2
	// Error indicates a non-terminal failure condition that may affect results.
	Error Level = 3
	// Warning indicates a dropped message or other recoverable protocol issue.
	Warning Level = 4
	// Notice indicates normal but significant conditions.
	Notice Level = 5
	// Info indicates minor informational messages.
	Info Level = 6
	// Debug indicates verbose debug-level messages.
	Debug Level = 7
)

var names = [...]string{
	Emergency: "Emergency",
	Alert:     "Alert",
	Critical:  "Critical",
	Error:     "Error",
	Warning:   "Warning",
	Notice:    "Notice",
	Info:      "Info",
	Debug:     "Debug",
}

// String returns the name of the severity level.
func (l Level) String() string {
	if int(l) < 0 || int(l) >= len(names) {
		return "Unknown"
	}
	return names[l]
}
