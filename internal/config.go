package internal

import (
	"strconv"
	"sync/atomic"
)

var (
	quietMode   atomic.Bool // Suppresses informational output.
	debugMode   atomic.Bool // Enables debug records.
	verboseMode atomic.Bool // Adds caller information and engine output.
)

// Seeds the mode flags from linker flags.
//
// rawQuiet, rawDebug, and rawVerbose are set via ldflags. Values that do not
// parse as booleans leave the mode disabled.
func init() {
	if v, err := strconv.ParseBool(rawQuiet); err == nil {
		quietMode.Store(v)
	}
	if v, err := strconv.ParseBool(rawDebug); err == nil {
		debugMode.Store(v)
	}
	if v, err := strconv.ParseBool(rawVerbose); err == nil {
		verboseMode.Store(v)
	}
}

// Enables or disables quiet mode.
func SetQuiet(enabled bool) {
	quietMode.Store(enabled)
}

// Returns true if quiet mode is enabled.
func IsQuiet() bool {
	return quietMode.Load()
}

// Enables or disables debug mode.
func SetDebug(enabled bool) {
	debugMode.Store(enabled)
}

// Returns true if debug mode is enabled.
func IsDebug() bool {
	return debugMode.Load()
}

// Enables or disables verbose mode.
func SetVerbose(enabled bool) {
	verboseMode.Store(enabled)
}

// Returns true if verbose mode is enabled.
func IsVerbose() bool {
	return verboseMode.Load()
}
