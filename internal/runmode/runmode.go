// Package runmode holds process-wide toggles and fallback constants as
// package-level mutable vars.
package runmode

import "time"

const (
	// DefaultHandshakeTimeout is used before config loads.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultTurnTimeout is used before config loads.
	DefaultTurnTimeout = 30 * time.Second
	// DefaultMaxPayloadBytes is used before config loads.
	DefaultMaxPayloadBytes = 1048576
)

var (
	// Fixed, when true, makes the turn handler answer every exchange with a
	// canned echo instead of waiting on a peer. Load tests flip this on to
	// exercise the HTTP/adapter path without needing two real clients.
	Fixed = false
)

// SetFixedMode toggles the canned-echo load-test mode.
func SetFixedMode(enabled bool) {
	Fixed = enabled
}
