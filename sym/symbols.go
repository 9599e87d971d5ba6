// Package sym defines the glyphs attached to agentpulse log lines.
// They are stable across the CLI and logs so lines can be filtered by symbol.
package sym

// System symbols.
const (
	Pulse      = "꩜" // scheduling, rate limiting, dispatch
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Breaker    = "⊘" // circuit breaker transitions
)

// Names maps each glyph to its short name, used by `agentpulse status`.
var Names = map[string]string{
	Pulse:      "pulse",
	PulseOpen:  "pulse-open",
	PulseClose: "pulse-close",
	DB:         "db",
	AM:         "am",
	Breaker:    "breaker",
}
