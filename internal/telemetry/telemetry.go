package telemetry

import "github.com/rs/zerolog/log"

// Event logs a structured telemetry event. Sensitive values must be omitted
// by callers; the logx redactor is a backstop, not the primary defense.
func Event(name string, fields map[string]string) {
	e := log.Info().Str("event", name)
	for k, v := range fields {
		e = e.Str(k, v)
	}
	e.Msg("telemetry")
}
