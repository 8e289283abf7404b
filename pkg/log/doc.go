/*
Package log provides the kernel's structured logging: a package-global
zerolog.Logger configured once via Init, plus scoped child loggers for the
identifiers every subsystem tags its log lines with.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	log.WithComponent("cron").Info().Msg("tick")
	log.WithPID(42).Warn().Err(err).Msg("reap failed")
	log.WithOwnerID("agent_42").Info().Msg("home created")
	log.WithTopic("process.exit").Debug().Msg("delivered")

JSONOutput selects zerolog's native JSON encoder for production; console
output (human-readable, timestamped) is used otherwise for local/dev runs.
Fields attached via the With* helpers (component, pid, owner_id, topic) are
carried by every subsequent call on the returned child logger, so a single
WithPID(pid) logger can be threaded through a whole request without
repeating the field at every call site.
*/
package log
