package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the kernel-wide base logger. Init replaces it at boot; every
// With* helper derives a child from whatever it currently holds.
var Logger zerolog.Logger

// Level is one of the four severities accepted by Config.Level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects Init's verbosity and output encoding.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to os.Stdout
}

// Init installs the global logger used by Logger and every With* helper.
// JSONOutput picks structured JSON lines (production); otherwise a
// zerolog.ConsoleWriter renders human-readable lines (local/dev).
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent scopes a logger to a kernel subsystem, e.g. "cron", "vfs",
// "dispatcher". Every background loop and manager logs under one.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithPID scopes a logger to a single process table entry, for lines tied
// to one agent's lifecycle (spawn, signal, reap) rather than a subsystem.
func WithPID(pid int) zerolog.Logger {
	return Logger.With().Int("pid", pid).Logger()
}

// WithOwnerID scopes a logger to an agent's owner uid (agent_<pid>), used
// by filesystem and memory operations that are keyed by uid, not PID.
func WithOwnerID(ownerID string) zerolog.Logger {
	return Logger.With().Str("owner_id", ownerID).Logger()
}

// WithTopic scopes a logger to a bus event topic, used by the trigger and
// webhook engines when logging what they matched against.
func WithTopic(topic string) zerolog.Logger {
	return Logger.With().Str("topic", topic).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorf logs err under msg at error level.
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
