package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithFlow adds flow_id context to the logger.
func (l *Logger) WithFlow(flowID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("flow_id", flowID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// FlowCreated logs flow admission.
func (l *Logger) FlowCreated(flowID string, fixedLength bool, length uint64) {
	l.logger.Info().
		Str("flow_id", flowID).
		Bool("fixed_length", fixedLength).
		Uint64("length", length).
		Msg("flow created")
}

// ChunkPushed logs a successful chunk push.
func (l *Logger) ChunkPushed(flowID string, index uint64, size int) {
	l.logger.Debug().
		Str("flow_id", flowID).
		Uint64("index", index).
		Int("size", size).
		Msg("chunk pushed")
}

// FlowClosed logs an explicit or implicit close.
func (l *Logger) FlowClosed(flowID string, implicit bool, bytesPushed uint64) {
	l.logger.Info().
		Str("flow_id", flowID).
		Bool("implicit", implicit).
		Uint64("bytes_pushed", bytesPushed).
		Msg("flow closed")
}

// FlowEvicted logs pool eviction of a flow.
func (l *Logger) FlowEvicted(flowID string, reason string) {
	l.logger.Info().
		Str("flow_id", flowID).
		Str("reason", reason).
		Msg("flow evicted")
}

// AuthRejected logs an authorization failure.
func (l *Logger) AuthRejected(flowID string) {
	l.logger.Warn().
		Str("flow_id", flowID).
		Msg("authorization rejected")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
