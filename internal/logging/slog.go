package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ServiceName tags records shipped to OTel and Graylog.
const ServiceName = "felt"

// Indirections for tests capturing console output.
var (
	osStdout io.Writer = os.Stdout
	osPipe             = os.Pipe
)

// Option configures SlogManager.Setup.
type Option func(*setupOptions)

type setupOptions struct {
	graylogAddress string
	context        ContextProvider
}

// WithGraylog also ships records to a GELF UDP input.
func WithGraylog(address string) Option {
	return func(o *setupOptions) {
		o.graylogAddress = address
	}
}

// WithContext adds the provider's attributes to every record.
func WithContext(provider ContextProvider) Option {
	return func(o *setupOptions) {
		o.context = provider
	}
}

// SlogManager manages slog-based logging with optional OTel and Graylog sinks.
type SlogManager struct {
	mu     sync.Mutex
	logger *slog.Logger

	// OTel provider for flushing
	logProvider *sdklog.LoggerProvider
	closers     []io.Closer
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup (re)builds the logger. Records go to file when given, otherwise to
// stdout, plus the OTel provider and Graylog when configured. Sinks of a
// previous Setup are closed.
func (m *SlogManager) Setup(file io.Writer, level string, provider *sdklog.LoggerProvider, opts ...Option) {
	var o setupOptions
	for _, opt := range opts {
		opt(&o)
	}
	lvl := parseLevel(level)

	// Common handler options with RFC3339 time formatting
	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler
	if file != nil {
		handlers = append(handlers, slog.NewTextHandler(file, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(osStdout, handlerOpts))
	}

	if provider != nil {
		handlers = append(handlers, otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(provider)))
	}

	var closers []io.Closer
	var graylogErr error
	if o.graylogAddress != "" {
		h, closer, err := NewGraylogHandler(o.graylogAddress, handlerOpts)
		if err != nil {
			graylogErr = err
		} else {
			handlers = append(handlers, h)
			closers = append(closers, closer)
		}
	}

	var handler slog.Handler = NewFanoutHandler(handlers...)
	if o.context != nil {
		handler = NewContextHandler(handler, o.context)
	}

	m.mu.Lock()
	old := m.closers
	m.logger = slog.New(handler)
	m.logProvider = provider
	m.closers = closers
	logger := m.logger
	m.mu.Unlock()

	for _, c := range old {
		_ = c.Close()
	}

	if graylogErr != nil {
		logger.Warn("Graylog disabled", "error", graylogErr)
	}
	logger.Info("Logging initialized", "level", level)
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logger == nil {
		// Return a default logger if Setup hasn't been called
		return slog.Default()
	}
	return m.logger
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	provider := m.logProvider
	m.mu.Unlock()
	if provider != nil {
		return provider.ForceFlush(ctx)
	}
	return nil
}

// Close releases network sinks.
func (m *SlogManager) Close() error {
	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
