package core

import (
	"time"

	"estatecrm/internal/localstate"
	"estatecrm/internal/remote"
	"estatecrm/pkg/domain"
)

// Logger is the structured logging surface used by the store, the outbox and
// the subscription manager. Args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NoopLogger returns a Logger that discards everything.
func NoopLogger() Logger { return noopLogger{} }

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// MetricsRecorder receives store diagnostics.
type MetricsRecorder interface {
	RemoteWrite(collection string, err error)
	LocalPersist(usage localstate.Usage, err error)
	NotificationSent(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RemoteWrite(string, error)            {}
func (noopMetrics) LocalPersist(localstate.Usage, error) {}
func (noopMetrics) NotificationSent(string)              {}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source used to stamp records.
func WithClock(c Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPersistence sets the local snapshot adapter.
func WithPersistence(a localstate.Adapter) Option {
	return func(s *Store) { s.local = a }
}

// WithRemote sets the remote document store. Unless WithOutbox is also given,
// the store starts and owns an outbox writing to it.
func WithRemote(r remote.Adapter) Option {
	return func(s *Store) { s.remote = r }
}

// WithOutbox routes remote writes through a caller-managed outbox.
func WithOutbox(o *Outbox) Option {
	return func(s *Store) { s.outbox = o }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithIDGenerator overrides the generator for new record IDs.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithEffects replaces the default derived effects.
func WithEffects(effects ...Effect) Option {
	return func(s *Store) { s.engine = domain.NewEffectEngine(effects...) }
}
