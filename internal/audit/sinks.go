package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// LogSink writes events to a structured logger. Denials log at warn.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// LogEvent implements Sink.
func (s *LogSink) LogEvent(ctx context.Context, event SecurityEvent) error {
	level := slog.LevelInfo
	if !event.Allowed {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "security event",
		slog.String("event_id", event.ID.String()),
		slog.String("identity_id", event.IdentityID),
		slog.String("action", event.Action),
		slog.String("resource", event.Resource),
		slog.String("ip", event.IP),
		slog.String("session", event.SessionFingerprint),
		slog.String("stage", event.Stage),
		slog.String("reason", event.Reason),
		slog.String("detail", event.Detail),
		slog.Bool("allowed", event.Allowed),
	)
	return nil
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

// LogEvent implements Sink.
func (m MultiSink) LogEvent(ctx context.Context, event SecurityEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.LogEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrSinkClosed is returned by AsyncSink after Close.
var ErrSinkClosed = errors.New("audit: sink closed")

// AsyncSink decouples the hot path from a slow sink through a bounded queue.
// When the queue is full the event is dropped and counted.
type AsyncSink struct {
	next   Sink
	logger *slog.Logger
	queue  chan SecurityEvent

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewAsyncSink starts a worker draining into next.
func NewAsyncSink(next Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AsyncSink{
		next:   next,
		logger: logger,
		queue:  make(chan SecurityEvent, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// LogEvent enqueues without blocking.
func (s *AsyncSink) LogEvent(_ context.Context, event SecurityEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- event:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("security event dropped", slog.Int64("dropped_total", n))
		}
	}
	return nil
}

// Dropped returns the number of events discarded because the queue was full.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until the queue is drained or ctx ends.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for event := range s.queue {
		if err := s.next.LogEvent(context.Background(), event); err != nil {
			s.logger.Error("persist security event", slog.String("event_id", event.ID.String()), slog.Any("error", err))
		}
	}
}
