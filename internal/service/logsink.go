package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

const (
	defaultLogBufferSize    = 1024
	defaultLogBatchSize     = 256
	defaultLogFlushInterval = 2 * time.Second

	// logFlushTimeout bounds one bulk insert so a stuck database cannot wedge
	// the flush loop forever.
	logFlushTimeout = 5 * time.Second
)

// LogSinkOptions groups dependencies for LogSink.
type LogSinkOptions struct {
	Repo core.LogRepository // Required: log data operations

	// BufferSize is the enqueue channel capacity. Zero uses the default.
	BufferSize int
	// BatchSize flushes the buffer once this many entries accumulate. Zero
	// uses the default.
	BatchSize int
	// FlushInterval flushes whatever is buffered on this cadence. Zero uses
	// the default.
	FlushInterval time.Duration

	TimeProvider data.TimeProvider // Optional: defaults to real time
	Logger       *slog.Logger      // Optional: structured logger
}

// LogSink buffers operational log entries and bulk-inserts them in batches.
// Log never blocks the pipeline: when the buffer is full or the sink is
// closed the entry is dropped and counted, surfaced only through slog. The
// write path stays decoupled from database latency.
type LogSink struct {
	repo          core.LogRepository
	batchSize     int
	flushInterval time.Duration
	timeProvider  data.TimeProvider
	logger        *slog.Logger

	entries chan model.LogEntry
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewLogSink constructs a new LogSink and starts its flush loop.
func NewLogSink(opts LogSinkOptions) (*LogSink, error) {
	if opts.Repo == nil {
		return nil, errors.New("LogRepository is required")
	}

	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultLogBufferSize
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultLogBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultLogFlushInterval
	}
	timeProvider := opts.TimeProvider
	if timeProvider == nil {
		timeProvider = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "log_sink")
	}

	s := &LogSink{
		repo:          opts.Repo,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		timeProvider:  timeProvider,
		logger:        logger,
		entries:       make(chan model.LogEntry, bufferSize),
		done:          make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Log enqueues one entry for batched insertion. Invalid entries and entries
// that do not fit the buffer are dropped, never blocking the caller.
func (s *LogSink) Log(ctx context.Context, entry model.LogEntry) {
	if err := entry.Validate(); err != nil {
		s.dropped.Add(1)
		if s.logger != nil {
			s.logger.WarnContext(ctx, "dropping invalid log entry",
				"operation", entry.Operation, "level", entry.Level, "error", err)
		}
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.timeProvider.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.entries <- entry:
	default:
		s.dropped.Add(1)
		if s.logger != nil {
			s.logger.WarnContext(ctx, "log buffer full, dropping entry",
				"operation", entry.Operation, "level", entry.Level)
		}
	}
}

// Query lists buffered-and-flushed entries for the ops surface. Entries still
// sitting in the buffer are not visible until the next flush.
func (s *LogSink) Query(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error) {
	q.Sanitize()
	entries, err := s.repo.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return entries, nil
}

// ErrorCounts aggregates error-and-above entries per operation since the
// given time.
func (s *LogSink) ErrorCounts(ctx context.Context, since time.Time) (map[model.Operation]int64, error) {
	counts, err := s.repo.CountErrorsByOperation(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count errors by operation: %w", err)
	}
	return counts, nil
}

// Dropped returns the number of entries dropped since the sink started.
func (s *LogSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting entries, flushes everything still buffered, and waits
// for the flush loop to exit. Safe to call more than once.
func (s *LogSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.entries)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *LogSink) flushLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]model.LogEntry, 0, s.batchSize)
	for {
		select {
		case entry, ok := <-s.entries:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch. A failed batch is dropped and counted; the log
// stream is lossy by contract, the pipeline is not.
func (s *LogSink) flush(batch []model.LogEntry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), logFlushTimeout)
	defer cancel()

	if err := s.repo.BulkInsert(ctx, batch); err != nil {
		s.dropped.Add(int64(len(batch)))
		if s.logger != nil {
			s.logger.Warn("log flush failed, dropping batch",
				"entries", len(batch), "error", err)
		}
	}
}
