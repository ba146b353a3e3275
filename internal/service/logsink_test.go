package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

type stubLogRepo struct {
	bulkInsertFn    func(ctx context.Context, entries []model.LogEntry) error
	queryFn         func(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error)
	countErrorsFn   func(ctx context.Context, since time.Time) (map[model.Operation]int64, error)
	deleteExpiredFn func(ctx context.Context, params core.DeleteExpiredLogsParams) (int64, error)
}

var _ core.LogRepository = (*stubLogRepo)(nil)

func (s *stubLogRepo) BulkInsert(ctx context.Context, entries []model.LogEntry) error {
	if s.bulkInsertFn != nil {
		return s.bulkInsertFn(ctx, entries)
	}
	return nil
}

func (s *stubLogRepo) Query(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error) {
	if s.queryFn != nil {
		return s.queryFn(ctx, q)
	}
	return nil, nil
}

func (s *stubLogRepo) CountErrorsByOperation(ctx context.Context, since time.Time) (map[model.Operation]int64, error) {
	if s.countErrorsFn != nil {
		return s.countErrorsFn(ctx, since)
	}
	return nil, nil
}

func (s *stubLogRepo) DeleteExpired(ctx context.Context, params core.DeleteExpiredLogsParams) (int64, error) {
	if s.deleteExpiredFn != nil {
		return s.deleteExpiredFn(ctx, params)
	}
	return 0, nil
}

// capturingLogRepo sends a copy of every flushed batch on a channel so tests
// can wait for flushes without polling.
func capturingLogRepo(batches chan []model.LogEntry) *stubLogRepo {
	return &stubLogRepo{
		bulkInsertFn: func(_ context.Context, entries []model.LogEntry) error {
			batches <- append([]model.LogEntry(nil), entries...)
			return nil
		},
	}
}

func fetchLogEntry() model.LogEntry {
	return model.LogEntry{
		Operation: model.OpFetch,
		Level:     model.LogInfo,
		Target:    "https://boards.example.com/page/1",
	}
}

func waitForBatch(t *testing.T, batches chan []model.LogEntry) []model.LogEntry {
	t.Helper()
	select {
	case batch := <-batches:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a flush")
		return nil
	}
}

func TestNewLogSink(t *testing.T) {
	t.Run("requires repository", func(t *testing.T) {
		_, err := NewLogSink(LogSinkOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LogRepository is required")
	})
}

func TestLogSinkFlush(t *testing.T) {
	ctx := context.Background()

	t.Run("flushes when the batch fills", func(t *testing.T) {
		batches := make(chan []model.LogEntry, 4)
		sink, err := NewLogSink(LogSinkOptions{
			Repo:          capturingLogRepo(batches),
			BatchSize:     2,
			FlushInterval: time.Hour,
		})
		require.NoError(t, err)
		defer sink.Close()

		sink.Log(ctx, fetchLogEntry())
		sink.Log(ctx, fetchLogEntry())

		batch := waitForBatch(t, batches)
		assert.Len(t, batch, 2)
		assert.Equal(t, model.OpFetch, batch[0].Operation)
	})

	t.Run("flushes on the interval", func(t *testing.T) {
		batches := make(chan []model.LogEntry, 4)
		sink, err := NewLogSink(LogSinkOptions{
			Repo:          capturingLogRepo(batches),
			BatchSize:     100,
			FlushInterval: 20 * time.Millisecond,
		})
		require.NoError(t, err)
		defer sink.Close()

		sink.Log(ctx, fetchLogEntry())

		batch := waitForBatch(t, batches)
		assert.Len(t, batch, 1)
	})

	t.Run("close flushes the remainder", func(t *testing.T) {
		batches := make(chan []model.LogEntry, 4)
		sink, err := NewLogSink(LogSinkOptions{
			Repo:          capturingLogRepo(batches),
			BatchSize:     100,
			FlushInterval: time.Hour,
		})
		require.NoError(t, err)

		sink.Log(ctx, fetchLogEntry())
		sink.Log(ctx, fetchLogEntry())
		sink.Log(ctx, fetchLogEntry())
		sink.Close()

		// Close waits for the flush loop, so the batch is already delivered.
		select {
		case batch := <-batches:
			assert.Len(t, batch, 3)
		default:
			t.Fatal("expected a final flush on close")
		}
	})

	t.Run("stamps missing created_at", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		batches := make(chan []model.LogEntry, 4)
		sink, err := NewLogSink(LogSinkOptions{
			Repo:          capturingLogRepo(batches),
			FlushInterval: time.Hour,
			TimeProvider:  data.NewFixedTimeProvider(now),
		})
		require.NoError(t, err)

		stamped := fetchLogEntry()
		stamped.CreatedAt = now.Add(-time.Minute)
		sink.Log(ctx, fetchLogEntry())
		sink.Log(ctx, stamped)
		sink.Close()

		batch := waitForBatch(t, batches)
		require.Len(t, batch, 2)
		assert.True(t, batch[0].CreatedAt.Equal(now))
		assert.True(t, batch[1].CreatedAt.Equal(now.Add(-time.Minute)), "caller timestamps are kept")
	})
}

func TestLogSinkDrops(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid entries are dropped", func(t *testing.T) {
		batches := make(chan []model.LogEntry, 4)
		sink, err := NewLogSink(LogSinkOptions{
			Repo:          capturingLogRepo(batches),
			FlushInterval: time.Hour,
		})
		require.NoError(t, err)

		sink.Log(ctx, model.LogEntry{Operation: "bogus", Level: model.LogInfo})
		sink.Close()

		assert.Equal(t, int64(1), sink.Dropped())
		select {
		case <-batches:
			t.Fatal("invalid entry must not be flushed")
		default:
		}
	})

	t.Run("full buffer drops instead of blocking", func(t *testing.T) {
		started := make(chan struct{}, 4)
		release := make(chan struct{})
		repo := &stubLogRepo{
			bulkInsertFn: func(context.Context, []model.LogEntry) error {
				started <- struct{}{}
				<-release
				return nil
			},
		}
		sink, err := NewLogSink(LogSinkOptions{
			Repo:          repo,
			BufferSize:    1,
			BatchSize:     1,
			FlushInterval: time.Hour,
		})
		require.NoError(t, err)

		// First entry is taken by the flush loop, which then stalls in the
		// repository; the second fills the buffer, the third must drop.
		sink.Log(ctx, fetchLogEntry())
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the flush to start")
		}
		sink.Log(ctx, fetchLogEntry())
		sink.Log(ctx, fetchLogEntry())

		assert.Equal(t, int64(1), sink.Dropped())
		close(release)
		sink.Close()
	})

	t.Run("failed flush drops the batch", func(t *testing.T) {
		sink, err := NewLogSink(LogSinkOptions{
			Repo: &stubLogRepo{
				bulkInsertFn: func(context.Context, []model.LogEntry) error {
					return errors.New("connection refused")
				},
			},
			FlushInterval: time.Hour,
		})
		require.NoError(t, err)

		sink.Log(ctx, fetchLogEntry())
		sink.Log(ctx, fetchLogEntry())
		sink.Close()

		assert.Equal(t, int64(2), sink.Dropped())
	})

	t.Run("log after close drops without panic", func(t *testing.T) {
		sink, err := NewLogSink(LogSinkOptions{Repo: &stubLogRepo{}})
		require.NoError(t, err)
		sink.Close()

		sink.Log(ctx, fetchLogEntry())

		assert.Equal(t, int64(1), sink.Dropped())
		sink.Close() // idempotent
	})
}

func TestLogSinkQueries(t *testing.T) {
	ctx := context.Background()

	t.Run("query sanitizes the limit", func(t *testing.T) {
		var gotLimit int
		sink, err := NewLogSink(LogSinkOptions{
			Repo: &stubLogRepo{
				queryFn: func(_ context.Context, q model.LogQuery) ([]model.LogEntry, error) {
					gotLimit = q.Limit
					return []model.LogEntry{{Operation: model.OpSave, Level: model.LogError}}, nil
				},
			},
		})
		require.NoError(t, err)
		defer sink.Close()

		entries, err := sink.Query(ctx, model.LogQuery{})

		require.NoError(t, err)
		assert.Len(t, entries, 1)
		assert.Equal(t, 100, gotLimit)
	})

	t.Run("error counts pass through", func(t *testing.T) {
		since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		sink, err := NewLogSink(LogSinkOptions{
			Repo: &stubLogRepo{
				countErrorsFn: func(_ context.Context, got time.Time) (map[model.Operation]int64, error) {
					assert.True(t, got.Equal(since))
					return map[model.Operation]int64{model.OpFetch: 4}, nil
				},
			},
		})
		require.NoError(t, err)
		defer sink.Close()

		counts, err := sink.ErrorCounts(ctx, since)

		require.NoError(t, err)
		assert.Equal(t, int64(4), counts[model.OpFetch])
	})

	t.Run("query errors are wrapped", func(t *testing.T) {
		sink, err := NewLogSink(LogSinkOptions{
			Repo: &stubLogRepo{
				queryFn: func(context.Context, model.LogQuery) ([]model.LogEntry, error) {
					return nil, errors.New("relation missing")
				},
			},
		})
		require.NoError(t, err)
		defer sink.Close()

		_, err = sink.Query(ctx, model.LogQuery{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "query logs")
	})
}
