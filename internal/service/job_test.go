package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/cvpipeline/internal/core"
	domainjob "github.com/hirewire/cvpipeline/internal/domain/job"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	apperrors "github.com/hirewire/cvpipeline/internal/errors"
)

type stubJobNotifier struct {
	subscribeCalls []model.JobType
	stopCalled     bool
	subscribeFn    func(model.JobType) (func(), <-chan struct{})
	stopAllFn      func()
}

func (s *stubJobNotifier) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	s.subscribeCalls = append(s.subscribeCalls, jobType)
	if s.subscribeFn != nil {
		return s.subscribeFn(jobType)
	}
	ch := make(chan struct{})
	unsub := func() {
		select {
		case <-ch:
		default:
		}
		close(ch)
	}
	return unsub, ch
}

func (s *stubJobNotifier) StopAll() {
	s.stopCalled = true
	if s.stopAllFn != nil {
		s.stopAllFn()
	}
}

var _ domainjob.Notifier = (*stubJobNotifier)(nil)

type stubJobRepo struct {
	createFn          func(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	getByIDFn         func(ctx context.Context, id string) (*model.Job, error)
	reserveNextFn     func(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error)
	heartbeatFn       func(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	completeFn        func(ctx context.Context, id string) (bool, error)
	failFn            func(ctx context.Context, id, errMsg string) (bool, error)
	updateProgressFn  func(ctx context.Context, params core.UpdateProgressParams) (bool, error)
	statsFn           func(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	listFn            func(ctx context.Context, opts *model.JobListOptions) ([]*model.JobWithSourceCounts, error)
	listBySourceFn    func(ctx context.Context, opts model.JobListBySourceOptions) ([]*model.Job, error)
	listRecentFn      func(ctx context.Context, jobType model.JobType, limit int) ([]*model.Job, error)
	countBySourceFn   func(ctx context.Context, sourceID string) (int, error)
	countAggregatesFn func(ctx context.Context, ids []string) (map[string]model.SourceJobCounts, error)
	deleteFn          func(ctx context.Context, id string) error
	deletePendingFn   func(ctx context.Context, taskName string) (int, error)
}

var _ core.JobRepository = (*stubJobRepo)(nil)

func (s *stubJobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return &model.Job{ID: "job-1", Type: req.Type, Status: model.JobStatusQueued}, nil
}

func (s *stubJobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return &model.Job{ID: id, Type: model.JobTypeIngest, Status: model.JobStatusRunning}, nil
}

func (s *stubJobRepo) ReserveNext(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error) {
	if s.reserveNextFn != nil {
		return s.reserveNextFn(ctx, jobType, leaseSeconds)
	}
	return nil, nil
}

func (s *stubJobRepo) WaitForNotification(context.Context, model.JobType) error { return nil }

func (s *stubJobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if s.heartbeatFn != nil {
		return s.heartbeatFn(ctx, jobID, leaseSeconds)
	}
	return true, nil
}

func (s *stubJobRepo) Complete(ctx context.Context, id string) (bool, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, id)
	}
	return true, nil
}

func (s *stubJobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	if s.failFn != nil {
		return s.failFn(ctx, id, errMsg)
	}
	return true, nil
}

func (s *stubJobRepo) UpdateProgress(ctx context.Context, params core.UpdateProgressParams) (bool, error) {
	if s.updateProgressFn != nil {
		return s.updateProgressFn(ctx, params)
	}
	return true, nil
}

func (s *stubJobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx, jobType)
	}
	return &model.JobStats{}, nil
}

func (s *stubJobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.JobWithSourceCounts, error) {
	if s.listFn != nil {
		return s.listFn(ctx, opts)
	}
	return nil, nil
}

func (s *stubJobRepo) ListBySource(ctx context.Context, opts model.JobListBySourceOptions) ([]*model.Job, error) {
	if s.listBySourceFn != nil {
		return s.listBySourceFn(ctx, opts)
	}
	return nil, nil
}

func (s *stubJobRepo) ListRecentByType(ctx context.Context, jobType model.JobType, limit int) ([]*model.Job, error) {
	if s.listRecentFn != nil {
		return s.listRecentFn(ctx, jobType, limit)
	}
	return nil, nil
}

func (s *stubJobRepo) CountBySource(ctx context.Context, sourceID string) (int, error) {
	if s.countBySourceFn != nil {
		return s.countBySourceFn(ctx, sourceID)
	}
	return 0, nil
}

func (s *stubJobRepo) CountAggregatesBySources(ctx context.Context, ids []string) (map[string]model.SourceJobCounts, error) {
	if s.countAggregatesFn != nil {
		return s.countAggregatesFn(ctx, ids)
	}
	return map[string]model.SourceJobCounts{}, nil
}

func (s *stubJobRepo) Delete(ctx context.Context, id string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, id)
	}
	return nil
}

func (s *stubJobRepo) DeletePendingByScheduledTask(ctx context.Context, taskName string) (int, error) {
	if s.deletePendingFn != nil {
		return s.deletePendingFn(ctx, taskName)
	}
	return 0, nil
}

type stubJobControlRepo struct {
	requestPauseFn   func(ctx context.Context, id string) error
	markPausedFn     func(ctx context.Context, id string) (bool, error)
	resumeFn         func(ctx context.Context, id string) error
	cancelFn         func(ctx context.Context, id string) (core.CancelResult, error)
	finalizeCancelFn func(ctx context.Context, id string) (bool, error)
	controlStateFn   func(ctx context.Context, id string) (*model.JobControl, error)
}

var _ core.JobControlRepository = (*stubJobControlRepo)(nil)

func (s *stubJobControlRepo) RequestPause(ctx context.Context, id string) error {
	if s.requestPauseFn != nil {
		return s.requestPauseFn(ctx, id)
	}
	return nil
}

func (s *stubJobControlRepo) MarkPaused(ctx context.Context, id string) (bool, error) {
	if s.markPausedFn != nil {
		return s.markPausedFn(ctx, id)
	}
	return true, nil
}

func (s *stubJobControlRepo) Resume(ctx context.Context, id string) error {
	if s.resumeFn != nil {
		return s.resumeFn(ctx, id)
	}
	return nil
}

func (s *stubJobControlRepo) Cancel(ctx context.Context, id string) (core.CancelResult, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, id)
	}
	return core.CancelImmediate, nil
}

func (s *stubJobControlRepo) FinalizeCancel(ctx context.Context, id string) (bool, error) {
	if s.finalizeCancelFn != nil {
		return s.finalizeCancelFn(ctx, id)
	}
	return true, nil
}

func (s *stubJobControlRepo) ControlState(ctx context.Context, id string) (*model.JobControl, error) {
	if s.controlStateFn != nil {
		return s.controlStateFn(ctx, id)
	}
	return &model.JobControl{Status: model.JobStatusRunning}, nil
}

type stubJobSourceRepo struct {
	listJobSourcesFn func(ctx context.Context, jobID string) ([]model.JobSource, error)
	startSourceFn    func(ctx context.Context, jobID, sourceID string) (bool, error)
	checkpointFn     func(ctx context.Context, params core.CheckpointSourceParams) (bool, error)
	finishSourceFn   func(ctx context.Context, params core.FinishSourceParams) (bool, error)
	getJobSourceFn   func(ctx context.Context, jobID, sourceID string) (*model.JobSource, error)
	resetFailedFn    func(ctx context.Context, jobID string) (int64, error)

	checkpoints []core.CheckpointSourceParams
	finishes    []core.FinishSourceParams
	resets      []string
}

var _ core.JobSourceRepository = (*stubJobSourceRepo)(nil)

func (s *stubJobSourceRepo) ListJobSources(ctx context.Context, jobID string) ([]model.JobSource, error) {
	if s.listJobSourcesFn != nil {
		return s.listJobSourcesFn(ctx, jobID)
	}
	return nil, nil
}

func (s *stubJobSourceRepo) StartSource(ctx context.Context, jobID, sourceID string) (bool, error) {
	if s.startSourceFn != nil {
		return s.startSourceFn(ctx, jobID, sourceID)
	}
	return true, nil
}

func (s *stubJobSourceRepo) CheckpointSource(ctx context.Context, params core.CheckpointSourceParams) (bool, error) {
	s.checkpoints = append(s.checkpoints, params)
	if s.checkpointFn != nil {
		return s.checkpointFn(ctx, params)
	}
	return true, nil
}

func (s *stubJobSourceRepo) FinishSource(ctx context.Context, params core.FinishSourceParams) (bool, error) {
	s.finishes = append(s.finishes, params)
	if s.finishSourceFn != nil {
		return s.finishSourceFn(ctx, params)
	}
	return true, nil
}

func (s *stubJobSourceRepo) GetJobSource(ctx context.Context, jobID, sourceID string) (*model.JobSource, error) {
	if s.getJobSourceFn != nil {
		return s.getJobSourceFn(ctx, jobID, sourceID)
	}
	return nil, nil
}

func (s *stubJobSourceRepo) ResetFailedSources(ctx context.Context, jobID string) (int64, error) {
	s.resets = append(s.resets, jobID)
	if s.resetFailedFn != nil {
		return s.resetFailedFn(ctx, jobID)
	}
	return 0, nil
}

func newTestJobService(t *testing.T, repo *stubJobRepo, control *stubJobControlRepo) (*JobService, *stubJobNotifier) {
	t.Helper()
	notifier := &stubJobNotifier{}
	svc := MustNewJobService(JobServiceOptions{
		Repo:         repo,
		Control:      control,
		Sources:      &stubJobSourceRepo{},
		DefaultLease: 30 * time.Second,
		Notifier:     notifier,
	})
	return svc, notifier
}

func TestNewJobService(t *testing.T) {
	repo := &stubJobRepo{}
	control := &stubJobControlRepo{}
	sources := &stubJobSourceRepo{}
	notifierOpts := domainjob.NotifierOptions{
		WaitWindow: 2 * time.Second,
		Backoff:    50 * time.Millisecond,
	}

	t.Run("success", func(t *testing.T) {
		notifier := &stubJobNotifier{}
		svc, err := NewJobService(JobServiceOptions{
			Repo:            repo,
			Control:         control,
			Sources:         sources,
			DefaultLease:    30 * time.Second,
			Notifier:        notifier,
			NotifierOptions: notifierOpts,
		})
		require.NoError(t, err)
		assert.NotNil(t, svc)
		assert.Equal(t, 30*time.Second, svc.leasePolicy.Default())
		assert.Equal(t, notifier, svc.notifier)
	})

	t.Run("success with logger", func(t *testing.T) {
		svc, err := NewJobService(JobServiceOptions{
			Repo:         repo,
			Control:      control,
			Sources:      sources,
			DefaultLease: 30 * time.Second,
			Logger:       slog.Default(),
			Notifier:     &stubJobNotifier{},
		})
		require.NoError(t, err)
		assert.NotNil(t, svc.logger)
	})

	t.Run("missing repo", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{
			Control:      control,
			Sources:      sources,
			DefaultLease: 30 * time.Second,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobRepository is required")
	})

	t.Run("missing control repo", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{
			Repo:         repo,
			Sources:      sources,
			DefaultLease: 30 * time.Second,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobControlRepository is required")
	})

	t.Run("missing job source repo", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{
			Repo:         repo,
			Control:      control,
			DefaultLease: 30 * time.Second,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobSourceRepository is required")
	})

	t.Run("invalid default lease", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{
			Repo:    repo,
			Control: control,
			Sources: sources,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DefaultLease must be positive")
	})
}

func TestMustNewJobService(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := MustNewJobService(JobServiceOptions{
			Repo:         &stubJobRepo{},
			Control:      &stubJobControlRepo{},
			Sources:      &stubJobSourceRepo{},
			DefaultLease: 30 * time.Second,
			Notifier:     &stubJobNotifier{},
		})
		assert.NotNil(t, svc)
	})

	t.Run("panic on error", func(t *testing.T) {
		assert.Panics(t, func() {
			MustNewJobService(JobServiceOptions{})
		})
	})
}

func TestJobService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		var gotReq *model.CreateJobRequest
		repo := &stubJobRepo{
			createFn: func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				gotReq = req
				return &model.Job{ID: "job-1", Type: req.Type, Status: model.JobStatusQueued}, nil
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		job, err := svc.Create(ctx, &model.CreateJobRequest{
			Type:      model.JobTypeIngest,
			SourceIDs: []string{"src-1", "src-2"},
		})

		require.NoError(t, err)
		assert.Equal(t, "job-1", job.ID)
		require.NotNil(t, gotReq)
		assert.Equal(t, []string{"src-1", "src-2"}, gotReq.SourceIDs)
	})

	t.Run("repository error", func(t *testing.T) {
		repo := &stubJobRepo{
			createFn: func(context.Context, *model.CreateJobRequest) (*model.Job, error) {
				return nil, errors.New("constraint violation")
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		_, err := svc.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeRescore})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "create job")
	})
}

func TestJobService_ReserveNext(t *testing.T) {
	ctx := context.Background()

	reserve := func(t *testing.T, lease time.Duration) int {
		t.Helper()
		var gotSeconds int
		repo := &stubJobRepo{
			reserveNextFn: func(_ context.Context, _ model.JobType, leaseSeconds int) (*model.Job, error) {
				gotSeconds = leaseSeconds
				return &model.Job{ID: "job-1", Status: model.JobStatusRunning}, nil
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})
		_, err := svc.ReserveNext(ctx, model.JobTypeIngest, lease)
		require.NoError(t, err)
		return gotSeconds
	}

	t.Run("with custom lease", func(t *testing.T) {
		assert.Equal(t, 60, reserve(t, time.Minute))
	})

	t.Run("with default lease", func(t *testing.T) {
		assert.Equal(t, 30, reserve(t, 0))
	})

	t.Run("with sub-second lease clamped to 1 second", func(t *testing.T) {
		assert.Equal(t, 1, reserve(t, 100*time.Millisecond))
	})

	t.Run("nothing queued", func(t *testing.T) {
		svc, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})
		job, err := svc.ReserveNext(ctx, model.JobTypeIngest, 0)
		require.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestJobService_Heartbeat(t *testing.T) {
	ctx := context.Background()

	beat := func(t *testing.T, extend time.Duration) int {
		t.Helper()
		var gotSeconds int
		repo := &stubJobRepo{
			heartbeatFn: func(_ context.Context, _ string, leaseSeconds int) (bool, error) {
				gotSeconds = leaseSeconds
				return true, nil
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})
		ok, err := svc.Heartbeat(ctx, "job-1", extend)
		require.NoError(t, err)
		assert.True(t, ok)
		return gotSeconds
	}

	t.Run("with custom extend", func(t *testing.T) {
		assert.Equal(t, 45, beat(t, 45*time.Second))
	})

	t.Run("with default extend", func(t *testing.T) {
		assert.Equal(t, 30, beat(t, 0))
	})

	t.Run("with sub-second extend clamped to 1 second", func(t *testing.T) {
		assert.Equal(t, 1, beat(t, 200*time.Millisecond))
	})
}

func TestJobService_Complete(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})

	ok, err := svc.Complete(ctx, "job-1")

	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobService_Fail(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		var gotMsg string
		repo := &stubJobRepo{
			failFn: func(_ context.Context, _ string, errMsg string) (bool, error) {
				gotMsg = errMsg
				return true, nil
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		ok, err := svc.Fail(ctx, "job-1", "fetch exhausted retries")

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "fetch exhausted retries", gotMsg)
	})

	t.Run("empty error message", func(t *testing.T) {
		svc, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})

		_, err := svc.Fail(ctx, "job-1", "")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "error message required")
	})
}

func TestJobService_UpdateProgress(t *testing.T) {
	ctx := context.Background()
	var got core.UpdateProgressParams
	repo := &stubJobRepo{
		updateProgressFn: func(_ context.Context, params core.UpdateProgressParams) (bool, error) {
			got = params
			return true, nil
		},
	}
	svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

	summary := model.ErrorSummary{}
	summary.Record("timeout", "context deadline exceeded", time.Now())
	ok, err := svc.UpdateProgress(ctx, core.UpdateProgressParams{
		JobID:        "job-1",
		AvgPageMS:    850,
		PagesSampled: 12,
		Errors:       summary,
	})

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "job-1", got.JobID)
	assert.InEpsilon(t, 850.0, got.AvgPageMS, 1e-9)
	assert.Equal(t, int64(1), got.Errors.Total())
}

func TestJobService_Control(t *testing.T) {
	ctx := context.Background()

	t.Run("pause requested", func(t *testing.T) {
		var gotID string
		control := &stubJobControlRepo{
			requestPauseFn: func(_ context.Context, id string) error {
				gotID = id
				return nil
			},
		}
		svc, _ := newTestJobService(t, &stubJobRepo{}, control)

		require.NoError(t, svc.Pause(ctx, "job-1"))
		assert.Equal(t, "job-1", gotID)
	})

	t.Run("pause of non-running job is a typed transition error", func(t *testing.T) {
		control := &stubJobControlRepo{
			requestPauseFn: func(_ context.Context, id string) error {
				return model.NewTransitionError(id, model.JobStatusCompleted, model.JobStatusPaused)
			},
		}
		svc, _ := newTestJobService(t, &stubJobRepo{}, control)

		err := svc.Pause(ctx, "job-1")

		require.Error(t, err)
		assert.True(t, apperrors.IsInvalidTransition(err))
	})

	t.Run("resume", func(t *testing.T) {
		svc, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})
		require.NoError(t, svc.Resume(ctx, "job-1"))
	})

	t.Run("resume of running job is a typed transition error", func(t *testing.T) {
		control := &stubJobControlRepo{
			resumeFn: func(_ context.Context, id string) error {
				return model.NewTransitionError(id, model.JobStatusRunning, model.JobStatusRunning)
			},
		}
		svc, _ := newTestJobService(t, &stubJobRepo{}, control)

		err := svc.Resume(ctx, "job-1")

		require.Error(t, err)
		assert.True(t, apperrors.IsInvalidTransition(err))
	})

	t.Run("cancel immediate", func(t *testing.T) {
		svc, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})

		result, err := svc.Cancel(ctx, "job-1")

		require.NoError(t, err)
		assert.Equal(t, core.CancelImmediate, result)
	})

	t.Run("cancel of running job is cooperative", func(t *testing.T) {
		control := &stubJobControlRepo{
			cancelFn: func(context.Context, string) (core.CancelResult, error) {
				return core.CancelRequested, nil
			},
		}
		svc, _ := newTestJobService(t, &stubJobRepo{}, control)

		result, err := svc.Cancel(ctx, "job-1")

		require.NoError(t, err)
		assert.Equal(t, core.CancelRequested, result)
	})

	t.Run("cancel of terminal job is a typed transition error", func(t *testing.T) {
		control := &stubJobControlRepo{
			cancelFn: func(_ context.Context, id string) (core.CancelResult, error) {
				return "", model.NewTransitionError(id, model.JobStatusFailed, model.JobStatusCancelled)
			},
		}
		svc, _ := newTestJobService(t, &stubJobRepo{}, control)

		_, err := svc.Cancel(ctx, "job-1")

		require.Error(t, err)
		assert.True(t, apperrors.IsInvalidTransition(err))
	})

	t.Run("mark paused reports lost ownership", func(t *testing.T) {
		control := &stubJobControlRepo{
			markPausedFn: func(context.Context, string) (bool, error) {
				return false, nil
			},
		}
		svc, _ := newTestJobService(t, &stubJobRepo{}, control)

		paused, err := svc.MarkPaused(ctx, "job-1")

		require.NoError(t, err)
		assert.False(t, paused)
	})

	t.Run("finalize cancel", func(t *testing.T) {
		svc, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})

		finalized, err := svc.FinalizeCancel(ctx, "job-1")

		require.NoError(t, err)
		assert.True(t, finalized)
	})

	t.Run("control state", func(t *testing.T) {
		control := &stubJobControlRepo{
			controlStateFn: func(context.Context, string) (*model.JobControl, error) {
				return &model.JobControl{Status: model.JobStatusRunning, CancelRequested: true}, nil
			},
		}
		svc, _ := newTestJobService(t, &stubJobRepo{}, control)

		state, err := svc.ControlState(ctx, "job-1")

		require.NoError(t, err)
		assert.True(t, state.CancelRequested)
		assert.False(t, state.PauseRequested)
	})
}

func TestJobService_GetProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates sub-status rows", func(t *testing.T) {
		repo := &stubJobRepo{
			getByIDFn: func(_ context.Context, id string) (*model.Job, error) {
				return &model.Job{
					ID:           id,
					Status:       model.JobStatusRunning,
					AvgPageMS:    2000,
					PagesSampled: 5,
				}, nil
			},
		}
		sources := &stubJobSourceRepo{
			listJobSourcesFn: func(context.Context, string) ([]model.JobSource, error) {
				return []model.JobSource{
					{SourceID: "src-1", Status: model.SubStatusRunning, PagesDone: 3, TotalPages: 10, RecordsIngested: 55},
					{SourceID: "src-2", Status: model.SubStatusPending, PagesDone: 2, TotalPages: 10},
				}, nil
			},
		}
		svc := MustNewJobService(JobServiceOptions{
			Repo:         repo,
			Control:      &stubJobControlRepo{},
			Sources:      sources,
			DefaultLease: 30 * time.Second,
			Notifier:     &stubJobNotifier{},
		})

		progress, err := svc.GetProgress(ctx, "job-1")

		require.NoError(t, err)
		assert.Equal(t, model.JobStatusRunning, progress.Status)
		assert.Equal(t, 5, progress.CurrentPage)
		assert.Equal(t, 20, progress.TotalPages)
		assert.InEpsilon(t, 25.0, progress.Percentage, 1e-9)
		require.NotNil(t, progress.ETASeconds)
		assert.Equal(t, int64(30), *progress.ETASeconds, "15 pages at 2s each")
		require.Len(t, progress.Sources, 2)
		assert.Equal(t, int64(55), progress.Sources[0].RecordsIngested)
	})

	t.Run("job lookup error", func(t *testing.T) {
		repo := &stubJobRepo{
			getByIDFn: func(context.Context, string) (*model.Job, error) {
				return nil, errors.New("job not found")
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		_, err := svc.GetProgress(ctx, "job-missing")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "get job job-missing")
	})
}

func TestJobService_GetErrorSummary(t *testing.T) {
	ctx := context.Background()

	t.Run("returns grouped errors", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		summary := model.ErrorSummary{}
		summary.Record("timeout", "context deadline exceeded", now)
		summary.Record("timeout", "context deadline exceeded", now.Add(time.Minute))
		summary.Record("http_5xx", "502 bad gateway", now)

		repo := &stubJobRepo{
			getByIDFn: func(_ context.Context, id string) (*model.Job, error) {
				return &model.Job{ID: id, Errors: summary}, nil
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		got, err := svc.GetErrorSummary(ctx, "job-1")

		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Total())
		assert.Equal(t, int64(2), got["timeout"].Count)
		assert.Equal(t, "502 bad gateway", got["http_5xx"].Sample)
	})

	t.Run("job without errors yields empty summary", func(t *testing.T) {
		svc, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})

		got, err := svc.GetErrorSummary(ctx, "job-1")

		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Zero(t, got.Total())
	})
}

func TestJobService_Stats(t *testing.T) {
	ctx := context.Background()
	repo := &stubJobRepo{
		statsFn: func(context.Context, model.JobType) (*model.JobStats, error) {
			return &model.JobStats{Queued: 3, Running: 1, Completed: 40}, nil
		},
	}
	svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

	stats, err := svc.Stats(ctx, model.JobTypeIngest)

	require.NoError(t, err)
	assert.Equal(t, 3, stats.Queued)
	assert.Equal(t, 40, stats.Completed)
}

func TestJobService_Subscribe(t *testing.T) {
	svc, notifier := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})

	unsub, ch := svc.Subscribe(model.JobTypeIngest)
	defer unsub()

	assert.NotNil(t, ch)
	assert.Equal(t, []model.JobType{model.JobTypeIngest}, notifier.subscribeCalls)
}

func TestJobService_StopAllListeners(t *testing.T) {
	svc, notifier := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})

	svc.StopAllListeners()

	assert.True(t, notifier.stopCalled)
}

func TestJobService_ListBySource(t *testing.T) {
	ctx := context.Background()

	t.Run("missing source id", func(t *testing.T) {
		svc, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})

		_, err := svc.ListBySource(ctx, model.JobListBySourceOptions{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "source id is required")
	})

	t.Run("pagination normalization", func(t *testing.T) {
		var got model.JobListBySourceOptions
		repo := &stubJobRepo{
			listBySourceFn: func(_ context.Context, opts model.JobListBySourceOptions) ([]*model.Job, error) {
				got = opts
				return nil, nil
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		_, err := svc.ListBySource(ctx, model.JobListBySourceOptions{
			SourceID: "src-1",
			Limit:    0,
			Offset:   -5,
		})

		require.NoError(t, err)
		assert.Equal(t, 50, got.Limit)
		assert.Equal(t, 0, got.Offset)
	})
}

func TestJobService_List(t *testing.T) {
	ctx := context.Background()

	t.Run("pagination normalization", func(t *testing.T) {
		var got model.JobListOptions
		repo := &stubJobRepo{
			listFn: func(_ context.Context, opts *model.JobListOptions) ([]*model.JobWithSourceCounts, error) {
				got = *opts
				return []*model.JobWithSourceCounts{}, nil
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		_, err := svc.List(ctx, &model.JobListOptions{Limit: 5000})

		require.NoError(t, err)
		assert.Equal(t, 1000, got.Limit)
	})

	t.Run("repository error", func(t *testing.T) {
		repo := &stubJobRepo{
			listFn: func(context.Context, *model.JobListOptions) ([]*model.JobWithSourceCounts, error) {
				return nil, errors.New("query failed")
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		_, err := svc.List(ctx, &model.JobListOptions{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "list jobs")
	})
}

func TestJobService_ListRecentByType(t *testing.T) {
	ctx := context.Background()
	repo := &stubJobRepo{
		listRecentFn: func(_ context.Context, jobType model.JobType, limit int) ([]*model.Job, error) {
			assert.Equal(t, model.JobTypeQualityReport, jobType)
			assert.Equal(t, 5, limit)
			return []*model.Job{{ID: "job-9"}}, nil
		},
	}
	svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

	jobs, err := svc.ListRecentByType(ctx, model.JobTypeQualityReport, 5)

	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-9", jobs[0].ID)
}

func TestJobService_CountBySource(t *testing.T) {
	ctx := context.Background()
	repo := &stubJobRepo{
		countBySourceFn: func(context.Context, string) (int, error) { return 7, nil },
	}
	svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

	count, err := svc.CountBySource(ctx, "src-1")

	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestJobService_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("missing id", func(t *testing.T) {
		svc, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})

		err := svc.Delete(ctx, "")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "job id is required")
	})

	t.Run("success", func(t *testing.T) {
		var gotID string
		repo := &stubJobRepo{
			deleteFn: func(_ context.Context, id string) error {
				gotID = id
				return nil
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		require.NoError(t, svc.Delete(ctx, "job-1"))
		assert.Equal(t, "job-1", gotID)
	})

	t.Run("state constraint error", func(t *testing.T) {
		repo := &stubJobRepo{
			deleteFn: func(context.Context, string) error {
				return errors.New("only pending jobs can be deleted")
			},
		}
		svc, _ := newTestJobService(t, repo, &stubJobControlRepo{})

		err := svc.Delete(ctx, "job-1")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "delete job job-1")
	})
}
