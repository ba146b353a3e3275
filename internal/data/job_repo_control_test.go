package data

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/hirewire/cvpipeline/internal/testutil"
)

// reserveRescoreJob creates a rescore job and reserves it so the test owns a
// running job.
func reserveRescoreJob(t *testing.T, repo *JobRepo) *model.Job {
	t.Helper()
	ctx := context.Background()
	_, err := repo.Create(ctx, testutil.RescoreJobRequest())
	require.NoError(t, err)
	job, err := repo.ReserveNext(ctx, model.JobTypeRescore, 60)
	require.NoError(t, err)
	return job
}

func TestJobRepo_RequestPause(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("flags a running job for cooperative pause", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := reserveRescoreJob(t, repo)

			require.NoError(t, repo.RequestPause(ctx, job.ID))

			control, err := repo.ControlState(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusRunning, control.Status)
			assert.True(t, control.PauseRequested)
			assert.False(t, control.CancelRequested)

			// Repeating the request keeps the original timestamp.
			flagged, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			require.NoError(t, repo.RequestPause(ctx, job.ID))
			again, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, flagged.PauseRequestedAt, again.PauseRequestedAt)
		})
	})

	t.Run("rejects pause for a job that is not running", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			job, err := repo.Create(ctx, testutil.RescoreJobRequest())
			require.NoError(t, err)

			err = repo.RequestPause(ctx, job.ID)
			var te *model.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, job.ID, te.JobID)
			assert.Equal(t, model.JobStatusPending, te.From)
			assert.Equal(t, model.JobStatusPaused, te.To)
		})
	})

	t.Run("reports missing jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})

			err := repo.RequestPause(context.Background(), missingJobID)
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	})
}

func TestJobRepo_MarkPaused_And_Resume(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("parks a running job and resumes it", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := reserveRescoreJob(t, repo)

			require.NoError(t, repo.RequestPause(ctx, job.ID))

			ok, err := repo.MarkPaused(ctx, job.ID)
			require.NoError(t, err)
			assert.True(t, ok)

			paused, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusPaused, paused.Status)
			require.NotNil(t, paused.PausedAt)
			assert.Nil(t, paused.PauseRequestedAt)
			// The parked worker keeps its lease while polling for resume.
			assert.NotNil(t, paused.LeaseExpiresAt)

			require.NoError(t, repo.Resume(ctx, job.ID))

			resumed, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusRunning, resumed.Status)
			require.NotNil(t, resumed.ResumedAt)
		})
	})

	t.Run("mark paused loses the race gracefully", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := reserveRescoreJob(t, repo)

			ok, err := repo.MarkPaused(ctx, job.ID)
			require.NoError(t, err)
			require.True(t, ok)

			// Second park attempt finds the job no longer running.
			ok, err = repo.MarkPaused(ctx, job.ID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	})

	t.Run("resume rejects a job that is not paused", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := reserveRescoreJob(t, repo)

			err := repo.Resume(ctx, job.ID)
			var te *model.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, model.JobStatusRunning, te.From)
			assert.Equal(t, model.JobStatusRunning, te.To)
		})
	})
}

func TestJobRepo_Cancel(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("cancels a pending job immediately and skips its sources", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			src := createTestSource(t, db, "board-alpha")
			job, err := repo.Create(ctx, testutil.IngestJobRequest(src.ID))
			require.NoError(t, err)

			result, err := repo.Cancel(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, core.CancelImmediate, result)

			cancelled, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
			require.NotNil(t, cancelled.CancelledAt)

			js, err := repo.GetJobSource(ctx, job.ID, src.ID)
			require.NoError(t, err)
			assert.Equal(t, model.SubStatusSkipped, js.Status)
			require.NotNil(t, js.CompletedAt)
		})
	})

	t.Run("cancels a paused job immediately", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := reserveRescoreJob(t, repo)

			ok, err := repo.MarkPaused(ctx, job.ID)
			require.NoError(t, err)
			require.True(t, ok)

			result, err := repo.Cancel(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, core.CancelImmediate, result)

			cancelled, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
			assert.Nil(t, cancelled.LeaseExpiresAt)
		})
	})

	t.Run("flags a running job for cooperative cancel", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := reserveRescoreJob(t, repo)

			result, err := repo.Cancel(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, core.CancelRequested, result)

			control, err := repo.ControlState(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusRunning, control.Status)
			assert.True(t, control.CancelRequested)
		})
	})

	t.Run("rejects cancel of a terminal job", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := reserveRescoreJob(t, repo)

			_, err := repo.Complete(ctx, job.ID)
			require.NoError(t, err)

			_, err = repo.Cancel(ctx, job.ID)
			var te *model.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, model.JobStatusCompleted, te.From)
			assert.Equal(t, model.JobStatusCancelled, te.To)
		})
	})
}

func TestJobRepo_FinalizeCancel(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("worker finalizes a requested cancel at its safe point", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			src := createTestSource(t, db, "board-alpha")
			created, err := repo.Create(ctx, testutil.IngestJobRequest(src.ID))
			require.NoError(t, err)
			job, err := repo.ReserveNext(ctx, model.JobTypeIngest, 60)
			require.NoError(t, err)
			require.Equal(t, created.ID, job.ID)

			started, err := repo.StartSource(ctx, job.ID, src.ID)
			require.NoError(t, err)
			require.True(t, started)

			result, err := repo.Cancel(ctx, job.ID)
			require.NoError(t, err)
			require.Equal(t, core.CancelRequested, result)

			ok, err := repo.FinalizeCancel(ctx, job.ID)
			require.NoError(t, err)
			assert.True(t, ok)

			cancelled, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
			require.NotNil(t, cancelled.CancelledAt)
			assert.Nil(t, cancelled.CancelRequestedAt)
			assert.Nil(t, cancelled.LeaseExpiresAt)

			js, err := repo.GetJobSource(ctx, job.ID, src.ID)
			require.NoError(t, err)
			assert.Equal(t, model.SubStatusSkipped, js.Status)
		})
	})

	t.Run("returns false when the job is no longer running", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := reserveRescoreJob(t, repo)

			_, err := repo.Complete(ctx, job.ID)
			require.NoError(t, err)

			ok, err := repo.FinalizeCancel(ctx, job.ID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	})
}

func TestJobRepo_ControlState(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		job, err := repo.Create(ctx, testutil.RescoreJobRequest())
		require.NoError(t, err)

		control, err := repo.ControlState(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, control.Status)
		assert.False(t, control.PauseRequested)
		assert.False(t, control.CancelRequested)

		_, err = repo.ControlState(ctx, missingJobID)
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}
