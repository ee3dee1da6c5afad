package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

func TestJobs_Lifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, model.JobKindImport, strPtr("fw1"), strPtr("dump.log"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.False(t, job.Terminal())

	t.Run("queued jobs take progress samples", func(t *testing.T) {
		require.NoError(t, s.UpdateJobProgress(ctx, job.ID, store.JobProgress{
			Phase:    model.JobPhaseUploading,
			Progress: 0.25,
		}))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobPhaseUploading, got.Phase)
		assert.InDelta(t, 0.25, got.Progress, 1e-9)
	})

	t.Run("claim moves queued to running exactly once", func(t *testing.T) {
		claimed, err := s.MarkJobRunning(ctx, job.ID, model.JobPhaseParsing)
		require.NoError(t, err)
		assert.True(t, claimed)

		again, err := s.MarkJobRunning(ctx, job.ID, model.JobPhaseParsing)
		require.NoError(t, err)
		assert.False(t, again, "a second claim must lose")

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusRunning, got.Status)
		assert.NotNil(t, got.StartedAt)
	})

	t.Run("running jobs take progress samples", func(t *testing.T) {
		require.NoError(t, s.UpdateJobProgress(ctx, job.ID, store.JobProgress{
			Phase:           model.JobPhaseStoring,
			TotalLines:      100,
			ProcessedLines:  50,
			OKRecords:       48,
			ErrRecords:      1,
			FilteredRecords: 1,
			Progress:        0.5,
		}))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(50), got.ProcessedLines)
		assert.Equal(t, int64(48), got.OKRecords)
	})

	t.Run("done is terminal and final", func(t *testing.T) {
		result := `{"events_inserted": 48}`
		require.NoError(t, s.MarkJobDone(ctx, job.ID, &result))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusDone, got.Status)
		assert.True(t, got.Terminal())
		assert.NotNil(t, got.FinishedAt)
		assert.InDelta(t, 1.0, got.Progress, 1e-9)

		err = s.MarkJobError(ctx, job.ID, model.ErrTypeInternal, "too late")
		assert.ErrorIs(t, err, model.ErrConflict, "terminal jobs never change state")

		require.NoError(t, s.UpdateJobProgress(ctx, job.ID, store.JobProgress{Progress: 0.1}))
		got, err = s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got.Progress, 1e-9, "progress samples on terminal jobs are dropped")
	})
}

func TestJobs_Cancel(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("queued job can be cancelled", func(t *testing.T) {
		job, err := s.CreateJob(ctx, model.JobKindImport, strPtr("fw1"), nil)
		require.NoError(t, err)

		require.NoError(t, s.RequestJobCancel(ctx, job.ID))
		requested, err := s.JobCancelRequested(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, requested)

		// The worker acknowledges by finishing as canceled.
		require.NoError(t, s.MarkJobCanceled(ctx, job.ID))
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCanceled, got.Status)
		require.NotNil(t, got.ErrorType)
		assert.Equal(t, model.ErrTypeCanceled, *got.ErrorType)
	})

	t.Run("terminal job is not cancellable", func(t *testing.T) {
		job, err := s.CreateJob(ctx, model.JobKindPurge, strPtr("fw1"), nil)
		require.NoError(t, err)
		_, err = s.MarkJobRunning(ctx, job.ID, "")
		require.NoError(t, err)
		require.NoError(t, s.MarkJobDone(ctx, job.ID, nil))

		err = s.RequestJobCancel(ctx, job.ID)
		assert.ErrorIs(t, err, model.ErrJobNotCancellable)
	})

	t.Run("unknown job is not found", func(t *testing.T) {
		err := s.RequestJobCancel(ctx, "no-such-job")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestJobs_Queueing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateJob(ctx, model.JobKindImport, strPtr("fw1"), nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // created_at has millisecond resolution
	second, err := s.CreateJob(ctx, model.JobKindImport, strPtr("fw2"), nil)
	require.NoError(t, err)

	next, err := s.NextQueuedJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID, "oldest queued job runs first")

	active, err := s.FindActiveJobForDevice(ctx, "fw2")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	active, err = s.FindActiveJobForDevice(ctx, "fw3")
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = s.MarkJobRunning(ctx, first.ID, "")
	require.NoError(t, err)
	require.NoError(t, s.MarkJobDone(ctx, first.ID, nil))
	require.NoError(t, s.MarkJobCanceled(ctx, second.ID))

	idle, err := s.FindActiveJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, idle)
}

func TestJobs_ListFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateJob(ctx, model.JobKindImport, strPtr("fw1"), nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // created_at has millisecond resolution
	b, err := s.CreateJob(ctx, model.JobKindImport, strPtr("fw1"), nil)
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, model.JobKindCleanup, nil, nil)
	require.NoError(t, err)

	_, err = s.MarkJobRunning(ctx, a.ID, "")
	require.NoError(t, err)
	require.NoError(t, s.MarkJobError(ctx, a.ID, model.ErrTypeInternal, "boom"))

	all, err := s.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := s.ListJobs(ctx, []string{model.JobStatusError}, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	queued, err := s.ListJobs(ctx, []string{model.JobStatusQueued}, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	forDevice, err := s.ListJobsForDevice(ctx, "fw1", 50)
	require.NoError(t, err)
	require.Len(t, forDevice, 2)
	assert.Equal(t, b.ID, forDevice[0].ID, "newest first")
}

func TestJobs_CrashRecovery(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	running, err := s.CreateJob(ctx, model.JobKindImport, strPtr("fw1"), nil)
	require.NoError(t, err)
	_, err = s.MarkJobRunning(ctx, running.ID, model.JobPhaseParsing)
	require.NoError(t, err)

	queued, err := s.CreateJob(ctx, model.JobKindImport, strPtr("fw2"), nil)
	require.NoError(t, err)

	n, err := s.RecoverCrashedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, got.Status)
	require.NotNil(t, got.ErrorType)
	assert.Equal(t, model.ErrTypeRecoveredAfterCrash, *got.ErrorType)

	// Queued jobs survive a restart untouched.
	got, err = s.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
}

func TestJobs_Delete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, model.JobKindImport, strPtr("fw1"), nil)
	require.NoError(t, err)

	err = s.DeleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrConflict, "non-terminal jobs cannot be deleted")

	_, err = s.MarkJobRunning(ctx, job.ID, "")
	require.NoError(t, err)
	require.NoError(t, s.MarkJobDone(ctx, job.ID, nil))
	require.NoError(t, s.DeleteJob(ctx, job.ID))

	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
