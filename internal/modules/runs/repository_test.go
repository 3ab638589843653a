package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/qloop/internal/database"
	"github.com/aristath/qloop/pkg/formulas"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: "file::memory:", Name: "runs"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRun() *Run {
	return &Run{
		Name:          "flip",
		Backend:       "simulator",
		Layout:        "single_rotation_x",
		Qubits:        2,
		Target:        "01",
		Rule:          "target_miss",
		Shots:         256,
		Settings:      Settings{MaxIterations: 10, Repeats: 1},
		InitialParams: []float64{0.5},
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := NewRepository(setupTestDB(t).Conn(), zerolog.Nop())
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, repo.Create(ctx, run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StatusPending, run.Status)

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Name, got.Name)
	assert.Equal(t, run.Settings, got.Settings)
	assert.Equal(t, []float64{0.5}, got.InitialParams)
	assert.Nil(t, got.BestLoss)
	assert.Nil(t, got.FinishedAt)
	assert.False(t, got.Finished())
}

func TestRepository_GetMissing(t *testing.T) {
	repo := NewRepository(setupTestDB(t).Conn(), zerolog.Nop())

	_, err := repo.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = repo.UpdateStatus(context.Background(), "nope", StatusRunning)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRepository_ProgressAndComplete(t *testing.T) {
	repo := NewRepository(setupTestDB(t).Conn(), zerolog.Nop())
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, repo.Create(ctx, run))
	require.NoError(t, repo.UpdateStatus(ctx, run.ID, StatusRunning))

	loss := 0.4
	require.NoError(t, repo.UpdateProgress(ctx, run.ID, Progress{
		Iterations: 2, Evaluations: 5, BestLoss: &loss, BestParams: []float64{1.2},
	}))
	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 2, got.Iterations)
	require.NotNil(t, got.BestLoss)
	assert.Equal(t, 0.4, *got.BestLoss)

	final := 0.05
	require.NoError(t, repo.Complete(ctx, run.ID, Outcome{
		Status:            "converged",
		BestParams:        []float64{3.1},
		BestLoss:          &final,
		Iterations:        7,
		Evaluations:       15,
		FailedEvaluations: 1,
		Summary:           &formulas.LossSummary{Count: 14, Mean: 0.3, Min: 0.05},
	}))

	got, err = repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "converged", got.Status)
	assert.True(t, got.Finished())
	assert.Equal(t, []float64{3.1}, got.BestParams)
	assert.Equal(t, 1, got.FailedEvaluations)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 14, got.Summary.Count)
	assert.NotNil(t, got.FinishedAt)
}

func TestRepository_EvaluationsKeepOrder(t *testing.T) {
	repo := NewRepository(setupTestDB(t).Conn(), zerolog.Nop())
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, repo.Create(ctx, run))

	l0, l2 := 0.9, 0.3
	require.NoError(t, repo.AppendEvaluations(ctx, run.ID, []EvaluationRecord{
		{Index: 2, Iteration: 1, Params: []float64{0.7}, Loss: &l2},
		{Index: 0, Iteration: 0, Params: []float64{0.5}, Loss: &l0, DurationMs: 1.5},
		{Index: 1, Iteration: 0, Params: []float64{1.0}, Error: "backend unavailable"},
	}))

	evals, err := repo.Evaluations(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, evals, 3)
	for i, e := range evals {
		assert.Equal(t, i, e.Index)
	}
	assert.Nil(t, evals[1].Loss)
	assert.Equal(t, "backend unavailable", evals[1].Error)
	assert.Equal(t, 1.5, evals[0].DurationMs)

	// Duplicate indexes are rejected and nothing from the batch is stored
	err = repo.AppendEvaluations(ctx, run.ID, []EvaluationRecord{
		{Index: 3, Params: []float64{0}},
		{Index: 0, Params: []float64{0}},
	})
	assert.Error(t, err)
	evals, err = repo.Evaluations(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, evals, 3)
}

func TestRepository_ListAndDeleteOlderThan(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	old := newTestRun()
	require.NoError(t, repo.Create(ctx, old))
	require.NoError(t, repo.Complete(ctx, old.ID, Outcome{Status: "converged"}))
	require.NoError(t, repo.AppendEvaluations(ctx, old.ID, []EvaluationRecord{{Index: 0, Params: []float64{0}}}))

	active := newTestRun()
	require.NoError(t, repo.Create(ctx, active))
	require.NoError(t, repo.UpdateStatus(ctx, active.ID, StatusRunning))

	// Backdate both
	_, err := db.Conn().Exec("UPDATE runs SET created_at = ?", time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)

	recent := newTestRun()
	require.NoError(t, repo.Create(ctx, recent))

	list, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, recent.ID, list[0].ID)

	deleted, err := repo.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.Get(ctx, old.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	evals, err := repo.Evaluations(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, evals)

	_, err = repo.Get(ctx, active.ID)
	assert.NoError(t, err, "runs in progress are never pruned")
}

func TestRepository_MarkInterrupted(t *testing.T) {
	repo := NewRepository(setupTestDB(t).Conn(), zerolog.Nop())
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, repo.Create(ctx, run))

	n, err := repo.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.NotEmpty(t, got.Error)
}
