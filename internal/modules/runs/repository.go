package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/qloop/internal/database"
	"github.com/aristath/qloop/pkg/formulas"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("run not found")

// runColumns is the list of columns for the runs table
// Column order must match scanRun() expectations
const runColumns = `id, name, backend, layout, qubits, target, rule, shots, settings, initial_params,
objective, status, best_params, best_loss, iterations, evaluations, failed_evaluations, summary, error,
created_at, updated_at, finished_at`

// Repository handles run database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new run repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "runs").Logger(),
	}
}

// Create inserts a new run. An empty ID is filled with a UUID; timestamps are
// set here.
func (r *Repository) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	now := time.Now().UTC().Truncate(time.Second)
	run.CreatedAt, run.UpdatedAt = now, now

	settings, err := json.Marshal(run.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	initial, err := json.Marshal(run.InitialParams)
	if err != nil {
		return fmt.Errorf("failed to marshal initial params: %w", err)
	}

	var objective interface{}
	if run.Objective != nil {
		data, err := json.Marshal(run.Objective)
		if err != nil {
			return fmt.Errorf("failed to marshal objective: %w", err)
		}
		objective = string(data)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, backend, layout, qubits, target, rule, shots, settings,
			initial_params, objective, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Backend, run.Layout, run.Qubits, run.Target, run.Rule, run.Shots,
		string(settings), string(initial), objective, run.Status, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	r.log.Debug().Str("run_id", run.ID).Msg("Run created")
	return nil
}

// UpdateStatus changes the status of a run
func (r *Repository) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return requireRow(res, id)
}

// UpdateProgress records mid-run counters and the best point so far
func (r *Repository) UpdateProgress(ctx context.Context, id string, p Progress) error {
	best, err := marshalNullable(p.BestParams)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET iterations = ?, evaluations = ?, failed_evaluations = ?,
			best_loss = ?, best_params = ?, updated_at = ?
		WHERE id = ?`,
		p.Iterations, p.Evaluations, p.Failed, nullFloat(p.BestLoss), best, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return requireRow(res, id)
}

// Complete writes the final outcome of a run
func (r *Repository) Complete(ctx context.Context, id string, o Outcome) error {
	best, err := marshalNullable(o.BestParams)
	if err != nil {
		return err
	}
	var summary interface{}
	if o.Summary != nil {
		data, err := json.Marshal(o.Summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		summary = string(data)
	}

	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, best_params = ?, best_loss = ?, iterations = ?, evaluations = ?,
			failed_evaluations = ?, summary = ?, error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		o.Status, best, nullFloat(o.BestLoss), o.Iterations, o.Evaluations,
		o.FailedEvaluations, summary, o.Error, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return requireRow(res, id)
}

// AppendEvaluations stores evaluations in one transaction. Indexes must be
// unique per run.
func (r *Repository) AppendEvaluations(ctx context.Context, runID string, evals []EvaluationRecord) error {
	if len(evals) == 0 {
		return nil
	}
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO run_evaluations (run_id, idx, iteration, params, loss, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range evals {
			params, err := json.Marshal(e.Params)
			if err != nil {
				return fmt.Errorf("failed to marshal params: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, runID, e.Index, e.Iteration, string(params),
				nullFloat(e.Loss), e.Error, e.DurationMs); err != nil {
				return fmt.Errorf("failed to insert evaluation %d: %w", e.Index, err)
			}
		}
		return nil
	})
}

// Get returns a run by ID or ErrNotFound
func (r *Repository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List returns the most recent runs first
func (r *Repository) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var result []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// Evaluations returns the stored evaluations of a run in evaluation order
func (r *Repository) Evaluations(ctx context.Context, runID string) ([]EvaluationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT idx, iteration, params, loss, error, duration_ms
		FROM run_evaluations WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	result := []EvaluationRecord{}
	for rows.Next() {
		var (
			e      EvaluationRecord
			params string
			loss   sql.NullFloat64
		)
		if err := rows.Scan(&e.Index, &e.Iteration, &params, &loss, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		if loss.Valid {
			v := loss.Float64
			e.Loss = &v
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// DeleteOlderThan removes finished runs created before cutoff together with
// their evaluations. Runs still in progress are kept.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		filter := "created_at < ? AND status NOT IN (?, ?)"
		args := []interface{}{cutoff.Unix(), StatusPending, StatusRunning}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM run_evaluations WHERE run_id IN (SELECT id FROM runs WHERE "+filter+")", args...); err != nil {
			return fmt.Errorf("failed to delete evaluations: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE "+filter, args...)
		if err != nil {
			return fmt.Errorf("failed to delete runs: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// MarkInterrupted fails runs left pending or running by a previous process.
func (r *Repository) MarkInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, updated_at = ?, finished_at = ?
		WHERE status IN (?, ?)`,
		"failed", "interrupted by restart", now, now, StatusPending, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run                  Run
		settings, initial    string
		best, summary        sql.NullString
		objective            sql.NullString
		bestLoss             sql.NullFloat64
		createdAt, updatedAt int64
		finishedAt           sql.NullInt64
	)
	err := s.Scan(&run.ID, &run.Name, &run.Backend, &run.Layout, &run.Qubits, &run.Target, &run.Rule,
		&run.Shots, &settings, &initial, &objective, &run.Status, &best, &bestLoss, &run.Iterations,
		&run.Evaluations, &run.FailedEvaluations, &summary, &run.Error, &createdAt, &updatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(settings), &run.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := json.Unmarshal([]byte(initial), &run.InitialParams); err != nil {
		return nil, fmt.Errorf("failed to unmarshal initial params: %w", err)
	}
	if objective.Valid && objective.String != "" {
		run.Objective = &ObjectiveSpec{}
		if err := json.Unmarshal([]byte(objective.String), run.Objective); err != nil {
			return nil, fmt.Errorf("failed to unmarshal objective: %w", err)
		}
	}
	if best.Valid && best.String != "" {
		if err := json.Unmarshal([]byte(best.String), &run.BestParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal best params: %w", err)
		}
	}
	if bestLoss.Valid {
		v := bestLoss.Float64
		run.BestLoss = &v
	}
	if summary.Valid && summary.String != "" {
		run.Summary = &formulas.LossSummary{}
		if err := json.Unmarshal([]byte(summary.String), run.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
		}
	}
	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	run.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		run.FinishedAt = &t
	}
	return &run, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func marshalNullable(values []float64) (interface{}, error) {
	if values == nil {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return string(data), nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
