package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a run ID has no row.
var ErrNotFound = errors.New("fit run not found")

// FitRun is one persisted validation run.
type FitRun struct {
	RunID                string          `json:"run_id"`
	Label                string          `json:"label,omitempty"`
	Seed                 uint64          `json:"seed"`
	Tracks               int             `json:"tracks"`
	Fitted               int             `json:"fitted"`
	Failed               int             `json:"failed"`
	Skipped              int             `json:"skipped"`
	MeanChi2PerDoF       float64         `json:"mean_chi2_per_dof"`
	MeanProbability      float64         `json:"mean_probability"`
	MomentumResolution   float64         `json:"momentum_resolution"`
	StandaloneResolution float64         `json:"standalone_resolution"`
	OutliersInjected     int             `json:"outliers_injected"`
	OutliersFlagged      int             `json:"outliers_flagged"`
	HitsRecovered        int             `json:"hits_recovered"`
	DurationSeconds      float64         `json:"duration_seconds"`
	Failures             map[string]int  `json:"failures,omitempty"`
	ConfigJSON           json.RawMessage `json:"config_json,omitempty"`
	SummaryJSON          json.RawMessage `json:"summary_json,omitempty"`
	CreatedAt            int64           `json:"created_at"`
}

// FitRunStore persists FitRuns.
type FitRunStore struct {
	db *sql.DB
}

// NewFitRunStore creates a FitRunStore over db.
func NewFitRunStore(db *DB) *FitRunStore {
	return &FitRunStore{db: db.DB}
}

const fitRunColumns = `run_id, label, seed, tracks, fitted, failed, skipped,
	mean_chi2_per_dof, mean_probability, momentum_resolution, standalone_resolution,
	outliers_injected, outliers_flagged, hits_recovered, duration_seconds,
	config_json, summary_json, created_at`

// Insert persists run together with its failure counts. An empty RunID is
// replaced by a new UUID and a zero CreatedAt by the current time.
func (s *FitRunStore) Insert(run *FitRun) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UnixNano()
	}

	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(`INSERT INTO fit_runs (`+fitRunColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Label, int64(run.Seed), run.Tracks, run.Fitted, run.Failed, run.Skipped,
			run.MeanChi2PerDoF, run.MeanProbability, run.MomentumResolution, run.StandaloneResolution,
			run.OutliersInjected, run.OutliersFlagged, run.HitsRecovered, run.DurationSeconds,
			nullableJSON(run.ConfigJSON), nullableJSON(run.SummaryJSON), run.CreatedAt,
		)
		if err != nil {
			return err
		}
		for class, n := range run.Failures {
			if _, err := tx.Exec(`INSERT INTO fit_run_failures (run_id, class, count) VALUES (?, ?, ?)`,
				run.RunID, class, n); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Get returns a single run by ID.
func (s *FitRunStore) Get(runID string) (*FitRun, error) {
	row := s.db.QueryRow(`SELECT `+fitRunColumns+` FROM fit_runs WHERE run_id = ?`, runID)
	run, err := scanFitRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}
	if run.Failures, err = s.failures(runID); err != nil {
		return nil, err
	}
	return run, nil
}

// List returns the most recent runs first, at most limit of them (all
// runs when limit <= 0). Failure counts are not loaded.
func (s *FitRunStore) List(limit int) ([]*FitRun, error) {
	query := `SELECT ` + fitRunColumns + ` FROM fit_runs ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fit runs: %w", err)
	}
	defer rows.Close()

	var runs []*FitRun
	for rows.Next() {
		run, err := scanFitRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Delete removes a run and its failure counts.
func (s *FitRunStore) Delete(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM fit_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete fit run: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil
	})
}

func (s *FitRunStore) failures(runID string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT class, count FROM fit_run_failures WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out map[string]int
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		if out == nil {
			out = make(map[string]int)
		}
		out[class] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFitRun(row scanner) (*FitRun, error) {
	var r FitRun
	var seed int64
	var chi2, prob, res, saRes, dur sql.NullFloat64
	var configStr, summaryStr sql.NullString
	err := row.Scan(
		&r.RunID, &r.Label, &seed, &r.Tracks, &r.Fitted, &r.Failed, &r.Skipped,
		&chi2, &prob, &res, &saRes,
		&r.OutliersInjected, &r.OutliersFlagged, &r.HitsRecovered, &dur,
		&configStr, &summaryStr, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan fit run: %w", err)
	}
	r.Seed = uint64(seed)
	r.MeanChi2PerDoF = chi2.Float64
	r.MeanProbability = prob.Float64
	r.MomentumResolution = res.Float64
	r.StandaloneResolution = saRes.Float64
	r.DurationSeconds = dur.Float64
	if configStr.Valid {
		r.ConfigJSON = json.RawMessage(configStr.String)
	}
	if summaryStr.Valid {
		r.SummaryJSON = json.RawMessage(summaryStr.String)
	}
	return &r, nil
}

func nullableJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
