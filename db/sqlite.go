package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"etongue/inference"
	"etongue/ml"
)

var database *sql.DB

// InitDB initializes the SQLite run log
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL UNIQUE,
        model_name VARCHAR(50) NOT NULL,
        test_accuracy REAL,
        precision REAL,
        recall REAL,
        f1_score REAL,
        data_points INTEGER,
        artifact_dir TEXT,
        trained_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS family_scores (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        model_name VARCHAR(50) NOT NULL,
        status TEXT NOT NULL,
        val_accuracy REAL,
        cv_accuracy REAL,
        params TEXT,
        error TEXT,
        duration_ms INTEGER,
        UNIQUE(run_id, model_name)
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50) NOT NULL,
        predicted_class TEXT NOT NULL,
        confidence REAL,
        ph REAL,
        conductivity REAL,
        temperature REAL,
        signal_points INTEGER,
        cached INTEGER DEFAULT 0,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `

	_, err = database.Exec(query)
	return err
}

func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

type TrainingRun struct {
	RunID        string    `json:"run_id"`
	ModelName    string    `json:"model_name"`
	TestAccuracy float64   `json:"test_accuracy"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	F1           float64   `json:"f1_score"`
	DataPoints   int       `json:"data_points"`
	ArtifactDir  string    `json:"artifact_dir"`
	TrainedAt    time.Time `json:"trained_at"`
}

type FamilyScore struct {
	RunID       string  `json:"run_id"`
	ModelName   string  `json:"model_name"`
	Status      string  `json:"status"` // trained, failed, unavailable
	ValAccuracy float64 `json:"val_accuracy"`
	// CVAccuracy is NaN when the family has no cross-validation score.
	CVAccuracy float64       `json:"cv_accuracy"`
	Params     string        `json:"params"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// SaveTrainingRun stores the run and its per-family scores in one transaction.
func SaveTrainingRun(runID, artifactDir string, dataPoints int, result *ml.TrainingResult) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	if runID == "" {
		return errors.New("run id required")
	}
	if result == nil || result.Metadata == nil || result.Report == nil {
		return errors.New("training result incomplete")
	}
	tx, err := database.Begin()
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
        INSERT INTO training_runs (
            run_id, model_name, test_accuracy, precision, recall, f1_score,
            data_points, artifact_dir, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, result.Metadata.ModelName, result.Report.Accuracy, result.Report.Precision,
		result.Report.Recall, result.Report.F1, dataPoints, artifactDir, result.Metadata.TrainedAt)
	if err != nil {
		tx.Rollback()
		return err
	}

	for _, f := range result.Families {
		score := familyScore(runID, f)
		var cv sql.NullFloat64
		if !math.IsNaN(score.CVAccuracy) {
			cv = sql.NullFloat64{Float64: score.CVAccuracy, Valid: true}
		}
		_, err = tx.Exec(`
            INSERT OR REPLACE INTO family_scores (
                run_id, model_name, status, val_accuracy, cv_accuracy, params, error, duration_ms
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			score.RunID, score.ModelName, score.Status, score.ValAccuracy, cv,
			score.Params, score.Error, score.Duration.Milliseconds())
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func familyScore(runID string, f ml.FamilyOutcome) FamilyScore {
	score := FamilyScore{
		RunID:       runID,
		ModelName:   f.Name,
		Status:      "trained",
		ValAccuracy: f.ValidationAccuracy,
		CVAccuracy:  f.CVAccuracy,
		Duration:    f.Duration,
	}
	if f.Params != nil {
		if raw, err := json.Marshal(f.Params); err == nil {
			score.Params = string(raw)
		}
	}
	if f.Err != nil {
		score.Status = "failed"
		if errors.Is(f.Err, ml.ErrTrainingFamilyUnavailable) {
			score.Status = "unavailable"
		}
		score.Error = f.Err.Error()
		score.ValAccuracy = 0
		score.CVAccuracy = math.NaN()
	}
	return score
}

func LoadTrainingRuns(limit int) ([]TrainingRun, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := database.Query(`
        SELECT run_id, model_name, test_accuracy, precision, recall, f1_score,
               data_points, artifact_dir, trained_at
        FROM training_runs
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var r TrainingRun
		if err := rows.Scan(&r.RunID, &r.ModelName, &r.TestAccuracy, &r.Precision, &r.Recall, &r.F1,
			&r.DataPoints, &r.ArtifactDir, &r.TrainedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func LoadFamilyScores(runID string) ([]FamilyScore, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := database.Query(`
        SELECT run_id, model_name, status, val_accuracy, cv_accuracy, params, error, duration_ms
        FROM family_scores
        WHERE run_id = ?
        ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make([]FamilyScore, 0)
	for rows.Next() {
		var (
			s          FamilyScore
			cv         sql.NullFloat64
			params     sql.NullString
			errText    sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&s.RunID, &s.ModelName, &s.Status, &s.ValAccuracy, &cv, &params, &errText, &durationMS); err != nil {
			return nil, err
		}
		s.CVAccuracy = math.NaN()
		if cv.Valid {
			s.CVAccuracy = cv.Float64
		}
		s.Params = params.String
		s.Error = errText.String
		s.Duration = time.Duration(durationMS) * time.Millisecond
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// PredictionLog records dispatcher results into the predictions table.
type PredictionLog struct{}

func (PredictionLog) RecordPrediction(ctx context.Context, reading ml.SensorReading, p *inference.Prediction) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	cached := 0
	if p.Cached {
		cached = 1
	}
	_, err := database.ExecContext(ctx, `
        INSERT INTO predictions (
            model_name, predicted_class, confidence, ph, conductivity, temperature,
            signal_points, cached, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ModelName, p.Class, p.Confidence, reading.PH, reading.Conductivity, reading.Temperature,
		len(reading.Signal), cached, time.Now().UTC())
	return err
}

type PredictionRow struct {
	ModelName      string    `json:"model_name"`
	PredictedClass string    `json:"predicted_class"`
	Confidence     float64   `json:"confidence"`
	PH             float64   `json:"ph"`
	Conductivity   float64   `json:"conductivity"`
	Temperature    float64   `json:"temperature"`
	SignalPoints   int       `json:"signal_points"`
	Cached         bool      `json:"cached"`
	CreatedAt      time.Time `json:"created_at"`
}

func LoadPredictions(limit int) ([]PredictionRow, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := database.Query(`
        SELECT model_name, predicted_class, confidence, ph, conductivity, temperature,
               signal_points, cached, created_at
        FROM predictions
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PredictionRow, 0)
	for rows.Next() {
		var p PredictionRow
		if err := rows.Scan(&p.ModelName, &p.PredictedClass, &p.Confidence, &p.PH, &p.Conductivity,
			&p.Temperature, &p.SignalPoints, &p.Cached, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
