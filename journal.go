package main

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Journal records runs and their per-iteration diagnostics in sqlite. It
// never stores parameters.
type Journal struct {
	db    *sql.DB
	runID int64
}

func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started REAL NOT NULL,
			prompt TEXT NOT NULL,
			image TEXT NOT NULL,
			config TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS iterations(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id),
			iter INTEGER NOT NULL,
			ts REAL NOT NULL,
			loss REAL NOT NULL,
			mean_clip REAL NOT NULL,
			mean_kl REAL NOT NULL,
			grad_norm REAL NOT NULL,
			best_cost REAL NOT NULL,
			best_text TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create journal tables")
		}
	}
	return &Journal{db: db}, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}

// StartRun opens a new run row; later reports attach to it.
func (j *Journal) StartRun(cfg Config) (int64, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return 0, errors.Wrap(err, "encode config")
	}
	image := ""
	if len(cfg.Images) > 0 {
		image = cfg.Images[0]
	}
	res, err := j.db.Exec("INSERT INTO runs(started, prompt, image, config) VALUES(?,?,?,?)",
		nowSeconds(), cfg.Prompt, image, string(cfgJSON))
	if err != nil {
		return 0, errors.Wrap(err, "insert run")
	}
	j.runID, err = res.LastInsertId()
	return j.runID, errors.Wrap(err, "run id")
}

func (j *Journal) Report(r *IterationReport) error {
	if j.runID == 0 {
		return errors.New("journal: no run started")
	}
	_, err := j.db.Exec(`INSERT INTO iterations(run_id, iter, ts, loss, mean_clip, mean_kl, grad_norm, best_cost, best_text)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		j.runID, r.Iteration, nowSeconds(), r.Loss, r.MeanClip, r.MeanKL, r.GradNorm, r.BestCost, r.BestText)
	return errors.Wrap(err, "insert iteration")
}

type JournalEntry struct {
	Iteration int
	Loss      float64
	MeanClip  float64
	MeanKL    float64
	GradNorm  float64
	BestCost  float64
	BestText  string
}

// Iterations returns the rows of runID in iteration order.
func (j *Journal) Iterations(runID int64) ([]JournalEntry, error) {
	rows, err := j.db.Query(`SELECT iter, loss, mean_clip, mean_kl, grad_norm, best_cost, best_text
		FROM iterations WHERE run_id = ? ORDER BY iter`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query iterations")
	}
	defer rows.Close()
	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.Iteration, &e.Loss, &e.MeanClip, &e.MeanKL, &e.GradNorm, &e.BestCost, &e.BestText); err != nil {
			return nil, errors.Wrap(err, "scan iteration")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate rows")
}

func (j *Journal) Close() error {
	return j.db.Close()
}
