package results

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// SQLiteSink stores experiments relationally: one row per run, per event and
// per node-round reception.
type SQLiteSink struct{ db *sql.DB }

// OpenSQLiteSink opens/creates the database and ensures the schema.
func OpenSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS runs (
  run_id              TEXT PRIMARY KEY,
  started             TEXT    NOT NULL,
  topology            TEXT    NOT NULL,
  node_count          INTEGER NOT NULL,
  rounds              INTEGER NOT NULL,
  latency_model       TEXT    NOT NULL,
  unreachable_percent REAL    NOT NULL,
  avg_propagation     REAL    NOT NULL,
  max_propagation     REAL    NOT NULL,
  redundant           INTEGER NOT NULL,
  malicious           INTEGER NOT NULL,
  failed              INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
  run_id     TEXT    NOT NULL REFERENCES runs(run_id),
  seq        INTEGER NOT NULL,
  ts         REAL    NOT NULL,
  round      INTEGER NOT NULL,
  sender     INTEGER NOT NULL,
  receiver   INTEGER NOT NULL,
  latency    REAL    NOT NULL,
  outcome    TEXT    NOT NULL,
  retry      INTEGER NOT NULL,
  malicious  INTEGER NOT NULL,
  version    TEXT    NOT NULL,
  reason     TEXT    NOT NULL,
  PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS receptions (
  run_id   TEXT    NOT NULL REFERENCES runs(run_id),
  node     INTEGER NOT NULL,
  round    INTEGER NOT NULL,
  received INTEGER NOT NULL,
  ttr      REAL,
  hops     INTEGER,
  PRIMARY KEY (run_id, node, round)
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

// Write stores exp in a single transaction.
func (s *SQLiteSink) Write(ctx context.Context, exp *ExperimentData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs(run_id, started, topology, node_count, rounds, latency_model,
		  unreachable_percent, avg_propagation, max_propagation, redundant, malicious, failed)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		exp.RunID, exp.Timestamp, exp.TopologyType, exp.NodeCount, exp.UpdateRounds, exp.LatencyModel,
		exp.UnreachablePercent, exp.AvgPropagationTime, exp.MaxPropagationTime,
		exp.RedundantTransmissions, exp.MaliciousTokens, exp.FailedTokenAttempts,
	); err != nil {
		return fmt.Errorf("insert run %s: %w", exp.RunID, err)
	}

	evStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events(run_id, seq, ts, round, sender, receiver, latency, outcome, retry, malicious, version, reason)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer evStmt.Close()
	for i, e := range exp.Events {
		if _, err := evStmt.ExecContext(ctx, exp.RunID, i, e.Timestamp, e.Round, e.Sender, e.Receiver,
			e.Latency, e.Outcome, e.Retry, e.PossiblyMalicious, e.Version, e.Reason); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	recStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO receptions(run_id, node, round, received, ttr, hops) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer recStmt.Close()
	for key, nd := range exp.Nodes {
		id, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("node key %q: %w", key, err)
		}
		for _, h := range nd.UpdateHistory {
			var ttr sql.NullFloat64
			var hops sql.NullInt64
			if h.TimeToReceive != nil {
				ttr = sql.NullFloat64{Float64: *h.TimeToReceive, Valid: true}
			}
			if h.Hops != nil {
				hops = sql.NullInt64{Int64: int64(*h.Hops), Valid: true}
			}
			if _, err := recStmt.ExecContext(ctx, exp.RunID, id, h.Round, h.Received, ttr, hops); err != nil {
				return fmt.Errorf("insert reception %d/%d: %w", id, h.Round, err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
