// Package store keeps a SQLite history of round results.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/NodePath81/fbping/internal/pinger"
	_ "github.com/mattn/go-sqlite3"
)

const (
	KindHost    = "host"
	KindNetwork = "network"

	defaultHistoryLimit = 100
	maxHistoryLimit     = 10000
)

const schema = `
CREATE TABLE IF NOT EXISTS rounds (
    run_id      TEXT PRIMARY KEY,
    qos         INTEGER NOT NULL,
    started_at  INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    targets     INTEGER NOT NULL,
    sent        INTEGER NOT NULL,
    accepted    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id           TEXT NOT NULL,
    kind             TEXT NOT NULL,
    name             TEXT NOT NULL,
    ip               TEXT NOT NULL,
    mac              TEXT NOT NULL,
    site             TEXT NOT NULL,
    network          TEXT NOT NULL,
    qos              INTEGER NOT NULL,
    ts               INTEGER NOT NULL,
    num_recv         INTEGER NOT NULL,
    num_xmit         INTEGER NOT NULL,
    loss_ratio       REAL NOT NULL,
    rtt_avg          REAL NOT NULL,
    rtt_p75          REAL NOT NULL,
    rtt_p90          REAL NOT NULL,
    rtt_max          REAL NOT NULL,
    fraction_clipped REAL NOT NULL,
    dead             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS results_name_ts ON results (name, ts);
CREATE INDEX IF NOT EXISTS results_ts ON results (ts);
`

// Record is one stored host or network result.
type Record struct {
	RunID  string            `json:"run_id"`
	Kind   string            `json:"kind"`
	Result pinger.TestResult `json:"result"`
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Write stores one round and all of its host and network results.
func (s *Store) Write(ctx context.Context, res *pinger.Results) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const insertRound = `
INSERT INTO rounds (run_id, qos, started_at, duration_ms, targets, sent, accepted)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	if _, err := tx.ExecContext(ctx, insertRound,
		res.RunID,
		int(res.QoS),
		res.Started.UnixMilli(),
		res.Duration.Milliseconds(),
		res.Stats.Targets,
		int64(res.Stats.Sent),
		int64(res.Stats.Accepted),
	); err != nil {
		return fmt.Errorf("insert round: %w", err)
	}

	const insertResult = `
INSERT INTO results (
    run_id, kind, name, ip, mac, site, network, qos, ts,
    num_recv, num_xmit, loss_ratio, rtt_avg, rtt_p75, rtt_p90, rtt_max,
    fraction_clipped, dead
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	stmt, err := tx.PrepareContext(ctx, insertResult)
	if err != nil {
		return err
	}
	defer stmt.Close()

	insert := func(kind string, r pinger.TestResult) error {
		_, err := stmt.ExecContext(ctx,
			res.RunID, kind, RecordName(kind, r.Target),
			r.Target.IP, r.Target.MAC, r.Target.Site, r.Target.Network,
			int(r.QoS), r.Timestamp,
			int64(r.NumRecv), int64(r.NumXmit),
			r.LossRatio, r.RTTAvg, r.RTTP75, r.RTTP90, r.RTTMax,
			r.FractionClipped, r.Dead,
		)
		return err
	}
	for _, r := range res.Hosts {
		if err := insert(KindHost, r); err != nil {
			return fmt.Errorf("insert host result: %w", err)
		}
	}
	for _, r := range res.Networks {
		if err := insert(KindNetwork, r); err != nil {
			return fmt.Errorf("insert network result: %w", err)
		}
	}
	return tx.Commit()
}

// RecordName is the history key of a result: the host name (or address)
// for hosts, the network name for networks.
func RecordName(kind string, t pinger.Target) string {
	if kind == KindNetwork {
		return t.Network
	}
	if t.Name != "" {
		return t.Name
	}
	return t.IP
}

// History returns up to limit results stored under name, newest first.
func (s *Store) History(ctx context.Context, name string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	const query = `
SELECT run_id, kind, name, ip, mac, site, network, qos, ts,
       num_recv, num_xmit, loss_ratio, rtt_avg, rtt_p75, rtt_p90, rtt_max,
       fraction_clipped, dead
  FROM results
 WHERE name = ?
 ORDER BY ts DESC, id DESC
 LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, query, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var recordName string
		var qos int
		var numRecv, numXmit int64
		r := &rec.Result
		if err := rows.Scan(&rec.RunID, &rec.Kind, &recordName,
			&r.Target.IP, &r.Target.MAC, &r.Target.Site, &r.Target.Network,
			&qos, &r.Timestamp, &numRecv, &numXmit,
			&r.LossRatio, &r.RTTAvg, &r.RTTP75, &r.RTTP90, &r.RTTMax,
			&r.FractionClipped, &r.Dead); err != nil {
			return nil, err
		}
		if rec.Kind == KindHost {
			r.Target.Name = recordName
		}
		r.QoS = uint8(qos)
		r.NumRecv = uint64(numRecv)
		r.NumXmit = uint64(numXmit)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes rounds and results older than before and returns the number
// of result rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM results WHERE ts < ?;`, before.Unix())
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rounds WHERE started_at < ?;`, before.UnixMilli()); err != nil {
		return 0, err
	}
	return removed, tx.Commit()
}
