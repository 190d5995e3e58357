// Package sessionlog is the durable record of charging sessions. The store
// is the only writer on the sessions table; HTTP readers get a read-only
// view through ListSessions and ExportCSV.
package sessionlog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Session is one charging episode, open while StopTS is null.
type Session struct {
	ID            int64      `json:"session_id"`
	BackendID     string     `json:"backend_id"`
	TransactionID string     `json:"transaction_id"`
	StartTS       time.Time  `json:"start_ts"`
	StopTS        *time.Time `json:"stop_ts"`
	StartMeterWh  int64      `json:"start_meter_wh"`
	StopMeterWh   *int64     `json:"stop_meter_wh"`
	EnergyWh      *int64     `json:"energy_wh"`
	Reason        string     `json:"reason,omitempty"`
}

// Filter narrows session queries. Zero fields match everything.
type Filter struct {
	From      *time.Time
	To        *time.Time
	BackendID string
}

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = sql.ErrNoRows

// Store persists sessions.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenSession records the start of a session and returns its id. Any
// session still open (a crash leftover) is closed first with reason
// Orphaned, so at most one session is ever open.
func (s *Store) OpenSession(ctx context.Context, backendID, txID string, startMeterWh int64, startTS time.Time) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stop_ts = ?, reason = 'Orphaned' WHERE stop_ts IS NULL`,
		startTS,
	)
	if err != nil {
		return 0, fmt.Errorf("close orphaned sessions: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (backend_id, tx_id, start_ts, start_meter_wh)
		VALUES (?, ?, ?, ?)
		RETURNING session_id
	`, backendID, txID, startTS, startMeterWh).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// CloseSession completes a session by id.
func (s *Store) CloseSession(ctx context.Context, sessionID, stopMeterWh int64, stopTS time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET stop_ts = ?, stop_meter_wh = ?, energy_wh = MAX(0, ? - start_meter_wh), reason = ?
		WHERE session_id = ?
	`, stopTS, stopMeterWh, stopMeterWh, reason, sessionID)
	if err != nil {
		return fmt.Errorf("close session %d: %w", sessionID, err)
	}
	return nil
}

// CloseOpenSession completes the currently open session. When txID is
// non-empty it must match the open session's transaction id; a mismatch
// closes nothing and is reported.
func (s *Store) CloseOpenSession(ctx context.Context, txID string, stopMeterWh int64, stopTS time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET stop_ts = ?, stop_meter_wh = ?, energy_wh = MAX(0, ? - start_meter_wh), reason = ?
		WHERE stop_ts IS NULL AND (? = '' OR tx_id = ?)
	`, stopTS, stopMeterWh, stopMeterWh, reason, txID, txID)
	if err != nil {
		return fmt.Errorf("close open session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no open session matches transaction %q", txID)
	}
	return nil
}

// OpenSessionID returns the id of the open session, or 0.
func (s *Store) OpenSessionID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE stop_ts IS NULL ORDER BY session_id DESC LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE session_id = ?`, id)
	return scanSession(row)
}

const selectColumns = `
	SELECT session_id, backend_id, tx_id, start_ts, stop_ts,
	       start_meter_wh, stop_meter_wh, energy_wh, reason
	FROM sessions`

// ListSessions returns sessions matching the filter, oldest first.
func (s *Store) ListSessions(ctx context.Context, f Filter) ([]Session, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []interface{}
	if f.From != nil {
		query += ` AND start_ts >= ?`
		args = append(args, *f.From)
	}
	if f.To != nil {
		query += ` AND start_ts <= ?`
		args = append(args, *f.To)
	}
	if f.BackendID != "" {
		query += ` AND backend_id = ?`
		args = append(args, f.BackendID)
	}
	query += ` ORDER BY session_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// csvHeader is the stable export column order; it is part of the public
// contract.
var csvHeader = []string{
	"session_id", "backend_id", "start_ts", "stop_ts",
	"start_meter_wh", "stop_meter_wh", "energy_wh", "reason",
}

// ExportCSV writes matching sessions as CSV. Timestamps are ISO-8601 UTC
// with seconds precision.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	sessions, err := s.ListSessions(ctx, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, sess := range sessions {
		record := []string{
			strconv.FormatInt(sess.ID, 10),
			sess.BackendID,
			csvTime(&sess.StartTS),
			csvTime(sess.StopTS),
			strconv.FormatInt(sess.StartMeterWh, 10),
			csvInt(sess.StopMeterWh),
			csvInt(sess.EnergyWh),
			sess.Reason,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func csvInt(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var stopTS sql.NullTime
	var stopMeter, energy sql.NullInt64
	err := row.Scan(&sess.ID, &sess.BackendID, &sess.TransactionID,
		&sess.StartTS, &stopTS, &sess.StartMeterWh, &stopMeter, &energy, &sess.Reason)
	if err != nil {
		return Session{}, err
	}
	if stopTS.Valid {
		t := stopTS.Time
		sess.StopTS = &t
	}
	if stopMeter.Valid {
		n := stopMeter.Int64
		sess.StopMeterWh = &n
	}
	if energy.Valid {
		n := energy.Int64
		sess.EnergyWh = &n
	}
	return sess, nil
}
