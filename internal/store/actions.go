package store

import (
	"time"
)

// ActionRecord is the journaled form of a pending action.
type ActionRecord struct {
	TempID       string
	Kind         string
	Payload      []byte
	State        string
	ServerID     string
	ErrorMessage string
	IssuedAt     int64
	UpdatedAt    int64
}

// InsertAction journals a newly begun action.
func (db *DB) InsertAction(r *ActionRecord) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO pending_actions (temp_id, kind, payload, state, issued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TempID, r.Kind, string(r.Payload), r.State, r.IssuedAt, now)
	return err
}

// ResolveAction records the outcome of an action. Only in-flight rows are
// updated, mirroring the single-shot resolution of the log.
func (db *DB) ResolveAction(tempID, state, serverID, errMsg string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE pending_actions
		SET state = ?, server_id = ?, error_message = ?, updated_at = ?
		WHERE temp_id = ? AND state = 'in_flight'`,
		state, serverID, errMsg, now, tempID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListActions returns journaled actions in the given state, oldest first.
func (db *DB) ListActions(state string) ([]ActionRecord, error) {
	rows, err := db.Query(`
		SELECT temp_id, kind, payload, state, server_id, error_message, issued_at, updated_at
		FROM pending_actions WHERE state = ? ORDER BY issued_at ASC`, state)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ActionRecord
	for rows.Next() {
		var r ActionRecord
		var payload string
		if err := rows.Scan(&r.TempID, &r.Kind, &payload, &r.State, &r.ServerID, &r.ErrorMessage, &r.IssuedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// FailOrphaned marks every in-flight action failed. Called at startup: the
// process that issued them is gone and can no longer resolve them.
func (db *DB) FailOrphaned(reason string) ([]ActionRecord, error) {
	orphans, err := db.ListActions("in_flight")
	if err != nil {
		return nil, err
	}
	for i := range orphans {
		if _, err := db.ResolveAction(orphans[i].TempID, "failed", "", reason); err != nil {
			return nil, err
		}
		orphans[i].State = "failed"
		orphans[i].ErrorMessage = reason
	}
	return orphans, nil
}

// PruneResolved deletes resolved actions last updated before cutoff.
func (db *DB) PruneResolved(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM pending_actions
		WHERE state != 'in_flight' AND updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
