package database

import (
	"database/sql"
	"time"
)

const turnRunColumns = `id, session_id, provider, model, project_path, permission_mode, status, attempts, user_message_id, error, created_at, completed_at`

// CreateTurnRun inserts a running turn and sets its ID.
func (d *Database) CreateTurnRun(run *TurnRun) (int64, error) {
	run.CreatedAt = time.Now()
	if run.Status == "" {
		run.Status = TurnRunning
	}

	result, err := d.db.Exec(`
		INSERT INTO turn_runs (session_id, provider, model, project_path, permission_mode, status, attempts, user_message_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.SessionID, run.Provider, run.Model, run.ProjectPath, run.PermissionMode,
		run.Status, run.Attempts, run.UserMessageID, run.Error, run.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

// FinishTurnRun records the outcome of a turn.
func (d *Database) FinishTurnRun(id int64, sessionID, status string, attempts int, userMessageID, errMsg string) error {
	_, err := d.db.Exec(`
		UPDATE turn_runs SET session_id = ?, status = ?, attempts = ?, user_message_id = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		sessionID, status, attempts, userMessageID, errMsg, time.Now().Unix(), id)
	return err
}

// GetTurnRun retrieves a turn run by ID.
func (d *Database) GetTurnRun(id int64) (*TurnRun, error) {
	return scanTurnRun(d.db.QueryRow(`SELECT `+turnRunColumns+` FROM turn_runs WHERE id = ?`, id))
}

// ListTurnRuns returns the most recent turns, optionally for one session.
func (d *Database) ListTurnRuns(sessionID string, limit int) ([]*TurnRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + turnRunColumns + ` FROM turn_runs`
	args := []interface{}{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*TurnRun
	for rows.Next() {
		run, err := scanTurnRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkInterruptedRuns flags runs left running by a previous process.
func (d *Database) MarkInterruptedRuns() (int64, error) {
	result, err := d.db.Exec(`UPDATE turn_runs SET status = ?, completed_at = ? WHERE status = ?`,
		TurnInterrupted, time.Now().Unix(), TurnRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanTurnRun(row scanner) (*TurnRun, error) {
	run := &TurnRun{}
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&run.ID, &run.SessionID, &run.Provider, &run.Model, &run.ProjectPath,
		&run.PermissionMode, &run.Status, &run.Attempts, &run.UserMessageID, &run.Error,
		&createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		run.CompletedAt = &t
	}
	return run, nil
}
