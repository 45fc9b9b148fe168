package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

var ErrRunNotFound = errors.New("run not found")

func (d *DB) CreateRun(r models.RunRecord) error {
	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return err
	}

	_, err = d.Exec(`
		insert into runs (id, pipeline, trigger, verdict, started)
		values (?, ?, ?, ?, ?)
	`, r.Id, r.Pipeline, string(trigger), models.VerdictPending, unixNanos(r.Started))
	if err != nil {
		return err
	}

	return d.insertEvent(EventKindRun, r.Id, RunEvent{
		RunId:    r.Id,
		Pipeline: r.Pipeline,
		Verdict:  models.VerdictPending,
	})
}

func (d *DB) FinishRun(id string, verdict models.Verdict) error {
	res, err := d.Exec(`
		update runs
		set verdict = ?, finished = ?
		where id = ?
	`, verdict, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	var pipeline string
	if err := d.QueryRow(`select pipeline from runs where id = ?`, id).Scan(&pipeline); err != nil {
		return err
	}

	return d.insertEvent(EventKindRun, id, RunEvent{
		RunId:    id,
		Pipeline: pipeline,
		Verdict:  verdict,
	})
}

func (d *DB) GetRun(id string) (models.RunRecord, error) {
	r, err := scanRun(d.QueryRow(`
		select id, pipeline, trigger, verdict, started, finished
		from runs
		where id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// GetRuns pages through runs in id order, which is creation order since
// run ids are TIDs.
func (d *DB) GetRuns(cursor string) ([]models.RunRecord, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, pipeline, trigger, verdict, started, finished
		from runs
		%s
		order by id asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (models.RunRecord, error) {
	var (
		r                 models.RunRecord
		trigger           string
		started, finished int64
	)
	if err := s.Scan(&r.Id, &r.Pipeline, &trigger, &r.Verdict, &started, &finished); err != nil {
		return r, err
	}

	var ev workflow.TriggerEvent
	if err := json.Unmarshal([]byte(trigger), &ev); err != nil {
		return r, fmt.Errorf("decoding trigger of run %s: %w", r.Id, err)
	}
	r.Trigger = ev
	r.Started = fromUnixNanos(started)
	r.Finished = fromUnixNanos(finished)

	return r, nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixNano()
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
