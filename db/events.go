package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/bobbin/models"
)

type EventKind string

const (
	EventKindRun    EventKind = "run"
	EventKindStatus EventKind = "status"
)

type Event struct {
	Rkey      string    `json:"rkey"`
	Kind      EventKind `json:"kind"`
	RunId     string    `json:"run_id"`
	Created   int64     `json:"created"`
	EventJson string    `json:"event"`
}

// RunEvent is written when a run starts and again when its verdict is in.
type RunEvent struct {
	RunId    string         `json:"run_id"`
	Pipeline string         `json:"pipeline"`
	Verdict  models.Verdict `json:"verdict"`
}

// StatusEvent records one instance entering a status.
type StatusEvent struct {
	RunId     string            `json:"run_id"`
	Instance  string            `json:"instance"`
	Job       string            `json:"job"`
	Index     int               `json:"index"`
	Status    models.StatusKind `json:"status"`
	Error     *string           `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (d *DB) insertEvent(kind EventKind, runId string, payload any) error {
	eventJson, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = d.Exec(
		`insert into events (rkey, kind, run_id, event, created) values (?, ?, ?, ?, ?)`,
		tid(),
		kind,
		runId,
		string(eventJson),
		d.now(),
	)
	if err != nil {
		return err
	}

	d.n.NotifyAll()
	return nil
}

// GetEvents returns up to 100 events created after cursor, oldest first.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where created > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select rkey, kind, run_id, event, created
		from events
		%s
		order by created asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Rkey, &ev.Kind, &ev.RunId, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) createStatusEvent(id models.InstanceId, status models.StatusKind, instanceError *string) error {
	return d.insertEvent(EventKindStatus, id.RunId, StatusEvent{
		RunId:     id.RunId,
		Instance:  id.String(),
		Job:       id.Job,
		Index:     id.Index,
		Status:    status,
		Error:     instanceError,
		CreatedAt: time.Now().UTC(),
	})
}

// GetStatus returns the latest status of one instance.
func (d *DB) GetStatus(id models.InstanceId) (*StatusEvent, error) {
	return d.GetStatusByInstance(id.String())
}

// GetStatusByInstance is GetStatus keyed by the instance's string form, as
// it appears in log file names.
func (d *DB) GetStatusByInstance(instance string) (*StatusEvent, error) {
	var eventJson string
	err := d.QueryRow(
		`
		select
			event from events
		where
			kind = ?
			and json_extract(event, '$.instance') = ?
		order by
			created desc
		limit
			1
		`,
		EventKindStatus,
		instance,
	).Scan(&eventJson)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no status for %s: %w", instance, err)
	}
	if err != nil {
		return nil, err
	}

	var status StatusEvent
	if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// GetInstanceStatuses returns the latest status of every instance of a run,
// in the order the instances were first reported.
func (d *DB) GetInstanceStatuses(runId string) ([]StatusEvent, error) {
	rows, err := d.Query(`
		select event
		from events
		where kind = ? and run_id = ?
		order by created asc
	`, EventKindStatus, runId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []StatusEvent
	seen := make(map[string]int)
	for rows.Next() {
		var eventJson string
		if err := rows.Scan(&eventJson); err != nil {
			return nil, err
		}
		var s StatusEvent
		if err := json.Unmarshal([]byte(eventJson), &s); err != nil {
			return nil, err
		}

		if i, ok := seen[s.Instance]; ok {
			statuses[i] = s
			continue
		}
		seen[s.Instance] = len(statuses)
		statuses = append(statuses, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return statuses, nil
}

func (d *DB) StatusPending(id models.InstanceId) error {
	return d.createStatusEvent(id, models.StatusKindPending, nil)
}

func (d *DB) StatusRunning(id models.InstanceId) error {
	return d.createStatusEvent(id, models.StatusKindRunning, nil)
}

func (d *DB) StatusSucceeded(id models.InstanceId) error {
	return d.createStatusEvent(id, models.StatusKindSucceeded, nil)
}

func (d *DB) StatusFailed(id models.InstanceId, stepError string) error {
	return d.createStatusEvent(id, models.StatusKindFailed, &stepError)
}

func (d *DB) StatusCancelled(id models.InstanceId, reason string) error {
	return d.createStatusEvent(id, models.StatusKindCancelled, &reason)
}
