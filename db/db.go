package db

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"tangled.sh/tangled.sh/bobbin/notifier"
)

// DB stores runs and the status events of their instances. It satisfies
// models.StatusSink, and every write wakes the notifier's subscribers.
type DB struct {
	*sql.DB
	n *notifier.Notifier

	clockMu sync.Mutex
	last    int64
}

func Make(dbPath string, n *notifier.Notifier) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// every connection to :memory: is a separate database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			pipeline text not null,
			trigger text not null, -- json
			verdict text not null default 'pending',
			started integer not null, -- unix nanos
			finished integer not null default 0
		);

		-- status event for a single run or instance
		create table if not exists events (
			rkey text not null,
			kind text not null,
			run_id text not null,
			event text not null, -- json
			created integer not null -- unix nanos, unique
		);

		create index if not exists events_created on events (created);
		create index if not exists events_run on events (run_id, created);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{DB: db, n: n}, nil
}

// now hands out strictly increasing unix nanos, so that event cursors never
// skip or repeat an event.
func (d *DB) now() int64 {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()

	t := time.Now().UnixNano()
	if t <= d.last {
		t = d.last + 1
	}
	d.last = t
	return t
}
