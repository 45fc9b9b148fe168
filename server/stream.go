package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
	"tangled.sh/tangled.sh/bobbin/models"
)

const keepaliveInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// readUntilClosed drains client frames and cancels once the client goes away.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			cancel()
			return
		}
	}
}

// Events streams every stored event after ?cursor=, then live ones as they
// are written.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")

	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		var err error
		cursor, err = strconv.ParseInt(c, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor must be an integer")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Debug("upgraded http to ws")

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	// complete backfill first before going to live data
	l.Debug("going through backfill", "cursor", cursor)
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Debug("stopping stream: client closed connection")
			return
		case <-ch:
			if err := s.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
		}
	}
}

func (s *Server) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		evts, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}

		for _, ev := range evts {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Created
		}

		// a full page means there may be more
		if len(evts) < 100 {
			return nil
		}
	}
}

// Logs tails an instance's log file line by line and closes the stream
// once the instance is finished and its log is drained.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	instance := chi.URLParam(r, "instance")
	l := s.l.With("handler", "Logs", "instance", instance)

	path, err := models.LogFilePath(s.cfg.Pipelines.LogDir, instance)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance")
		return
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "no log for instance")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log", "err", err)
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	finished := false
	idle := false
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				l.Error("failed to read log line", "err", line.Err)
				return
			}
			idle = false
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				l.Error("failed to write log line", "err", err)
				return
			}
		case <-poll.C:
			// one quiet tick after the instance finished means the tail has
			// caught up with the last write
			if finished && idle {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "instance finished"),
					time.Now().Add(time.Second))
				return
			}
			idle = true
			if !finished {
				finished = s.instanceFinished(instance)
			}
		}
	}
}

func (s *Server) instanceFinished(instance string) bool {
	status, err := s.db.GetStatusByInstance(instance)
	if err != nil {
		return false
	}
	return status.Status.IsFinish()
}
