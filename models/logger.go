package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

type LogKind string

const (
	// step output
	LogKindData LogKind = "data"
	// step boundaries
	LogKindControl LogKind = "control"
)

type LogLine struct {
	Kind    LogKind   `json:"kind"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
	StepId  int       `json:"step_id"`

	// fields if kind is "data"
	Stream string `json:"stream,omitempty"`

	// fields if kind is "control"
	StepStatus  StepStatus        `json:"step_status,omitempty"`
	StepKind    workflow.StepKind `json:"step_kind,omitempty"`
	StepCommand string            `json:"step_command,omitempty"`
	StepResult  StatusKind        `json:"step_result,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		Content: content,
		StepId:  idx,
		Stream:  stream,
	}
}

func NewControlLogLine(idx int, step workflow.StepSpec, status StepStatus, result StatusKind) LogLine {
	return LogLine{
		Kind:        LogKindControl,
		Time:        time.Now(),
		Content:     step.Name,
		StepId:      idx,
		StepStatus:  status,
		StepKind:    step.Kind,
		StepCommand: step.Command,
		StepResult:  result,
	}
}

// InstanceLogger writes an instance's step output and step boundaries as
// JSON lines. It is safe for concurrent use by the stdout and stderr copiers
// of a step.
type InstanceLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder

	mirror io.Writer
	prefix string
}

func NewInstanceLogger(baseDir string, id InstanceId) (*InstanceLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path, err := LogFilePath(baseDir, id.String())
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &InstanceLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// LogFilePath resolves the log file of an instance, refusing ids that
// would escape baseDir.
func LogFilePath(baseDir string, instanceId string) (string, error) {
	p, err := securejoin.SecureJoin(baseDir, instanceId+".log")
	if err != nil {
		return "", fmt.Errorf("resolving log path: %w", err)
	}
	if filepath.Dir(p) != filepath.Clean(baseDir) {
		return "", fmt.Errorf("resolving log path: %q is not a plain instance id", instanceId)
	}
	return p, nil
}

// Mirror copies data lines to w as plain "prefix | line" text.
func (l *InstanceLogger) Mirror(w io.Writer, prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = w
	l.prefix = prefix
}

func (l *InstanceLogger) Close() error {
	return l.file.Close()
}

func (l *InstanceLogger) encode(line LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mirror != nil && line.Kind == LogKindData {
		fmt.Fprintf(l.mirror, "%s | %s\n", l.prefix, line.Content)
	}
	return l.encoder.Encode(line)
}

func (l *InstanceLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

// StepStart and StepEnd write the control lines around a step.
func (l *InstanceLogger) StepStart(idx int, step workflow.StepSpec) error {
	return l.encode(NewControlLogLine(idx, step, StepStatusStart, ""))
}

func (l *InstanceLogger) StepEnd(idx int, step workflow.StepSpec, result StatusKind) error {
	return l.encode(NewControlLogLine(idx, step, StepStatusEnd, result))
}

type dataWriter struct {
	logger *InstanceLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		entry := NewDataLogLine(w.idx, strings.TrimRight(line, "\r"), w.stream)
		if err := w.logger.encode(entry); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
