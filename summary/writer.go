// Package summary provides the scalar logging sink used by the training
// loop. Repeated writes to a tag inside a dump window are averaged before
// they reach disk, so high-frequency per-batch scalars do not flood the
// event log.
package summary

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Writer accepts scalar values keyed by tag and step. disableAvg bypasses
// window averaging and records the value immediately.
type Writer interface {
	AddScalar(tag string, value float64, step int, disableAvg bool)
	Flush() error
	Close() error
}

// Event is one scalar record in the JSONL event log.
type Event struct {
	Tag   string    `json:"tag"`
	Value float64   `json:"value"`
	Step  int       `json:"step"`
	Wall  time.Time `json:"wall"`
}

type avgState struct {
	sum       float64
	count     int
	firstStep int
}

// FileWriter appends events to a JSONL file under the log directory.
type FileWriter struct {
	mu         sync.Mutex
	file       *os.File
	enc        *json.Encoder
	dumpPeriod int
	pending    map[string]*avgState
	logger     *zap.SugaredLogger
}

// NewFileWriter creates the log directory if needed and opens the event file
// for appending. dumpPeriod is the averaging window in global steps; values
// below 1 disable averaging entirely.
func NewFileWriter(dir string, dumpPeriod int, logger *zap.SugaredLogger) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %s", dir)
	}
	path := filepath.Join(dir, "events.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open event log %s", path)
	}
	return &FileWriter{
		file:       file,
		enc:        json.NewEncoder(file),
		dumpPeriod: dumpPeriod,
		pending:    make(map[string]*avgState),
		logger:     logger,
	}, nil
}

// AddScalar records a scalar. With averaging enabled the value joins the
// tag's current window and is flushed once the window spans dumpPeriod
// steps.
func (w *FileWriter) AddScalar(tag string, value float64, step int, disableAvg bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if disableAvg || w.dumpPeriod <= 1 {
		w.write(tag, value, step)
		return
	}

	state := w.pending[tag]
	if state == nil {
		state = &avgState{firstStep: step}
		w.pending[tag] = state
	}
	state.sum += value
	state.count++
	if step-state.firstStep+1 >= w.dumpPeriod {
		w.write(tag, state.sum/float64(state.count), step)
		delete(w.pending, tag)
	}
}

// Flush drains every partially filled averaging window to disk.
func (w *FileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for tag, state := range w.pending {
		w.write(tag, state.sum/float64(state.count), state.firstStep+state.count-1)
		delete(w.pending, tag)
	}
	return w.file.Sync()
}

// Close flushes pending windows and closes the event file.
func (w *FileWriter) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

func (w *FileWriter) write(tag string, value float64, step int) {
	event := Event{Tag: tag, Value: value, Step: step, Wall: time.Now()}
	if err := w.enc.Encode(&event); err != nil && w.logger != nil {
		w.logger.Errorw("failed to write scalar event", "tag", tag, "error", err)
	}
}
