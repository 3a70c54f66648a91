package summary

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readEvents(t *testing.T, dir string) []Event {
	t.Helper()
	file, err := os.Open(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestFileWriterAveraging(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, 2, zap.NewNop().Sugar())
	require.NoError(t, err)

	w.AddScalar("immediate", 5, 0, true)
	w.AddScalar("avg", 1, 0, false)
	w.AddScalar("avg", 3, 1, false)
	require.NoError(t, w.Close())

	events := readEvents(t, dir)
	require.Len(t, events, 2)

	assert.Equal(t, "immediate", events[0].Tag)
	assert.Equal(t, 5.0, events[0].Value)
	assert.Equal(t, 0, events[0].Step)

	assert.Equal(t, "avg", events[1].Tag)
	assert.InDelta(t, 2.0, events[1].Value, 1e-9)
	assert.Equal(t, 1, events[1].Step)
}

func TestFileWriterFlushDrainsPartialWindows(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, 10, zap.NewNop().Sugar())
	require.NoError(t, err)

	w.AddScalar("loss", 7, 3, false)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	events := readEvents(t, dir)
	require.Len(t, events, 1)
	assert.Equal(t, "loss", events[0].Tag)
	assert.InDelta(t, 7.0, events[0].Value, 1e-9)
	assert.Equal(t, 3, events[0].Step)
}

func TestFileWriterNoAveragingBelowWindowOfTwo(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, 1, zap.NewNop().Sugar())
	require.NoError(t, err)

	w.AddScalar("loss", 1, 0, false)
	w.AddScalar("loss", 2, 1, false)
	require.NoError(t, w.Close())

	events := readEvents(t, dir)
	require.Len(t, events, 2)
	assert.Equal(t, 1.0, events[0].Value)
	assert.Equal(t, 2.0, events[1].Value)
}

func TestFileWriterAppendsAcrossSessions(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWriter(dir, 1, zap.NewNop().Sugar())
	require.NoError(t, err)
	w.AddScalar("loss", 1, 0, true)
	require.NoError(t, w.Close())

	w, err = NewFileWriter(dir, 1, zap.NewNop().Sugar())
	require.NoError(t, err)
	w.AddScalar("loss", 2, 1, true)
	require.NoError(t, w.Close())

	events := readEvents(t, dir)
	require.Len(t, events, 2)
}
