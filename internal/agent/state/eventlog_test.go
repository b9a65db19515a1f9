package state

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent/stream"
)

func rawEvent(i int) stream.Event {
	return stream.Event{Type: stream.TypeRaw, Text: fmt.Sprintf("line-%d", i)}
}

func TestAppendAndReadEvents(t *testing.T) {
	s := newTestStore(t)

	batch1 := []stream.Event{rawEvent(0), rawEvent(1)}
	batch2 := []stream.Event{rawEvent(2)}
	s.AppendEvents("a1", batch1)
	s.AppendEvents("a1", batch2)
	s.FlushEvents("a1")

	events := s.ReadEvents("a1")
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("line-%d", i), ev.Text)
	}
}

func TestReadEventsSkipsUnparseableLines(t *testing.T) {
	s := newTestStore(t)
	s.AppendEvents("a1", []stream.Event{rawEvent(0)})
	s.FlushEvents("a1")

	// Corrupt the log by appending garbage directly.
	f, err := os.OpenFile(s.eventsPath("a1"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s.AppendEvents("a1", []stream.Event{rawEvent(1)})
	s.FlushEvents("a1")

	events := s.ReadEvents("a1")
	require.Len(t, events, 2)
	assert.Equal(t, "line-0", events[0].Text)
	assert.Equal(t, "line-1", events[1].Text)
}

func TestEventLogTruncation(t *testing.T) {
	s := newTestStore(t)

	// Push past the truncation threshold in chunks.
	const total = TruncateThreshold + 500
	for start := 0; start < total; start += 500 {
		batch := make([]stream.Event, 0, 500)
		for i := start; i < start+500 && i < total; i++ {
			batch = append(batch, rawEvent(i))
		}
		s.AppendEvents("a1", batch)
	}
	s.FlushEvents("a1")

	data, err := os.ReadFile(s.eventsPath("a1"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, MaxPersistedEvents, len(lines))

	// The kept suffix ends with the newest event.
	events := s.ReadEvents("a1")
	require.Len(t, events, MaxPersistedEvents)
	assert.Equal(t, fmt.Sprintf("line-%d", total-1), events[len(events)-1].Text)
}

func TestPerAgentOrderingPreserved(t *testing.T) {
	s := newTestStore(t)

	const n = 200
	for i := 0; i < n; i++ {
		s.AppendEvents("a1", []stream.Event{rawEvent(i)})
	}
	s.FlushEvents("a1")

	events := s.ReadEvents("a1")
	require.Len(t, events, n)
	for i, ev := range events {
		require.Equal(t, fmt.Sprintf("line-%d", i), ev.Text, "order must match append order")
	}
}

func TestRemoveEventLog(t *testing.T) {
	s := newTestStore(t)
	s.AppendEvents("a1", []stream.Event{rawEvent(0)})
	s.FlushEvents("a1")

	s.RemoveEventLog("a1")

	_, err := os.Stat(s.eventsPath("a1"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, s.ReadEvents("a1"))
}
