package web

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func TestWriteEventsStopsAtTerminalEvent(t *testing.T) {
	stream := make(chan events.Event, 4)
	stream <- events.Event{ID: "a", Seq: 1, Type: events.RunStarted}
	stream <- events.Event{ID: "b", Seq: 2, Type: events.NodeStarted}
	stream <- events.Event{ID: "c", Seq: 3, Type: events.RunFailed}
	stream <- events.Event{ID: "d", Seq: 4, Type: events.NodeCompleted}

	var buf bytes.Buffer
	require.NoError(t, writeEvents(&buf, stream, 1, time.Hour))

	text := buf.String()
	assert.NotContains(t, text, "event: run.started")
	assert.Contains(t, text, "id: 2\nevent: node.started\n")
	assert.Contains(t, text, "id: 3\nevent: run.failed\n")
	assert.NotContains(t, text, "node.completed")
}

func TestWriteEventsEndsWhenStreamCloses(t *testing.T) {
	stream := make(chan events.Event)
	close(stream)

	var buf bytes.Buffer
	require.NoError(t, writeEvents(&buf, stream, 0, time.Hour))
	assert.Empty(t, buf.String())
}

func TestWriteEventsDetectsGoneClient(t *testing.T) {
	stream := make(chan events.Event)

	err := writeEvents(brokenWriter{}, stream, 0, time.Millisecond)
	assert.EqualError(t, err, "client gone")
}
