package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/gofiber/fiber/v3"
)

const keepAliveInterval = 15 * time.Second

// streamEvents writes the run's events as server-sent events until the run
// ends or the client goes away.
func (h *APIHandlers) streamEvents(c fiber.Ctx, runID string, after int64) error {
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := h.events.Stream(ctx, runID)
	if err != nil {
		cancel()

		return internalError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	reader, writer := io.Pipe()

	go func() {
		defer cancel()

		err := writeEvents(writer, stream, after, keepAliveInterval)
		if err != nil {
			h.logger.Debug("Event stream closed", "run_id", runID, "error", err)
		}

		_ = writer.CloseWithError(err)
	}()

	return c.SendStream(reader)
}

// writeEvents frames events as SSE messages. It returns nil once a terminal
// run event was written or the stream closed, and the write error when the
// reader went away.
func writeEvents(w io.Writer, stream <-chan events.Event, after int64, keepAlive time.Duration) error {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-stream:
			if !ok {
				return nil
			}

			if event.Seq <= after {
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
			}

			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data); err != nil {
				return err
			}

			if events.IsRunTerminal(event.Type) {
				return nil
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
		}
	}
}
