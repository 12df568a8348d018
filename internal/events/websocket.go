package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single frame write to a slow client.
const writeTimeout = 10 * time.Second

// Stream upgrades the request to a websocket and forwards events from ch
// until a terminal event was sent, ch is closed, or the client goes away.
// initial is sent first so the client sees the current status immediately;
// it never closes the stream on its own, so a client can watch a rerun of a
// finished job.
// originPatterns is passed to [websocket.AcceptOptions].
func Stream(w http.ResponseWriter, r *http.Request, initial Event, ch <-chan Event, originPatterns []string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return fmt.Errorf("events: accept websocket: %w", err)
	}
	defer conn.CloseNow()

	// Clients never send anything; CloseRead cancels ctx when they hang up.
	ctx := conn.CloseRead(r.Context())

	if err := writeEvent(ctx, conn, initial); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			if e.Terminal() {
				return conn.Close(websocket.StatusNormalClosure, string(e.Status))
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("events: write: %w", err)
	}
	return nil
}
