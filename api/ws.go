package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tandemlab/baton"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// watchBuffer sizes the per-watcher event subscription.
	watchBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// watchExecution upgrades to a WebSocket, replays the execution's event
// history, then streams live events until the execution terminates or
// the client hangs up. Events are deduplicated by sequence number, so a
// watcher attached mid-run sees each event exactly once.
func (s *server) watchExecution(c echo.Context) error {
	if s.events == nil {
		return c.JSON(http.StatusNotImplemented, errorResponse{
			Error:   "watch_unavailable",
			Message: "event streaming is not enabled",
		})
	}
	id := c.Param("id")

	// Subscribe before loading the record so no event can fall between
	// the history replay and the live feed.
	live, cancel := s.events.Subscribe(watchBuffer)
	defer cancel()

	exec, err := s.supervisor.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	writeEvent := func(ev baton.Event) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}
	closeNormal := func(reason string) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	}

	lastSeq := 0
	for _, ev := range exec.Events {
		if err := writeEvent(ev); err != nil {
			return nil
		}
		lastSeq = ev.Seq
	}
	if exec.Status.Terminal() {
		closeNormal(string(exec.Status))
		return nil
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-clientGone:
			return nil
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if ev.ExecutionID != id || ev.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(ev); err != nil {
				return nil
			}
			lastSeq = ev.Seq
			if ev.Kind == baton.EventExecution && baton.Status(ev.To).Terminal() {
				closeNormal(ev.To)
				return nil
			}
		}
	}
}
