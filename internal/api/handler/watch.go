package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/kueuexec/internal/api/response"
	"github.com/kiranshivaraju/kueuexec/internal/watch"
)

const (
	watchWriteWait = 10 * time.Second
	watchPongWait  = 60 * time.Second
	watchPingEvery = (watchPongWait * 9) / 10
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewWatchHandler returns an http.HandlerFunc for GET /api/v1/jobs/watch.
// An optional job_id query parameter restricts the stream to one job.
func NewWatchHandler(hub *watch.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := uuid.Nil
		if v := r.URL.Query().Get("job_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "job_id must be a UUID", nil)
				return
			}
			filter = id
		}

		conn, err := watchUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		events, unsubscribe := hub.Subscribe(filter)
		defer unsubscribe()

		if err := conn.SetReadDeadline(time.Now().Add(watchPongWait)); err != nil {
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(watchPongWait))
		})

		// The reader only drains control frames and notices the client leaving.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(watchPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-readerDone:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
