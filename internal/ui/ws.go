package ui

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/store"
)

const tailBatch = 500

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventTail streams one workflow type's new events over a
// WebSocket. The cursor starts at the stream head (or ?after=) and the
// events table is polled, so a tail held across an engine restart keeps
// going where it was.
func (s *Server) handleEventTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wfType := q.Get("workflow_type")
	if wfType == "" {
		writeError(w, http.StatusBadRequest, "workflow_type required")
		return
	}
	var typeFilter []string
	if et := q.Get("event_type"); et != "" {
		typeFilter = strings.Split(et, ",")
	}

	cursor := int64(-1)
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		cursor = n
	}
	if cursor < 0 {
		head, err := s.st.MaxGlobalID(r.Context(), wfType)
		if err != nil {
			s.serverError(w, "resolve stream head", err)
			return
		}
		cursor = head
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump. Client payloads are discarded; a close ends the tail.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(s.poll)
	defer poll.Stop()
	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		case <-poll.C:
			rows, err := s.st.ListEvents(r.Context(), store.ListQuery{
				WorkflowType:  wfType,
				AfterGlobalID: cursor,
				EventTypes:    typeFilter,
				Limit:         tailBatch,
			})
			if err != nil {
				s.logger.Warn("Event tail poll failed",
					zap.String("workflow_type", wfType), zap.Error(err))
				continue
			}
			for _, row := range rows {
				if err := conn.WriteJSON(eventViewOf(row, true)); err != nil {
					return
				}
				cursor = row.GlobalID
			}
		}
	}
}
