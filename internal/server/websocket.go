package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/submission"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the bearer token or dev header authenticates the upgrade
	},
}

// handleSubmissionStream sends the submission's current status, then every
// later transition, and closes after a terminal status.
func (s *Server) handleSubmissionStream(w http.ResponseWriter, r *http.Request) {
	sub, err := s.ownedSubmission(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Subscribe before the snapshot so no transition falls in between.
	events, cancel := s.runs.Hub().Subscribe(sub.ID)
	defer cancel()

	if sub, err = s.store.GetSubmission(r.Context(), sub.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	log := s.logger.With(zap.String("submission_id", sub.ID))

	snapshot := submission.Event{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		Result:       sub.Result,
		Error:        sub.ErrorMessage,
		At:           sub.UpdatedAt,
	}
	if !wsWriteJSON(conn, log, snapshot) || sub.Status.Terminal() {
		wsClose(conn)
		return
	}

	// Read loop only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				wsClose(conn)
				return
			}
			if !wsWriteJSON(conn, log, e) {
				return
			}
		case <-gone:
			return
		}
	}
}

func wsWriteJSON(conn *websocket.Conn, log *zap.Logger, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("websocket marshal error", zap.Error(err))
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug("websocket write error", zap.Error(err))
		return false
	}
	return true
}

func wsClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
