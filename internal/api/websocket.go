package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"missionlab/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleMissionWebSocket streams progress events for one mission. The first
// frame is a snapshot of the mission row; later frames are bus events.
func (s *Server) handleMissionWebSocket(w http.ResponseWriter, r *http.Request) {
	missionID := chi.URLParam(r, "id")
	mission, err := s.deps.Missions.GetMission(r.Context(), missionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("mission_id", missionID), zap.Error(err))
		return
	}
	defer ws.Close()

	events, unsubscribe := s.deps.Progress.Subscribe(missionID)
	defer unsubscribe()

	snapshot := domain.ProgressEvent{
		Kind:      "mission.snapshot",
		UserID:    mission.UserID,
		MissionID: mission.ID,
		Payload:   mustJSON(mission),
		CreatedAt: time.Now().UTC(),
	}
	if err := writeFrame(ws, snapshot); err != nil {
		return
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-s.base.Done():
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if err := writeFrame(ws, evt); err != nil {
					s.logger.Debug("websocket write failed", zap.String("mission_id", missionID), zap.Error(err))
					return
				}
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	// Clients only send close frames; reading keeps control frames flowing.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", zap.String("mission_id", missionID), zap.Error(err))
			}
			break
		}
	}

	close(done)
	wg.Wait()
}

func writeFrame(ws *websocket.Conn, evt domain.ProgressEvent) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(evt)
}
