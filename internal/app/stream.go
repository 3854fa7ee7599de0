package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codepad/api/internal/events"
	"codepad/api/internal/logging"
	"codepad/api/internal/tree"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// streamMessage is one frame of the change stream. The first frame carries the
// tree as it was right after the subscription was attached.
type streamMessage struct {
	Type   string         `json:"type"`
	Tree   *tree.Tree     `json:"tree,omitempty"`
	Change *events.Record `json:"change,omitempty"`
}

func (s *HTTPServer) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || strings.EqualFold(origin, s.corsOrigin)
		},
	}
}

// handleEvents streams committed changes of the workspace over a websocket.
// The subscription is attached before the snapshot is read, so no change made
// after the snapshot can be missed.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, workspaceID string) {
	ctx := r.Context()
	logger := logging.WithContext(ctx).With(zap.String("workspace_id", workspaceID))

	sub, err := s.service.Subscribe(ctx, workspaceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer s.service.Unsubscribe(sub)

	snapshot, err := s.service.GetTree(ctx, workspaceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	if err := writeFrame(conn, streamMessage{Type: "snapshot", Tree: &snapshot}); err != nil {
		logger.Debug("write snapshot frame", zap.Error(err))
		return
	}

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case record, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed; reload the tree"),
					time.Now().Add(streamWriteWait))
				return
			}
			if err := writeFrame(conn, streamMessage{Type: "change", Change: &record}); err != nil {
				logger.Debug("write change frame", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, msg streamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// readUntilClosed drains client frames so pongs and close frames are processed.
func readUntilClosed(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
