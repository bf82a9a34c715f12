package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WSEvent is the envelope written to websocket sessions.
type WSEvent struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// handleWS upgrades the connection and streams bus events until the
// client goes away. Each session gets its own bus subscription; a slow
// client drops events rather than stalling the daemon.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	s.metrics.WSSessions.Inc()
	defer s.metrics.WSSessions.Dec()

	prefix := r.URL.Query().Get("prefix")
	ch, unsub := s.broker.Subscribe(prefix, 256)
	defer unsub()

	ctx := r.Context()
	s.logger.Info("websocket session opened", zap.String("prefix", prefix))

	// Reads are discarded but must be pumped for control frames.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case evt := <-ch:
			if err := s.writeEvent(ctx, conn, evt); err != nil {
				s.logger.Debug("websocket session closed", zap.Error(err))
				return
			}
			s.metrics.EventsDelivered.Inc()
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt bus.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, WSEvent{
		ID:        uuid.NewString(),
		Kind:      evt.Kind,
		Timestamp: evt.Timestamp.UnixMilli(),
		Payload:   evt.Payload,
	})
}
