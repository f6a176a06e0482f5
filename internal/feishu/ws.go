package feishu

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 50 * time.Second
	wsReconnectDelay = 5 * time.Second
)

// WSClient keeps a long connection to the platform event endpoint and feeds
// inbound events to the handler. Card action responses are written back on
// the same connection, correlated by frame id.
type WSClient struct {
	endpoint string
	handler  EventHandler
	logger   *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSClient(endpoint string, handler EventHandler, logger *zap.Logger) *WSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{endpoint: endpoint, handler: handler, logger: logger}
}

type wsFrame struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Run blocks until the context is cancelled, redialing after connection
// failures.
func (w *WSClient) Run(ctx context.Context) {
	for {
		if err := w.runOnce(ctx); err != nil {
			w.logger.Warn("event connection lost", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (w *WSClient) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.endpoint, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.logger.Info("event connection established", zap.String("endpoint", w.endpoint))

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	go w.pingLoop(ctx, conn, done)
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.dispatch(ctx, raw)
	}
}

func (w *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (w *WSClient) dispatch(ctx context.Context, raw []byte) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		w.logger.Warn("dropping malformed event frame", zap.Error(err))
		return
	}
	payload := frame.Payload
	if payload == nil {
		payload = raw
	}

	parsed, err := ParseEvent(payload)
	if err != nil {
		w.logger.Warn("dropping undecodable event", zap.Error(err))
		return
	}

	switch {
	case parsed.Message != nil:
		if err := w.handler.HandleMessage(ctx, *parsed.Message); err != nil {
			w.logger.Error("message handler failed",
				zap.String("open_id", parsed.Message.SenderOpenID),
				zap.Error(err))
		}
	case parsed.CardAction != nil:
		response, err := w.handler.HandleCardAction(ctx, *parsed.CardAction)
		if err != nil {
			w.logger.Error("card action handler failed",
				zap.String("open_id", parsed.CardAction.OperatorOpenID),
				zap.Error(err))
			return
		}
		if err := w.reply(frame.ID, response.Payload()); err != nil {
			w.logger.Error("card action reply failed", zap.Error(err))
		}
	}
}

func (w *WSClient) reply(frameID string, payload map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(map[string]any{
		"id":   frameID,
		"data": payload,
	})
}
