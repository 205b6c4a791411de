package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// maxFrameBytes bounds a single client frame.
const maxFrameBytes = 64 << 10

// WebSocketHandler returns the HTTP handler upgrading authenticated requests
// to a session. The token is read from the Authorization header or, for
// browsers, the "token" query parameter.
func (g *Gateway) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		id, err := g.verifier.Verify(token)
		if err != nil {
			g.logger.Debug("websocket rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: g.opts.OriginPatterns,
		})
		if err != nil {
			g.logger.Warn("websocket accept", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		defer c.CloseNow()
		c.SetReadLimit(maxFrameBytes)

		if err := g.serve(r.Context(), id, &wsTransport{conn: c}); err != nil {
			g.logger.Debug("websocket session ended", zap.String("user_id", id.UserID), zap.Error(err))
			c.Close(websocket.StatusInternalError, "session error")
			return
		}
		c.Close(websocket.StatusNormalClosure, "")
	})
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, context.Canceled
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}
