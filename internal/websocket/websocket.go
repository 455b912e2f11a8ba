// Package websocket pushes a stream subscription to a websocket client,
// one item per frame, as JSON text or CBOR binary messages.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/c3hub/fieldhub/internal/codec"
	"github.com/c3hub/fieldhub/internal/streamer"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Source opens the subscription for one connection. It is called after
// the upgrade, with a context that ends when the client goes away.
type Source[T streamer.Item] func(ctx context.Context) *streamer.Subscription[T]

type Options struct {
	Format codec.Format
	Logger *slog.Logger
}

// Serve upgrades the connection and writes every item of the
// subscription until the client disconnects or the subscription ends.
// A failed subscription closes the socket with an internal error status.
func Serve[T streamer.Item](w http.ResponseWriter, r *http.Request, open Source[T], opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := open(ctx)
	defer sub.Cancel()

	go readPump(conn, cancel, logger)
	writePump(conn, sub, opts.Format, logger)
}

// readPump discards client messages and keeps the read deadline moving
// with pongs. It cancels the stream when the client goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc, logger *slog.Logger) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func writePump[T streamer.Item](conn *websocket.Conn, sub *streamer.Subscription[T], format codec.Format, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	msgType := websocket.TextMessage
	if format == codec.CBOR {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case item, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				closeWith(conn, sub.Err(), logger)
				return
			}
			data, err := codec.Encode(format, item)
			if err != nil {
				// The subscription has already moved past this item.
				closeWith(conn, errors.Annotate(err, "encode"), logger)
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, err error, logger *slog.Logger) {
	code, text := websocket.CloseNormalClosure, ""
	if err != nil {
		logger.Error("websocket stream failed", "error", err)
		code, text = websocket.CloseInternalServerErr, "stream failed"
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
