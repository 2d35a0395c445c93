package muxrelay

import (
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// wsReadWriteCloser adapts a websocket connection to the byte stream
// the relay core speaks. Every Write becomes one binary message, which
// preserves the one-frame-per-send boundary the frame parser relies on.
type wsReadWriteCloser struct {
	conn *websocket.Conn
	r    io.Reader // current message being read
}

func (ws *wsReadWriteCloser) Read(p []byte) (int, error) {
	for {
		if ws.r == nil {
			_, r, err := ws.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = io.EOF
				}
				return 0, err
			}
			ws.r = r
		}
		n, err := ws.r.Read(p)
		if err == io.EOF {
			ws.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (ws *wsReadWriteCloser) Write(p []byte) (int, error) {
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, errors.WithStack(err)
	}
	return len(p), nil
}

func (ws *wsReadWriteCloser) Close() error {
	return ws.conn.Close()
}

// DialWebsocket connects to a websocket endpoint and returns a byte
// stream suitable for the frame protocol.
func DialWebsocket(url string) (io.ReadWriteCloser, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %q", url)
	}
	return &wsReadWriteCloser{conn: conn}, nil
}

// WebsocketHandler returns an http.Handler that upgrades incoming
// requests and runs the same request dispatcher used for raw TCP over
// the websocket connection.
func (srv *Server) WebsocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  srv.readBufferSize(),
		WriteBufferSize: srv.readBufferSize(),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		srv.ServeConn(&wsReadWriteCloser{conn: conn})
	})
}
