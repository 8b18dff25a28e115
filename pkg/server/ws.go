package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// maxFrameSize bounds a single worker message; results carry full sections.
const maxFrameSize = 16 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a websocket to frameConn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// tasking upgrades an authenticated request to a websocket session. The
// handshake travels in the upgrade request's headers.
func (s *Server) tasking(w http.ResponseWriter, r *http.Request) {
	hello, err := s.handshake(r)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "container", hello.ContainerID, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)
	s.serveSession(r.Context(), &wsConn{conn: conn}, hello, "websocket")
}
