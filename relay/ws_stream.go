package relay

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// wsStream adapts a message-based websocket connection into a byte stream.
// A Read that asks for less than one message keeps the remainder for the
// next call. Like net.Conn it tolerates one concurrent reader and one
// concurrent writer.
type wsStream struct {
	conn *websocket.Conn
	rest []byte
}

func newWsStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

// Read fills p from the current message, fetching the next one when the
// carryover is exhausted. A normal closure from the peer maps to io.EOF so
// callers see an ordinary end of stream.
func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.rest) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return 0, io.EOF
			}
			return 0, err
		}
		s.rest = data
	}

	n := copy(p, s.rest)
	s.rest = s.rest[n:]

	return n, nil
}

// Write sends p as one binary message.
func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close announces a normal closure to the peer and drops the connection.
func (s *wsStream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))

	return s.conn.Close()
}

func (s *wsStream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *wsStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}

	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}
