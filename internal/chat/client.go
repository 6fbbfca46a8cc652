package chat

import (
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Client is one relay connection. Only the relay loop writes to or closes Send.
type Client struct {
	Id   string
	Addr string
	Conn ConnLike
	Send chan []byte
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	SetWriteDeadline(time.Time) error
	Close() error
}

func NewClient(conn ConnLike, addr string) *Client {
	return &Client{
		Id:   uuid.NewString(),
		Addr: addr,
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
	}
}

// ReadPump forwards frames to the relay until the connection fails, then
// unregisters the client. Malformed frames are dropped.
func (c *Client) ReadPump(r *Relay) {
	defer r.Unregister(c)
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("relay: read from %s: %v", c.Addr, err)
			}
			return
		}
		kind, err := Peek(data)
		if err != nil {
			log.Debugf("relay: drop frame from %s: %v", c.Addr, err)
			continue
		}
		if kind == FrameUnknown || kind == FramePong {
			continue
		}
		if !r.Dispatch(Inbound{From: c, Kind: kind, Data: data}) {
			return
		}
	}
}

func (c *Client) WritePump() {
	for data := range c.Send {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warnf("relay: write to %s: %v", c.Addr, err)
			_ = c.Conn.Close()
			return
		}
	}
}
