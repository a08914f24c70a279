package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"librarydesk/internal/metrics"
	"librarydesk/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 1 << 20 // 1MB
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// State 是单条连接的生命周期：CONNECTING -> AUTHENTICATING -> OPEN -> CLOSED。
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Client 是一条 websocket 连接。send 是它的信箱，只由 writePump 消费；
// 其他 goroutine 通过 deliver 非阻塞地投递。
type Client struct {
	reg    *Registry
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	state  atomic.Int32
	userID string
	uname  string
}

func newClient(reg *Registry, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{reg: reg, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) UserID() string { return c.userID }

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	log.Debug().Str("user_id", c.userID).Stringer("state", s).Msg("ws state")
}

// open 完成握手：绑定身份并注册到 Registry。同一用户已有映射时直接覆盖。
func (c *Client) open(conn *websocket.Conn, user *models.User) {
	c.conn = conn
	c.userID = user.IDString()
	c.uname = user.Username
	c.setState(StateOpen)
	metrics.WsConnections.Inc()
	c.reg.Register(c.userID, c)
}

// Close 可从任意方向、任意次数调用。只有 Registry 仍指向本连接时才会注销。
func (c *Client) Close() {
	c.once.Do(func() {
		prev := c.State()
		c.setState(StateClosed)
		if c.reg != nil && c.userID != "" {
			c.reg.Unregister(c.userID, c)
		}
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if prev == StateOpen {
			metrics.WsConnections.Dec()
		}
	})
}

// deliver 把一帧放进信箱，不等待写出。连接已关闭或信箱满时返回 false。
func (c *Client) deliver(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

type frameHandler func(ctx context.Context, c *Client, messageType int, data []byte) error

// readPump 按到达顺序逐帧处理；handle 返回错误时关闭连接。
func (c *Client) readPump(ctx context.Context, handle frameHandler) {
	defer c.Close()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("user_id", c.userID).Msg("ws read")
			}
			return
		}
		if err := handle(ctx, c, mt, data); err != nil {
			log.Debug().Err(err).Str("user_id", c.userID).Msg("ws closing after frame")
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
