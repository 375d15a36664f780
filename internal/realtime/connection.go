// Package realtime はWebSocket接続の送信側を管理する。
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// ReadTimeout はpongを受信しない場合に接続を切断するまでの時間。
	ReadTimeout = 60 * time.Second

	// MaxMessageSize はクライアントから受け付けるフレームの最大サイズ。
	MaxMessageSize = 1 << 20

	sendBufferSize = 128
)

var (
	// ErrConnectionClosed は閉じた接続への送信を示す。
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull は送信バッファが溢れたため接続を閉じたことを示す。
	ErrSendBufferFull = errors.New("connection send buffer exceeded")
)

// Connection はWebSocket接続をラップし、書き込みをバッファ付きチャネル経由で1つのgoroutineに集約する。
// presence.Handle を実装する。並行利用に対して安全。
type Connection struct {
	ID     string
	UserID string

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// NewConnection はユーザーのConnectionを生成する。書き込みループはStartで開始する。
func NewConnection(userID string, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Start は書き込みループを開始する。接続ごとに1回だけ呼ぶこと。
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send はペイロードを送信キューに積む。ブロックしない。
// 受信側が遅くバッファが満杯の場合は接続を閉じる。
func (c *Connection) Send(payload []byte) (err error) {
	defer func() {
		// Closeとの競合でclose済みチャネルに送信した場合
		if recover() != nil {
			err = ErrConnectionClosed
		}
	}()

	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close は接続を終了し、書き込みループを止める。複数回呼んでも安全。
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		close(c.send)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// Done は接続が閉じられたときにcloseされるチャネルを返す。
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// ReadLoop はクライアントが切断するまで受信を続ける。
// 送信専用チャネルのため、データフレームは読み捨てる。pong受信で読み取り期限を延長する。
// 正常な切断の場合はnilを返す。
func (c *Connection) ReadLoop() error {
	c.ws.SetReadLimit(MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(ReadTimeout))
	})

	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return err
		}
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
