package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabSync/backend/internal/protocol"
)

var ErrNotConnected = errors.New("NOT_CONNECTED")

type ClientOptions struct {
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// PongWait 多久收不到服务端任何消息（含 pong）就认为断线
	PongWait time.Duration
	Dialer   *websocket.Dialer
}

// ClientTransport 客户端到服务端的连接，断线后按退避重连。
// 连接状态和收到的消息通过 channel 交给同步器。
type ClientTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	minBo  time.Duration
	maxBo  time.Duration
	wait   time.Duration

	recv   chan protocol.ServerMessage
	states chan protocol.ConnState

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial 启动后台连接循环，立即返回
func Dial(url string, opts ClientOptions) *ClientTransport {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = pongWait
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &ClientTransport{
		url:    url,
		header: header,
		dialer: opts.Dialer,
		minBo:  opts.MinBackoff,
		maxBo:  opts.MaxBackoff,
		wait:   opts.PongWait,
		recv:   make(chan protocol.ServerMessage, sendBuffer),
		states: make(chan protocol.ConnState, 4),
		ctx:    ctx,
		cancel: cancel,
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *ClientTransport) Receive() <-chan protocol.ServerMessage { return t.recv }

func (t *ClientTransport) States() <-chan protocol.ConnState { return t.states }

func (t *ClientTransport) Send(ctx context.Context, msg protocol.ClientMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return &protocol.TransportError{Op: "encode", Err: err}
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &protocol.TransportError{Op: "send", Err: ErrNotConnected}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &protocol.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close 停止重连并关闭当前连接
func (t *ClientTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *ClientTransport) emit(state protocol.ConnState) {
	select {
	case t.states <- state:
	case <-t.ctx.Done():
	}
}

func (t *ClientTransport) run() {
	defer t.wg.Done()
	backoff := t.minBo
	for {
		t.emit(protocol.StateConnecting)
		conn, _, err := t.dialer.DialContext(t.ctx, t.url, t.header)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			log.Printf("ws: dial failed url=%s err=%v retry=%s", t.url, err, backoff)
			t.emit(protocol.StateDisconnected)
			select {
			case <-time.After(backoff):
			case <-t.ctx.Done():
				return
			}
			backoff = min(backoff*2, t.maxBo)
			continue
		}
		backoff = t.minBo

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.emit(protocol.StateConnected)

		stop := make(chan struct{})
		pinged := make(chan struct{})
		go func() {
			defer close(pinged)
			t.pingLoop(conn, stop)
		}()
		t.readLoop(conn)
		close(stop)
		<-pinged

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()
		if t.ctx.Err() != nil {
			return
		}
		t.emit(protocol.StateDisconnected)
	}
}

func (t *ClientTransport) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(t.wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.wait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				log.Printf("ws: connection lost url=%s err=%v", t.url, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.wait))
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			log.Printf("ws: decode failed err=%v", err)
			continue
		}
		select {
		case t.recv <- msg:
		case <-t.ctx.Done():
			return
		}
	}
}

// pingLoop 定时发 ping，服务端回 pong 时延长读超时
func (t *ClientTransport) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.wait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMu.Unlock()
			if err != nil {
				// 写失败时读循环也会很快返回
				return
			}
		case <-stop:
			return
		case <-t.ctx.Done():
			return
		}
	}
}
