// Package venuesim 进程内的 SockJS + STOMP 模拟交易所，用于会话与引擎的集成测试。
// 支持：令牌校验、订阅登记、回执、下单自动回报、注入坏帧、主动断线。
package venuesim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/stomp"
)

var log = logrus.WithField("component", "venuesim")

// Options 模拟交易所行为
type Options struct {
	SockJS    bool
	HeartBeat string                  // CONNECTED 帧的 heart-beat，默认 "0,0"
	Accept    func(token string) bool // 为 nil 时接受任意非空令牌
	// OnSend 收到 SEND 帧时调用（在连接读 goroutine 上），可通过 Conn.Push 回推消息
	OnSend func(c *Conn, f stomp.Frame)
}

// Subscription 一条传输层订阅
type Subscription struct {
	ID          string
	Destination string
}

// Conn 一条客户端连接
type Conn struct {
	venue *Venue
	ws    *websocket.Conn
	path  string
	token string

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    []Subscription
	sent    []stomp.Frame
	seq     int
	closed  chan struct{}
	once    sync.Once
}

// Venue 模拟交易所
type Venue struct {
	opts   Options
	server *httptest.Server

	mu      sync.Mutex
	conns   []*Conn
	changed chan struct{}
}

// New 启动模拟交易所
func New(opts Options) *Venue {
	if opts.HeartBeat == "" {
		opts.HeartBeat = "0,0"
	}
	v := &Venue{opts: opts, changed: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("upgrade failed")
			return
		}
		c := &Conn{venue: v, ws: ws, path: r.URL.Path, closed: make(chan struct{})}
		v.serve(c)
	}))
	return v
}

// URL websocket 基地址（ws://...）
func (v *Venue) URL() string {
	return "ws" + strings.TrimPrefix(v.server.URL, "http")
}

// Close 关闭服务器和所有连接
func (v *Venue) Close() {
	v.mu.Lock()
	conns := append([]*Conn(nil), v.conns...)
	v.mu.Unlock()
	for _, c := range conns {
		c.Drop()
	}
	v.server.Close()
}

// Connections 已完成 STOMP 握手的连接（按建立顺序）
func (v *Venue) Connections() []*Conn {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*Conn(nil), v.conns...)
}

// Latest 最近一条连接
func (v *Venue) Latest() *Conn {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.conns) == 0 {
		return nil
	}
	return v.conns[len(v.conns)-1]
}

// WaitConnections 等待至少 n 条连接完成握手
func (v *Venue) WaitConnections(n int, timeout time.Duration) ([]*Conn, error) {
	deadline := time.After(timeout)
	for {
		v.mu.Lock()
		if len(v.conns) >= n {
			out := append([]*Conn(nil), v.conns...)
			v.mu.Unlock()
			return out, nil
		}
		changed := v.changed
		v.mu.Unlock()
		select {
		case <-changed:
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for %d connections", n)
		}
	}
}

func (v *Venue) register(c *Conn) {
	v.mu.Lock()
	v.conns = append(v.conns, c)
	close(v.changed)
	v.changed = make(chan struct{})
	v.mu.Unlock()
}

func (v *Venue) notify() {
	v.mu.Lock()
	close(v.changed)
	v.changed = make(chan struct{})
	v.mu.Unlock()
}

func (v *Venue) serve(c *Conn) {
	defer c.Drop()
	if v.opts.SockJS {
		if err := c.writeRaw([]byte("o")); err != nil {
			return
		}
	}
	dec := stomp.NewDecoder(stomp.DefaultMaxFrameSize)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if v.opts.SockJS {
			var parts []string
			if err := json.Unmarshal(msg, &parts); err != nil {
				log.WithError(err).Warn("bad sockjs payload from client")
				return
			}
			for _, p := range parts {
				_, _ = dec.Write([]byte(p))
			}
		} else {
			_, _ = dec.Write(msg)
		}
		for {
			f, err := dec.Next()
			if errors.Is(err, stomp.ErrIncomplete) {
				break
			}
			if err != nil {
				log.WithError(err).Warn("client sent malformed frame")
				return
			}
			if f.IsHeartbeat() {
				continue
			}
			if !c.handle(f) {
				return
			}
		}
	}
}

// handle 处理一帧；返回 false 结束连接
func (c *Conn) handle(f stomp.Frame) bool {
	v := c.venue
	switch f.Command {
	case stomp.CmdConnect, stomp.CmdStomp:
		token := f.Headers.Get(stomp.HdrAuthToken)
		ok := token != ""
		if v.opts.Accept != nil {
			ok = v.opts.Accept(token)
		}
		if !ok {
			_ = c.WriteFrame(stomp.NewFrame(stomp.CmdError, []byte("invalid token"), stomp.HdrMessage, "Authentication failed: token expired or invalid"))
			return false
		}
		c.token = token
		if err := c.WriteFrame(stomp.NewFrame(stomp.CmdConnected, nil, stomp.HdrVersion, "1.2", stomp.HdrHeartBeat, v.opts.HeartBeat)); err != nil {
			return false
		}
		v.register(c)
	case stomp.CmdSubscribe:
		c.mu.Lock()
		c.subs = append(c.subs, Subscription{ID: f.Headers.Get(stomp.HdrID), Destination: f.Headers.Get(stomp.HdrDestination)})
		c.mu.Unlock()
		c.receipt(f)
		v.notify()
	case stomp.CmdUnsubscribe:
		id := f.Headers.Get(stomp.HdrID)
		c.mu.Lock()
		for i, s := range c.subs {
			if s.ID == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		c.receipt(f)
	case stomp.CmdSend:
		c.mu.Lock()
		c.sent = append(c.sent, f)
		c.mu.Unlock()
		c.receipt(f)
		v.notify()
		if v.opts.OnSend != nil {
			v.opts.OnSend(c, f)
		}
	case stomp.CmdDisconnect:
		c.receipt(f)
		return false
	}
	return true
}

func (c *Conn) receipt(f stomp.Frame) {
	if id := f.Headers.Get(stomp.HdrReceipt); id != "" {
		_ = c.WriteFrame(stomp.NewFrame(stomp.CmdReceipt, nil, stomp.HdrReceiptID, id))
	}
}

func (c *Conn) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// WriteFrame 发送一帧（SockJS 模式下自动封装）
func (c *Conn) WriteFrame(f stomp.Frame) error {
	return c.WriteRawFrame(stomp.Encode(f))
}

// WriteRawFrame 发送原始帧字节，可用于注入坏帧
func (c *Conn) WriteRawFrame(b []byte) error {
	if c.venue.opts.SockJS {
		return c.writeRaw(stomp.EncodeSockJSMessage(string(b)))
	}
	return c.writeRaw(b)
}

// Token 握手使用的令牌
func (c *Conn) Token() string { return c.token }

// Path 请求路径（SockJS 模式下为 /user/<server>/<session>/websocket）
func (c *Conn) Path() string { return c.path }

// Subscriptions 当前订阅（按建立顺序）
func (c *Conn) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Subscription(nil), c.subs...)
}

// Destinations 当前订阅的 destination（按建立顺序）
func (c *Conn) Destinations() []string {
	var out []string
	for _, s := range c.Subscriptions() {
		out = append(out, s.Destination)
	}
	return out
}

// Sent 收到的 SEND 帧
func (c *Conn) Sent() []stomp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stomp.Frame(nil), c.sent...)
}

// Push 向订阅了 destination 的客户端推送 MESSAGE；未订阅时返回错误
func (c *Conn) Push(destination string, body []byte) error {
	var sub *Subscription
	c.mu.Lock()
	for i := range c.subs {
		if c.subs[i].Destination == destination {
			s := c.subs[i]
			sub = &s
			break
		}
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("no subscription for %s", destination)
	}
	return c.WriteFrame(stomp.NewFrame(stomp.CmdMessage, body,
		stomp.HdrSubscription, sub.ID,
		stomp.HdrDestination, destination,
		stomp.HdrMessageID, strconv.Itoa(seq),
		stomp.HdrContentType, "application/json",
	))
}

// InjectGarbage 发送一个无法解析的帧
func (c *Conn) InjectGarbage() error {
	return c.WriteRawFrame([]byte("NOT-A-COMMAND\nfoo\n\n\x00"))
}

// CloseSockJS 发送 SockJS 关闭帧（c[code,"reason"]）
func (c *Conn) CloseSockJS(code int, reason string) error {
	return c.writeRaw(stomp.EncodeSockJSClose(code, reason))
}

// Drop 直接断开传输（不发送 STOMP/SockJS 关闭帧）
func (c *Conn) Drop() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Closed 连接关闭时关闭
func (c *Conn) Closed() <-chan struct{} { return c.closed }
