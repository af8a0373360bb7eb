// Package session 管理一条 STOMP-over-websocket 会话：握手、心跳、串行发送和读循环
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
	"github.com/Andrei-Ionita/BRM-Trading/internal/stomp"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/syncgroup"
)

var log = logrus.WithField("component", "session")

// ErrClosed 会话已结束
var ErrClosed = errors.New("session closed")

// Config 单条会话的参数
type Config struct {
	URL        string // websocket 基地址
	SockJS     bool
	ServerID   int // SockJS server 段，<0 随机
	Host       string
	APIVersion string

	HeartbeatSend      time.Duration // 客户端愿意发送心跳的间隔
	HeartbeatReceive   time.Duration // 客户端希望收到心跳的间隔
	HeartbeatTolerance float64

	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	ReceiptTimeout time.Duration
	Receipts       bool // SUBSCRIBE 是否等待 RECEIPT
	MaxFrameSize   int
	Proxy          string

	Dialer Dialer
	Clock  clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = "v1"
	}
	if c.HeartbeatTolerance < 1 {
		c.HeartbeatTolerance = 2
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 10 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = stomp.DefaultMaxFrameSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer{
			Proxy:            c.Proxy,
			HandshakeTimeout: c.ConnectTimeout,
			WriteTimeout:     c.SendTimeout,
			ReadLimit:        int64(c.MaxFrameSize) * 2,
		}
	}
}

// Handler 在读 goroutine 上同步调用，不能阻塞
type Handler func(stomp.Frame)

type outbound struct {
	data   []byte
	result chan error
}

// Conn 一条会话。所有出站帧经由唯一的写 goroutine 串行化。
type Conn struct {
	id      string
	cfg     Config
	clock   clockwork.Clock
	t       Transport
	dec     *stomp.Decoder
	handler Handler

	state atomic.Uint32
	cred  atomic.Pointer[domain.Credential]

	sendInterval time.Duration
	recvInterval time.Duration
	lastRecv     atomic.Int64
	lastSend     atomic.Int64

	sendCh  chan outbound
	pending []stomp.Frame // 与 CONNECTED 同一条消息到达的后续帧

	receiptMu sync.Mutex
	receipts  map[string]chan error

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	group *syncgroup.SyncGroup
}

// Connect 建立会话：打开传输 → CONNECT（携带 bearer 令牌）→ 等待 CONNECTED。
// 返回时会话处于 Authenticated。
func Connect(ctx context.Context, cfg Config, cred *domain.Credential, handler Handler) (*Conn, error) {
	cfg.setDefaults()
	now := cfg.Clock.Now()
	if !cred.Valid(now) {
		return nil, domain.NewError(domain.AuthenticationFailure, "connect", domain.ErrAuthenticationUnavailable)
	}
	if handler == nil {
		handler = func(stomp.Frame) {}
	}

	c := &Conn{
		id:       uuid.NewString(),
		cfg:      cfg,
		clock:    cfg.Clock,
		dec:      stomp.NewDecoder(cfg.MaxFrameSize),
		handler:  handler,
		sendCh:   make(chan outbound, 64),
		receipts: make(map[string]chan error),
		done:     make(chan struct{}),
		group:    syncgroup.NewSyncGroup(),
	}
	c.cred.Store(cred)
	c.setState(domain.SessionConnecting)

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	target := cfg.URL
	if cfg.SockJS {
		u, err := stomp.SockJSURL(strings.TrimRight(cfg.URL, "/")+"/user", cfg.ServerID)
		if err != nil {
			return nil, domain.NewError(domain.TransportFailure, "connect", errors.Wrap(err, "build sockjs url"))
		}
		target = u
	}

	t, err := cfg.Dialer.Dial(ctx, target, http.Header{})
	if err != nil {
		metrics.SessionFailures.Add(1)
		return nil, classifyDial(err)
	}
	c.t = t
	// 握手阶段 ctx 结束时关闭传输以打断阻塞读
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	if err := c.handshake(ctx, cred); err != nil {
		_ = t.Close()
		metrics.SessionFailures.Add(1)
		if ctx.Err() != nil && domain.KindOf(err) == domain.KindUnknown {
			err = domain.NewError(domain.TransportFailure, "connect", errors.Wrap(ctx.Err(), "handshake"))
		}
		return nil, err
	}
	if !stop() {
		// 握手恰好在超时的同时完成，传输已被关闭
		return nil, domain.NewError(domain.TransportFailure, "connect", errors.Wrap(ctx.Err(), "handshake"))
	}

	now = c.clock.Now()
	c.lastRecv.Store(now.UnixNano())
	c.lastSend.Store(now.UnixNano())
	c.setState(domain.SessionAuthenticated)
	metrics.SessionConnects.Add(1)

	c.group.Add(c.readLoop)
	c.group.Add(c.writeLoop)
	c.group.Add(c.heartbeatLoop)
	c.group.Run()

	log.WithFields(logrus.Fields{
		"session":   c.id,
		"token":     cred.Fingerprint(),
		"hbSend":    c.sendInterval,
		"hbReceive": c.recvInterval,
	}).Info("会话已认证")
	return c, nil
}

func classifyDial(err error) error {
	if domain.KindOf(err) != domain.KindUnknown {
		return err
	}
	return domain.NewError(domain.TransportFailure, "dial", err)
}

func (c *Conn) handshake(ctx context.Context, cred *domain.Credential) error {
	if c.cfg.SockJS {
		msg, err := c.t.ReadMessage()
		if err != nil {
			return domain.NewError(domain.TransportFailure, "sockjs open", err)
		}
		f, err := stomp.DecodeSockJS(msg)
		if err != nil || f.Type != stomp.SockJSOpen {
			return domain.NewError(domain.ProtocolViolation, "sockjs open", fmt.Errorf("expected open frame, got %q", truncate(string(msg), 64)))
		}
	}
	c.setState(domain.SessionConnected)

	connect := stomp.NewFrame(stomp.CmdConnect, nil,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrHost, c.cfg.Host,
		stomp.HdrAuthToken, cred.Token,
		stomp.HdrHeartBeat, formatHeartBeat(c.cfg.HeartbeatSend, c.cfg.HeartbeatReceive),
	)
	if err := c.t.WriteMessage(c.wrap(stomp.Encode(connect))); err != nil {
		return domain.NewError(domain.TransportFailure, "connect", errors.Wrap(err, "write CONNECT"))
	}

	for {
		msg, err := c.t.ReadMessage()
		if err != nil {
			return domain.NewError(domain.TransportFailure, "connect", errors.Wrap(err, "await CONNECTED"))
		}
		frames, err := c.unwrap(msg)
		if err != nil {
			return err
		}
		for i, f := range frames {
			switch f.Command {
			case stomp.CmdConnected:
				c.pending = frames[i+1:]
				sx, sy, err := parseHeartBeat(f.Headers.Get(stomp.HdrHeartBeat))
				if err != nil {
					return domain.NewError(domain.ProtocolViolation, "connect", err)
				}
				c.sendInterval = negotiate(c.cfg.HeartbeatSend, sy)
				c.recvInterval = negotiate(c.cfg.HeartbeatReceive, sx)
				return nil
			case stomp.CmdError:
				return errorFrame(f)
			default:
				return domain.NewError(domain.ProtocolViolation, "connect", fmt.Errorf("unexpected %s before CONNECTED", f.Command))
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// wrap 出站字节：SockJS 模式下包成 JSON 字符串数组
func (c *Conn) wrap(b []byte) []byte {
	if c.cfg.SockJS {
		return stomp.EncodeSockJS(string(b))
	}
	return b
}

// unwrap 将一条入站消息喂给解码器，返回完整的非心跳帧
func (c *Conn) unwrap(msg []byte) ([]stomp.Frame, error) {
	if c.cfg.SockJS {
		sf, err := stomp.DecodeSockJS(msg)
		if err != nil {
			metrics.DecodeErrors.Add(1)
			return nil, domain.NewError(domain.ProtocolViolation, "sockjs", err)
		}
		switch sf.Type {
		case stomp.SockJSHeartbeat, stomp.SockJSOpen:
			return nil, nil
		case stomp.SockJSClose:
			return nil, domain.NewError(domain.TransportFailure, "sockjs", fmt.Errorf("closed by server: %d %s", sf.Code, sf.Reason))
		}
		for _, p := range sf.Messages {
			_, _ = c.dec.Write([]byte(p))
		}
	} else {
		_, _ = c.dec.Write(msg)
	}

	var out []stomp.Frame
	for {
		f, err := c.dec.Next()
		if errors.Is(err, stomp.ErrIncomplete) {
			return out, nil
		}
		if err != nil {
			metrics.DecodeErrors.Add(1)
			return out, domain.NewError(domain.ProtocolViolation, "decode", err)
		}
		if f.IsHeartbeat() {
			continue
		}
		out = append(out, f)
	}
}

// errorFrame ERROR 帧：令牌相关归为认证失败，其余为协议错误
func errorFrame(f stomp.Frame) error {
	msg := f.Headers.Get(stomp.HdrMessage)
	if msg == "" {
		msg = truncate(string(f.Body), 256)
	}
	lower := strings.ToLower(msg + " " + string(f.Body))
	err := fmt.Errorf("venue ERROR frame: %s", msg)
	for _, kw := range []string{"auth", "token", "expired", "unauthori", "forbidden"} {
		if strings.Contains(lower, kw) {
			return domain.NewError(domain.AuthenticationFailure, "stomp", err)
		}
	}
	return domain.NewError(domain.ProtocolViolation, "stomp", err)
}

func (c *Conn) readLoop() error {
	for _, f := range c.pending {
		c.dispatch(f)
	}
	c.pending = nil
	for {
		msg, err := c.t.ReadMessage()
		if err != nil {
			c.fail(domain.NewError(domain.TransportFailure, "read", err))
			return nil
		}
		c.lastRecv.Store(c.clock.Now().UnixNano())
		frames, decErr := c.unwrap(msg)
		for _, f := range frames {
			c.dispatch(f)
		}
		if decErr != nil {
			c.fail(decErr)
			return nil
		}
		select {
		case <-c.done:
			return nil
		default:
		}
	}
}

func (c *Conn) dispatch(f stomp.Frame) {
	metrics.FramesReceived.Add(1)
	switch f.Command {
	case stomp.CmdMessage:
		c.handler(f)
	case stomp.CmdReceipt:
		c.resolveReceipt(f.Headers.Get(stomp.HdrReceiptID), nil)
	case stomp.CmdError:
		err := errorFrame(f)
		if id := f.Headers.Get(stomp.HdrReceiptID); id != "" {
			c.resolveReceipt(id, err)
		}
		c.fail(err)
	default:
		log.WithField("session", c.id).Debugf("忽略帧 %s", f.Command)
	}
}

func (c *Conn) writeLoop() error {
	for {
		select {
		case <-c.done:
			return nil
		case ob := <-c.sendCh:
			err := c.t.WriteMessage(ob.data)
			if err == nil {
				c.lastSend.Store(c.clock.Now().UnixNano())
				metrics.FramesSent.Add(1)
			}
			if ob.result != nil {
				ob.result <- err
			}
			if err != nil {
				c.fail(domain.NewError(domain.TransportFailure, "write", err))
				return nil
			}
		}
	}
}

func (c *Conn) heartbeatLoop() error {
	deadline := time.Duration(float64(c.recvInterval) * c.cfg.HeartbeatTolerance)
	tick := time.Duration(0)
	if c.sendInterval > 0 {
		tick = c.sendInterval / 2
	}
	if deadline > 0 && (tick == 0 || deadline/4 < tick) {
		tick = deadline / 4
	}
	if tick <= 0 {
		<-c.done
		return nil
	}

	ticker := c.clock.NewTicker(tick)
	defer ticker.Stop()
	heartbeat := c.wrap(stomp.Encode(stomp.Frame{}))
	for {
		select {
		case <-c.done:
			return nil
		case <-ticker.Chan():
		}
		now := c.clock.Now()
		if deadline > 0 && now.Sub(time.Unix(0, c.lastRecv.Load())) > deadline {
			metrics.HeartbeatTimeouts.Add(1)
			c.fail(domain.NewError(domain.TransportFailure, "heartbeat", fmt.Errorf("nothing received for %s", deadline)))
			return nil
		}
		if c.sendInterval > 0 && now.Sub(time.Unix(0, c.lastSend.Load())) >= c.sendInterval {
			select {
			case c.sendCh <- outbound{data: heartbeat}:
			default:
				// 发送队列非空时本身就有流量
			}
		}
	}
}

// ID 会话标识
func (c *Conn) ID() string { return c.id }

// State 当前生命周期状态
func (c *Conn) State() domain.SessionState {
	return domain.SessionState(c.state.Load())
}

func (c *Conn) setState(s domain.SessionState) {
	c.state.Store(uint32(s))
}

// MarkActive 重放与对账完成后由 supervisor 调用
func (c *Conn) MarkActive() bool {
	return c.state.CompareAndSwap(uint32(domain.SessionAuthenticated), uint32(domain.SessionActive))
}

// Heartbeat 协商后的发送/接收心跳间隔（0 表示不启用）
func (c *Conn) Heartbeat() (send, receive time.Duration) {
	return c.sendInterval, c.recvInterval
}

// Done 会话结束时关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 会话结束原因；主动 Close 时为 nil
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Credential 会话当前使用的凭证
func (c *Conn) Credential() *domain.Credential {
	return c.cred.Load()
}

func (c *Conn) usable() error {
	select {
	case <-c.done:
		return c.closedErr("send")
	default:
	}
	switch c.State() {
	case domain.SessionAuthenticated, domain.SessionActive:
		return nil
	}
	return c.closedErr("send")
}

// write 入队并等待写 goroutine 写出；超过 SendTimeout 按传输失败处理
func (c *Conn) write(ctx context.Context, f stomp.Frame) error {
	if err := c.usable(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	ob := outbound{data: c.wrap(stomp.Encode(f)), result: make(chan error, 1)}
	select {
	case c.sendCh <- ob:
	case <-wctx.Done():
		return c.timeoutErr(ctx, "send", errors.New("send queue timeout"))
	case <-c.done:
		return c.closedErr("send")
	}
	select {
	case err := <-ob.result:
		if err != nil {
			return domain.NewError(domain.TransportFailure, "send", err)
		}
		return nil
	case <-wctx.Done():
		return c.timeoutErr(ctx, "send", errors.New("write timeout"))
	case <-c.done:
		return c.closedErr("send")
	}
}

// writeWithReceipt 发送并等待 RECEIPT；超过 ReceiptTimeout 按传输失败处理
func (c *Conn) writeWithReceipt(ctx context.Context, f stomp.Frame) error {
	id := uuid.NewString()
	ch := make(chan error, 1)
	c.receiptMu.Lock()
	c.receipts[id] = ch
	c.receiptMu.Unlock()
	defer func() {
		c.receiptMu.Lock()
		delete(c.receipts, id)
		c.receiptMu.Unlock()
	}()

	f.Headers = f.Headers.Set(stomp.HdrReceipt, id)
	if err := c.write(ctx, f); err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()
	select {
	case err := <-ch:
		return err
	case <-rctx.Done():
		return c.timeoutErr(ctx, "receipt", fmt.Errorf("no RECEIPT for %s within %s", f.Command, c.cfg.ReceiptTimeout))
	case <-c.done:
		return c.closedErr("receipt")
	}
}

// timeoutErr 调用方取消时原样返回；自身超时则结束会话
func (c *Conn) timeoutErr(parent context.Context, op string, cause error) error {
	if err := parent.Err(); err != nil {
		return err
	}
	err := domain.NewError(domain.TransportFailure, op, cause)
	c.fail(err)
	return err
}

func (c *Conn) closedErr(op string) error {
	if err := c.Err(); err != nil {
		return err
	}
	return domain.NewError(domain.TransportFailure, op, ErrClosed)
}

func (c *Conn) resolveReceipt(id string, err error) {
	c.receiptMu.Lock()
	ch, ok := c.receipts[id]
	c.receiptMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// Send 发送 SEND 帧（JSON 正文）
func (c *Conn) Send(ctx context.Context, destination string, body []byte, headers ...stomp.Header) error {
	return c.write(ctx, c.sendFrame(destination, body, headers))
}

func (c *Conn) sendFrame(destination string, body []byte, headers []stomp.Header) stomp.Frame {
	f := stomp.NewFrame(stomp.CmdSend, body,
		stomp.HdrDestination, destination,
		stomp.HdrContentType, "application/json",
	)
	for _, h := range headers {
		f.Headers = f.Headers.Set(h.Key, h.Value)
	}
	return f
}

// Subscribe 在传输层建立订阅；开启回执时等待 RECEIPT
func (c *Conn) Subscribe(ctx context.Context, destination, id string) error {
	f := stomp.NewFrame(stomp.CmdSubscribe, nil,
		stomp.HdrID, id,
		stomp.HdrDestination, destination,
		stomp.HdrAck, "auto",
	)
	if c.cfg.Receipts {
		return c.writeWithReceipt(ctx, f)
	}
	return c.write(ctx, f)
}

// Unsubscribe 取消传输层订阅
func (c *Conn) Unsubscribe(ctx context.Context, id string) error {
	return c.write(ctx, stomp.NewFrame(stomp.CmdUnsubscribe, nil, stomp.HdrID, id))
}

type tokenRefreshCommand struct {
	Type     string `json:"type"`
	OldToken string `json:"oldToken"`
	NewToken string `json:"newToken"`
}

// UpdateToken 在已认证会话上原地更换令牌，不重连
func (c *Conn) UpdateToken(ctx context.Context, cred *domain.Credential) error {
	if !cred.Valid(c.clock.Now()) {
		return domain.NewError(domain.AuthenticationFailure, "token refresh", domain.ErrAuthenticationUnavailable)
	}
	old := c.cred.Load()
	body, err := json.Marshal(tokenRefreshCommand{Type: "TOKEN_REFRESH", OldToken: old.Token, NewToken: cred.Token})
	if err != nil {
		return err
	}
	dest := "/" + c.cfg.APIVersion + "/command"
	if err := c.Send(ctx, dest, body, stomp.Header{Key: stomp.HdrAuthToken, Value: cred.Token}); err != nil {
		return err
	}
	c.cred.Store(cred)
	metrics.InBandRefreshes.Add(1)
	log.WithFields(logrus.Fields{"session": c.id, "token": cred.Fingerprint()}).Info("会话令牌已原地更新")
	return nil
}

// Close 主动关闭：尽力发送 DISCONNECT 后关闭传输，等待后台 goroutine 退出
func (c *Conn) Close(ctx context.Context) error {
	if c.usable() == nil {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		_ = c.write(dctx, stomp.NewFrame(stomp.CmdDisconnect, nil))
		cancel()
	}
	c.finish(nil, domain.SessionClosed)

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.group.Wait() }()
	select {
	case <-waitErr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail 异常结束会话
func (c *Conn) fail(err error) {
	c.finish(err, domain.SessionFailed)
}

func (c *Conn) finish(err error, state domain.SessionState) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.setState(state)
		close(c.done)
		_ = c.t.Close()
		if err != nil {
			metrics.SessionFailures.Add(1)
			log.WithError(err).WithField("session", c.id).Warn("会话异常结束")
		} else {
			log.WithField("session", c.id).Info("会话已关闭")
		}
	})
}

func formatHeartBeat(send, receive time.Duration) string {
	return strconv.FormatInt(send.Milliseconds(), 10) + "," + strconv.FormatInt(receive.Milliseconds(), 10)
}

func parseHeartBeat(v string) (sx, sy time.Duration, err error) {
	if v == "" {
		return 0, 0, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad heart-beat header %q", v)
	}
	a, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	b, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil || a < 0 || b < 0 {
		return 0, 0, fmt.Errorf("bad heart-beat header %q", v)
	}
	return time.Duration(a) * time.Millisecond, time.Duration(b) * time.Millisecond, nil
}

// negotiate STOMP 规则：任一方为 0 则关闭，否则取较大值
func negotiate(mine, theirs time.Duration) time.Duration {
	if mine <= 0 || theirs <= 0 {
		return 0
	}
	if theirs > mine {
		return theirs
	}
	return mine
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
