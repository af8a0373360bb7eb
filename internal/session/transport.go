package session

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
)

// Transport 一条已建立的消息通道（一条 websocket 文本消息 = 一次 Read/Write）
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer 建立 Transport
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error)
}

// WebsocketDialer 基于 gorilla/websocket 的默认实现
type WebsocketDialer struct {
	Proxy            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  16 << 10,
		Proxy:            http.ProxyFromEnvironment,
	}
	if d.Proxy != "" {
		proxyURL, err := url.Parse(d.Proxy)
		if err != nil {
			return nil, errors.Wrap(err, "invalid proxy url")
		}
		wd.Proxy = http.ProxyURL(proxyURL)
		log.Infof("使用代理: %s", proxyURL.Host)
	}

	conn, resp, err := wd.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, domain.NewError(domain.AuthenticationFailure, "dial", errors.Wrapf(err, "handshake status %d", resp.StatusCode))
		}
		return nil, domain.NewError(domain.TransportFailure, "dial", errors.Wrap(err, "websocket dial"))
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
