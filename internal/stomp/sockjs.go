package stomp

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// SockJSType SockJS 外层帧类型
type SockJSType byte

const (
	SockJSOpen      SockJSType = 'o'
	SockJSHeartbeat SockJSType = 'h'
	SockJSMessage   SockJSType = 'a'
	SockJSClose     SockJSType = 'c'
)

// SockJSFrame 一条 websocket 文本消息对应的 SockJS 帧
type SockJSFrame struct {
	Type     SockJSType
	Messages []string // 仅 SockJSMessage
	Code     int      // 仅 SockJSClose
	Reason   string   // 仅 SockJSClose
}

// DecodeSockJS 解析一条 SockJS 消息
func DecodeSockJS(msg []byte) (SockJSFrame, error) {
	if len(msg) == 0 {
		return SockJSFrame{}, fmt.Errorf("sockjs: empty message")
	}
	switch SockJSType(msg[0]) {
	case SockJSOpen:
		return SockJSFrame{Type: SockJSOpen}, nil
	case SockJSHeartbeat:
		return SockJSFrame{Type: SockJSHeartbeat}, nil
	case SockJSMessage:
		var items []string
		if err := json.Unmarshal(msg[1:], &items); err != nil {
			return SockJSFrame{}, fmt.Errorf("sockjs: bad message array: %w", err)
		}
		return SockJSFrame{Type: SockJSMessage, Messages: items}, nil
	case SockJSClose:
		var payload []any
		if err := json.Unmarshal(msg[1:], &payload); err != nil {
			return SockJSFrame{}, fmt.Errorf("sockjs: bad close frame: %w", err)
		}
		f := SockJSFrame{Type: SockJSClose}
		if len(payload) > 0 {
			if code, ok := payload[0].(float64); ok {
				f.Code = int(code)
			}
		}
		if len(payload) > 1 {
			f.Reason, _ = payload[1].(string)
		}
		return f, nil
	}
	return SockJSFrame{}, fmt.Errorf("sockjs: unknown frame type %q", msg[0])
}

// EncodeSockJS 客户端发送：JSON 字符串数组
func EncodeSockJS(payloads ...string) []byte {
	b, _ := json.Marshal(payloads)
	return b
}

// EncodeSockJSMessage 服务端侧编码（测试用模拟交易所也使用）
func EncodeSockJSMessage(payloads ...string) []byte {
	return append([]byte{byte(SockJSMessage)}, EncodeSockJS(payloads...)...)
}

// EncodeSockJSClose 编码关闭帧
func EncodeSockJSClose(code int, reason string) []byte {
	b, _ := json.Marshal([]any{code, reason})
	return append([]byte{byte(SockJSClose)}, b...)
}

// SockJSURL 生成 <base>/<serverId>/<sessionId>/websocket。
// serverID<0 时随机生成三位数字。
func SockJSURL(base string, serverID int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if serverID < 0 {
		serverID = rand.Intn(1000)
	}
	session := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/%03d/%s/websocket", serverID%1000, session)
	return u.String(), nil
}
