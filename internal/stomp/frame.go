// Package stomp 实现 STOMP 1.2 帧编解码（以及 SockJS 外层封装）
package stomp

import (
	"bytes"
	"strconv"
	"strings"
)

// 客户端命令
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdAck         = "ACK"
	CmdNack        = "NACK"
	CmdDisconnect  = "DISCONNECT"
)

// 服务端命令
const (
	CmdConnected = "CONNECTED"
	CmdMessage   = "MESSAGE"
	CmdReceipt   = "RECEIPT"
	CmdError     = "ERROR"
)

// 常用头
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrAck           = "ack"
	HdrMessage       = "message"
	HdrAuthToken     = "X-AUTH-TOKEN"
)

// Header 单个头（保持原始顺序）
type Header struct {
	Key   string
	Value string
}

// Headers 有序头列表；重复 key 以第一次出现为准
type Headers []Header

// Get 返回第一次出现的值
func (h Headers) Get(key string) string {
	v, _ := h.Lookup(key)
	return v
}

// Lookup 返回第一次出现的值以及是否存在
func (h Headers) Lookup(key string) (string, bool) {
	for _, kv := range h {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Add 追加（不去重）
func (h Headers) Add(key, value string) Headers {
	return append(h, Header{Key: key, Value: value})
}

// Set 替换第一次出现的值，不存在则追加
func (h Headers) Set(key, value string) Headers {
	for i := range h {
		if h[i].Key == key {
			h[i].Value = value
			return h
		}
	}
	return append(h, Header{Key: key, Value: value})
}

// Clone 拷贝
func (h Headers) Clone() Headers {
	return append(Headers(nil), h...)
}

// Frame 一个 STOMP 帧
type Frame struct {
	Command string
	Headers Headers
	Body    []byte
}

// NewFrame 便捷构造：kv 依次为 key, value
func NewFrame(command string, body []byte, kv ...string) Frame {
	f := Frame{Command: command, Body: body}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = f.Headers.Add(kv[i], kv[i+1])
	}
	return f
}

// IsHeartbeat 空命令表示心跳（单独的 EOL）
func (f Frame) IsHeartbeat() bool {
	return f.Command == ""
}

func (f Frame) String() string {
	var b strings.Builder
	b.WriteString(f.Command)
	for _, h := range f.Headers {
		if h.Key == HdrAuthToken {
			b.WriteString(" " + h.Key + ":***")
			continue
		}
		b.WriteString(" " + h.Key + ":" + h.Value)
	}
	if len(f.Body) > 0 {
		b.WriteString(" body=" + strconv.Itoa(len(f.Body)) + "B")
	}
	return b.String()
}

// STOMP 1.2：CONNECT / CONNECTED 帧头不做转义
func escapesHeaders(command string) bool {
	return command != CmdConnect && command != CmdConnected && command != CmdStomp
}

var escaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

// Encode 将帧编码为线上字节（含 NUL 结尾）
func Encode(f Frame) []byte {
	if f.IsHeartbeat() {
		return []byte{'\n'}
	}
	var buf bytes.Buffer
	buf.Grow(len(f.Command) + len(f.Body) + 64*len(f.Headers) + 4)
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	esc := escapesHeaders(f.Command)
	hasLength := false
	for _, h := range f.Headers {
		if h.Key == HdrContentLength {
			hasLength = true
		}
		if esc {
			buf.WriteString(escaper.Replace(h.Key))
			buf.WriteByte(':')
			buf.WriteString(escaper.Replace(h.Value))
		} else {
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		}
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLength && bytes.IndexByte(f.Body, 0) >= 0 {
		buf.WriteString(HdrContentLength + ":" + strconv.Itoa(len(f.Body)) + "\n")
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}
