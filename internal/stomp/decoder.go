package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxFrameSize 单帧上限
const DefaultMaxFrameSize = 10 << 20

// ErrIncomplete 缓冲区中还没有完整的帧
var ErrIncomplete = errors.New("stomp: incomplete frame")

// MalformedError 帧边界处的不可恢复解码错误。
// 出现后整个流不可再用，调用方应断开重连。
type MalformedError struct {
	Offset int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("stomp: malformed frame at offset %d: %s", e.Offset, e.Reason)
}

var knownCommands = map[string]struct{}{
	CmdConnect: {}, CmdStomp: {}, CmdSend: {}, CmdSubscribe: {}, CmdUnsubscribe: {},
	CmdAck: {}, CmdNack: {}, CmdDisconnect: {}, "BEGIN": {}, "COMMIT": {}, "ABORT": {},
	CmdConnected: {}, CmdMessage: {}, CmdReceipt: {}, CmdError: {},
}

// Decoder 流式解码器：Write 追加任意分片，Next 逐帧取出
type Decoder struct {
	buf      []byte
	consumed int // 已解码字节总数（用于错误偏移）
	maxSize  int
	err      error
}

// NewDecoder maxSize<=0 时使用 DefaultMaxFrameSize
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Write 追加收到的字节
func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered 尚未解码的字节数
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next 返回下一帧；心跳以 Command=="" 的帧返回。
// 数据不足时返回 ErrIncomplete，格式错误返回 *MalformedError（此后持续返回该错误）。
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}
	f, n, err := d.parse()
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			if len(d.buf) > d.maxSize {
				return Frame{}, d.fail(0, fmt.Sprintf("frame exceeds %d bytes", d.maxSize))
			}
			return Frame{}, ErrIncomplete
		}
		return Frame{}, err
	}
	d.consumed += n
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return f, nil
}

func (d *Decoder) fail(at int, reason string) error {
	d.err = &MalformedError{Offset: d.consumed + at, Reason: reason}
	return d.err
}

func (d *Decoder) parse() (Frame, int, error) {
	b := d.buf
	if len(b) == 0 {
		return Frame{}, 0, ErrIncomplete
	}
	// 帧之间的 EOL 是心跳
	if b[0] == '\n' {
		return Frame{}, 1, nil
	}
	if b[0] == '\r' {
		if len(b) < 2 {
			return Frame{}, 0, ErrIncomplete
		}
		if b[1] == '\n' {
			return Frame{}, 2, nil
		}
		return Frame{}, 0, d.fail(0, "bare carriage return")
	}

	pos := 0
	line, next, ok := readLine(b, pos)
	if !ok {
		if bytes.IndexByte(b, 0) >= 0 {
			return Frame{}, 0, d.fail(0, "command line not terminated")
		}
		return Frame{}, 0, ErrIncomplete
	}
	command := string(line)
	if _, known := knownCommands[command]; !known {
		return Frame{}, 0, d.fail(0, fmt.Sprintf("unknown command %q", truncate(command, 32)))
	}
	pos = next
	f := Frame{Command: command}
	unescape := escapesHeaders(command)

	for {
		line, next, ok = readLine(b, pos)
		if !ok {
			if bytes.IndexByte(b[pos:], 0) >= 0 {
				return Frame{}, 0, d.fail(pos, "header block not terminated")
			}
			return Frame{}, 0, ErrIncomplete
		}
		if len(line) == 0 {
			pos = next
			break
		}
		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return Frame{}, 0, d.fail(pos, "header line without key")
		}
		key, val := string(line[:i]), string(line[i+1:])
		if unescape {
			var err error
			if key, err = unescapeValue(key); err != nil {
				return Frame{}, 0, d.fail(pos, err.Error())
			}
			if val, err = unescapeValue(val); err != nil {
				return Frame{}, 0, d.fail(pos, err.Error())
			}
		}
		f.Headers = append(f.Headers, Header{Key: key, Value: val})
		pos = next
	}

	if cl, ok := f.Headers.Lookup(HdrContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return Frame{}, 0, d.fail(pos, fmt.Sprintf("invalid content-length %q", cl))
		}
		if n > d.maxSize {
			return Frame{}, 0, d.fail(pos, fmt.Sprintf("content-length %d exceeds limit", n))
		}
		if len(b) < pos+n+1 {
			return Frame{}, 0, ErrIncomplete
		}
		if b[pos+n] != 0 {
			return Frame{}, 0, d.fail(pos+n, "body not followed by NUL")
		}
		f.Body = copyBytes(b[pos : pos+n])
		return f, pos + n + 1, nil
	}

	end := bytes.IndexByte(b[pos:], 0)
	if end < 0 {
		return Frame{}, 0, ErrIncomplete
	}
	if end > 0 {
		f.Body = copyBytes(b[pos : pos+end])
	}
	return f, pos + end + 1, nil
}

// readLine 读取以 \n 或 \r\n 结尾的一行
func readLine(b []byte, pos int) ([]byte, int, bool) {
	i := bytes.IndexByte(b[pos:], '\n')
	if i < 0 {
		return nil, 0, false
	}
	line := b[pos : pos+i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, pos + i + 1, true
}

func unescapeValue(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", errors.New("dangling escape")
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("undefined escape \\%c", s[i])
		}
	}
	return b.String(), nil
}

func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
