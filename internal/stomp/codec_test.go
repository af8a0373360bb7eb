package stomp

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_EscapedHeaders(t *testing.T) {
	f := NewFrame(CmdSend, []byte(`{"a":1}`), HdrDestination, "/v1/orderEntryRequest", "note", "a:b\nc\\d")
	raw := Encode(f)
	assert.Contains(t, string(raw), `note:a\cb\nc\\d`)

	d := NewDecoder(0)
	_, _ = d.Write(raw)
	got, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, CmdSend, got.Command)
	assert.Equal(t, "a:b\nc\\d", got.Headers.Get("note"))
	assert.Equal(t, `{"a":1}`, string(got.Body))
	assert.Equal(t, 0, d.Buffered())
}

func TestEncode_ConnectNotEscaped(t *testing.T) {
	f := NewFrame(CmdConnect, nil, HdrHost, "intraday.example:443", HdrHeartBeat, "10000,10000")
	assert.Contains(t, string(Encode(f)), "host:intraday.example:443\n")
}

func TestDecoder_FirstHeaderWins(t *testing.T) {
	d := NewDecoder(0)
	_, _ = d.Write([]byte("MESSAGE\ndestination:/a\ndestination:/b\n\nx\x00"))
	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "/a", f.Headers.Get(HdrDestination))
	assert.Len(t, f.Headers, 2)
}

func TestDecoder_ByteByByte(t *testing.T) {
	raw := string(Encode(NewFrame(CmdMessage, []byte("hello"), HdrSubscription, "sub-1"))) +
		"\n" +
		string(Encode(NewFrame(CmdReceipt, nil, HdrReceiptID, "r-1")))

	d := NewDecoder(0)
	var frames []Frame
	for i := 0; i < len(raw); i++ {
		_, _ = d.Write([]byte{raw[i]})
		for {
			f, err := d.Next()
			if errors.Is(err, ErrIncomplete) {
				break
			}
			require.NoError(t, err)
			frames = append(frames, f)
		}
	}
	require.Len(t, frames, 3)
	assert.Equal(t, "hello", string(frames[0].Body))
	assert.True(t, frames[1].IsHeartbeat())
	assert.Equal(t, "r-1", frames[2].Headers.Get(HdrReceiptID))
}

func TestDecoder_ContentLengthWithNUL(t *testing.T) {
	body := []byte("a\x00b")
	raw := Encode(NewFrame(CmdMessage, body))
	d := NewDecoder(0)
	_, _ = d.Write(raw)
	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, body, f.Body)
}

func TestDecoder_Heartbeats(t *testing.T) {
	d := NewDecoder(0)
	_, _ = d.Write([]byte("\r\n\n"))
	for i := 0; i < 2; i++ {
		f, err := d.Next()
		require.NoError(t, err)
		assert.True(t, f.IsHeartbeat())
	}
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDecoder_Malformed(t *testing.T) {
	cases := map[string]string{
		"unknown command": "HELLO\n\n\x00",
		"header no colon": "MESSAGE\nnocolon\n\n\x00",
		"bad escape":      "MESSAGE\nk:\\t\n\n\x00",
		"bad length":      "MESSAGE\ncontent-length:abc\n\n\x00",
		"length mismatch": "MESSAGE\ncontent-length:1\n\nabc\x00",
		"no newline":      "garbage\x00",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDecoder(0)
			_, _ = d.Write([]byte(raw))
			_, err := d.Next()
			var me *MalformedError
			require.ErrorAs(t, err, &me)
			// 之后持续返回同一错误
			_, err2 := d.Next()
			assert.Equal(t, err, err2)
			_, werr := d.Write([]byte("\n"))
			assert.Error(t, werr)
		})
	}
}

func TestDecoder_SizeLimit(t *testing.T) {
	d := NewDecoder(32)
	_, _ = d.Write([]byte("MESSAGE\n\n" + strings.Repeat("x", 64)))
	_, err := d.Next()
	var me *MalformedError
	assert.ErrorAs(t, err, &me)
}

func TestSockJS(t *testing.T) {
	f, err := DecodeSockJS([]byte(`a["CONNECTED\nversion:1.2\n\n\u0000"]`))
	require.NoError(t, err)
	assert.Equal(t, SockJSMessage, f.Type)
	require.Len(t, f.Messages, 1)
	assert.True(t, strings.HasPrefix(f.Messages[0], "CONNECTED"))

	f, err = DecodeSockJS([]byte(`c[3000,"Go away!"]`))
	require.NoError(t, err)
	assert.Equal(t, 3000, f.Code)
	assert.Equal(t, "Go away!", f.Reason)

	_, err = DecodeSockJS([]byte("x"))
	assert.Error(t, err)

	assert.Equal(t, `["\n"]`, string(EncodeSockJS("\n")))

	u, err := SockJSURL("wss://host/user", 7)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "wss://host/user/007/"))
	assert.True(t, strings.HasSuffix(u, "/websocket"))
}
