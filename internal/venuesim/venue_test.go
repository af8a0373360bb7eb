package venuesim

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/session"
	"github.com/Andrei-Ionita/BRM-Trading/internal/stomp"
)

func credential(token string) *domain.Credential {
	return &domain.Credential{Token: token, ExpiresAt: time.Now().Add(time.Hour)}
}

func TestSessionOverWebsocket(t *testing.T) {
	v := New(Options{SockJS: true})
	defer v.Close()

	got := make(chan stomp.Frame, 4)
	ctx := context.Background()
	conn, err := session.Connect(ctx, session.Config{
		URL:      v.URL(),
		SockJS:   true,
		ServerID: 42,
		Host:     "venue",
		Receipts: true,
	}, credential("tok-1"), func(f stomp.Frame) { got <- f })
	require.NoError(t, err)
	defer conn.Close(ctx)

	conns, err := v.WaitConnections(1, time.Second)
	require.NoError(t, err)
	server := conns[0]
	assert.Equal(t, "tok-1", server.Token())
	assert.Regexp(t, regexp.MustCompile(`^/user/042/[0-9a-f]{16}/websocket$`), server.Path())

	require.NoError(t, conn.Subscribe(ctx, "/user/u/v1/streaming/orderExecutionReport", "sub-1"))
	assert.Equal(t, []string{"/user/u/v1/streaming/orderExecutionReport"}, server.Destinations())

	require.NoError(t, server.Push("/user/u/v1/streaming/orderExecutionReport", []byte(`{"orders":[]}`)))
	select {
	case f := <-got:
		assert.Equal(t, "sub-1", f.Headers.Get(stomp.HdrSubscription))
		assert.JSONEq(t, `{"orders":[]}`, string(f.Body))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, conn.Send(ctx, "/v1/orderEntryRequest", []byte(`{"requestId":"r1"}`)))
	require.Eventually(t, func() bool { return len(server.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "/v1/orderEntryRequest", server.Sent()[0].Headers.Get(stomp.HdrDestination))
}

func TestSessionEndsOnGarbage(t *testing.T) {
	v := New(Options{SockJS: true})
	defer v.Close()

	ctx := context.Background()
	conn, err := session.Connect(ctx, session.Config{URL: v.URL(), SockJS: true, ServerID: -1}, credential("tok-1"), func(stomp.Frame) {})
	require.NoError(t, err)

	conns, err := v.WaitConnections(1, time.Second)
	require.NoError(t, err)
	require.NoError(t, conns[0].InjectGarbage())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, domain.ProtocolViolation, domain.KindOf(conn.Err()))
}

func TestSessionEndsOnSockJSClose(t *testing.T) {
	v := New(Options{SockJS: true})
	defer v.Close()

	conn, err := session.Connect(context.Background(), session.Config{URL: v.URL(), SockJS: true, ServerID: -1}, credential("tok-1"), func(stomp.Frame) {})
	require.NoError(t, err)

	conns, err := v.WaitConnections(1, time.Second)
	require.NoError(t, err)
	require.NoError(t, conns[0].CloseSockJS(3000, "Go away!"))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, domain.TransportFailure, domain.KindOf(conn.Err()))
	assert.Contains(t, conn.Err().Error(), "Go away!")
}

func TestRejectedToken(t *testing.T) {
	v := New(Options{Accept: func(token string) bool { return token == "good" }})
	defer v.Close()

	_, err := session.Connect(context.Background(), session.Config{URL: v.URL()}, credential("bad"), func(stomp.Frame) {})
	require.Error(t, err)
	assert.True(t, domain.IsAuthenticationFailure(err))
}
