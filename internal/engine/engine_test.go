package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/ledger"
	"github.com/Andrei-Ionita/BRM-Trading/internal/oms"
	"github.com/Andrei-Ionita/BRM-Trading/internal/session"
	"github.com/Andrei-Ionita/BRM-Trading/internal/stomp"
	"github.com/Andrei-Ionita/BRM-Trading/internal/supervisor"
	"github.com/Andrei-Ionita/BRM-Trading/internal/venuesim"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/persistence"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type staticIdentity struct {
	issued atomic.Int64
}

func (s *staticIdentity) RequestToken(context.Context) (*domain.Credential, error) {
	n := s.issued.Add(1)
	return &domain.Credential{Token: fmt.Sprintf("tok-%d", n), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type events struct {
	mu     sync.Mutex
	orders []domain.OrderEvent
	fills  []domain.Fill
	trades []domain.PrivateTrade
}

func (ev *events) attach(e *Engine) {
	e.OnOrderEvent(func(o domain.OrderEvent) {
		ev.mu.Lock()
		ev.orders = append(ev.orders, o)
		ev.mu.Unlock()
	})
	e.OnFill(func(f domain.Fill) {
		ev.mu.Lock()
		ev.fills = append(ev.fills, f)
		ev.mu.Unlock()
	})
	e.OnPrivateTrade(func(t domain.PrivateTrade) {
		ev.mu.Lock()
		ev.trades = append(ev.trades, t)
		ev.mu.Unlock()
	})
}

func (ev *events) fillCount() int {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return len(ev.fills)
}

func (ev *events) states(clientOrderID string) []domain.OrderState {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	var out []domain.OrderState
	for _, o := range ev.orders {
		if o.Order.ClientOrderID == clientOrderID {
			out = append(out, o.Order.State)
		}
	}
	return out
}

func testConfig(v *venuesim.Venue) Config {
	return Config{
		User: "trader",
		Session: session.Config{
			URL:            v.URL(),
			SockJS:         true,
			ServerID:       -1,
			Receipts:       true,
			ConnectTimeout: 2 * time.Second,
			SendTimeout:    time.Second,
			ReceiptTimeout: time.Second,
		},
		Supervisor: supervisor.Config{
			InitialDelay:           10 * time.Millisecond,
			MaxDelay:               40 * time.Millisecond,
			QueueWhileReconnecting: true,
			CloseTimeout:           500 * time.Millisecond,
		},
		Orders: oms.Config{
			DefaultPortfolioID:    "P-1",
			DefaultDeliveryAreaID: 10,
			DeactivationGrace:     30 * time.Second,
		},
		DrainTimeout: time.Second,
	}
}

func startEngine(t *testing.T, cfg Config, deps Deps) *Engine {
	t.Helper()
	if deps.Identity == nil {
		deps.Identity = &staticIdentity{}
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	waitActive(t, e)
	return e
}

func waitActive(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Status().Session == domain.SessionActive }, waitFor, tick)
}

type entryRequest struct {
	Orders []struct {
		ClientOrderID string   `json:"clientOrderId"`
		PortfolioID   string   `json:"portfolioId"`
		ContractIDs   []string `json:"contractIds"`
		Quantity      int64    `json:"quantity"`
		UnitPrice     int64    `json:"unitPrice"`
	} `json:"orders"`
}

const reportTopic = "/user/trader/v1/streaming/orderExecutionReport"

// fillingVenue 对每个新订单先确认，再全部成交
func fillingVenue(t *testing.T) *venuesim.Venue {
	v := venuesim.New(venuesim.Options{
		SockJS: true,
		OnSend: func(c *venuesim.Conn, f stomp.Frame) {
			if f.Headers.Get(stomp.HdrDestination) != "/v1/orderEntryRequest" {
				return
			}
			var req entryRequest
			if err := json.Unmarshal(f.Body, &req); err != nil {
				t.Errorf("bad entry request: %v", err)
				return
			}
			for _, o := range req.Orders {
				ack := fmt.Sprintf(`{"orderId":"V-%s","clientOrderId":"%s","state":"ACTI","quantity":%d,"revisionNo":1,"contractIds":["%s"]}`,
					o.ClientOrderID, o.ClientOrderID, o.Quantity, o.ContractIDs[0])
				fill := fmt.Sprintf(`{"orderId":"V-%s","state":"IACT","actionCode":"FEXE","executedQuantity":%d,"price":%d,"revisionNo":2}`,
					o.ClientOrderID, o.Quantity, o.UnitPrice)
				_ = c.Push(reportTopic, []byte(ack))
				_ = c.Push(reportTopic, []byte(fill))
			}
		},
	})
	t.Cleanup(v.Close)
	return v
}

func placeLimit(t *testing.T, e *Engine, clientOrderID string, side domain.Side, qty, price int64) {
	t.Helper()
	spec, err := domain.NewLimitOrder("NX-1", domain.OrderParams{ClientOrderID: clientOrderID, Side: side, Quantity: qty, Price: price})
	require.NoError(t, err)
	id, err := e.Place(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, clientOrderID, id)
}

func TestEngine_PlaceFillLifecycle(t *testing.T) {
	v := fillingVenue(t)
	e := startEngine(t, testConfig(v), Deps{})
	ev := &events{}
	ev.attach(e)

	conn := v.Latest()
	assert.Equal(t, []string{
		"/user/trader/v1/streaming/orderExecutionReport",
		"/user/trader/v1/streaming/privateTrade",
	}, conn.Destinations())

	placeLimit(t, e, "co-1", domain.SideBuy, 100, 5000)

	require.Eventually(t, func() bool {
		st, err := e.StateOf("co-1")
		return err == nil && st == domain.OrderStateFilled
	}, waitFor, tick)
	require.Eventually(t, func() bool { return ev.fillCount() == 1 }, waitFor, tick)

	ev.mu.Lock()
	fill := ev.fills[0]
	ev.mu.Unlock()
	assert.Equal(t, "co-1#100", fill.FillID)
	assert.Equal(t, int64(100), fill.Quantity)
	assert.Equal(t, int64(5000), fill.Price)
	assert.Equal(t, "V-co-1", fill.OrderID)

	pos := e.PositionOf("NX-1")
	assert.Equal(t, int64(100), pos.Quantity)
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(5000)))

	o, err := e.Order("co-1")
	require.NoError(t, err)
	assert.Equal(t, "V-co-1", o.OrderID)
	assert.Empty(t, e.OpenOrders())

	require.Eventually(t, func() bool {
		s := ev.states("co-1")
		return len(s) > 0 && s[len(s)-1] == domain.OrderStateFilled
	}, waitFor, tick)
	assert.Contains(t, ev.states("co-1"), domain.OrderStateAcknowledged)

	sent := conn.Sent()
	require.Len(t, sent, 1)
	var req map[string]any
	require.NoError(t, json.Unmarshal(sent[0].Body, &req))
	order := req["orders"].([]any)[0].(map[string]any)
	assert.Equal(t, "P-1", order["portfolioId"])
	assert.Equal(t, float64(10), order["deliveryAreaId"])
	assert.Equal(t, "BUY", order["side"])
}

func TestEngine_PrivateTradesForwardedOnly(t *testing.T) {
	v := fillingVenue(t)
	e := startEngine(t, testConfig(v), Deps{})
	ev := &events{}
	ev.attach(e)

	require.NoError(t, v.Latest().Push("/user/trader/v1/streaming/privateTrade",
		[]byte(`{"trades":[{"tradeId":"T-9","contractId":"NX-1","side":"SELL","quantity":5,"price":4800}]}`)))

	require.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.trades) == 1
	}, waitFor, tick)
	assert.Equal(t, "T-9", ev.trades[0].TradeID)
	assert.True(t, e.PositionOf("NX-1").IsFlat())
	assert.Empty(t, e.Positions())
}

func TestEngine_ReconnectResubscribesOnce(t *testing.T) {
	v := fillingVenue(t)
	e := startEngine(t, testConfig(v), Deps{})

	ticks := make(chan stomp.Frame, 4)
	_, err := e.Subscribe(context.Background(), e.Topics().Ticker(), func(f stomp.Frame) { ticks <- f })
	require.NoError(t, err)

	first := v.Latest()
	want := []string{
		"/user/trader/v1/streaming/orderExecutionReport",
		"/user/trader/v1/streaming/privateTrade",
		"/user/trader/v1/streaming/ticker",
	}
	require.Eventually(t, func() bool { return len(first.Destinations()) == 3 }, waitFor, tick)
	assert.Equal(t, want, first.Destinations())

	require.NoError(t, first.InjectGarbage())

	conns, err := v.WaitConnections(2, waitFor)
	require.NoError(t, err)
	second := conns[1]
	waitActive(t, e)
	assert.Equal(t, want, second.Destinations())
	assert.Equal(t, "tok-1", second.Token())

	require.NoError(t, second.Push("/user/trader/v1/streaming/ticker", []byte(`{"contractId":"NX-1"}`)))
	select {
	case f := <-ticks:
		assert.JSONEq(t, `{"contractId":"NX-1"}`, string(f.Body))
	case <-time.After(waitFor):
		t.Fatal("ticker not delivered after reconnect")
	}

	// 重连后仍可下单
	placeLimit(t, e, "co-2", domain.SideSell, 10, 4000)
	require.Eventually(t, func() bool {
		st, err := e.StateOf("co-2")
		return err == nil && st == domain.OrderStateFilled
	}, waitFor, tick)
	assert.Equal(t, int64(-10), e.PositionOf("NX-1").Quantity)
}

func TestEngine_DuplicateFillsAndRestart(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "fills.db"))
	require.NoError(t, err)
	defer l.Close()
	snapshots := persistence.NewFileService(filepath.Join(dir, "snapshots"))

	v := venuesim.New(venuesim.Options{SockJS: true})
	defer v.Close()

	e, err := New(testConfig(v), Deps{Identity: &staticIdentity{}, Ledger: l, Snapshots: snapshots})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	waitActive(t, e)
	ev := &events{}
	ev.attach(e)

	placeLimit(t, e, "co-3", domain.SideBuy, 100, 5000)
	conn := v.Latest()
	push := func(body string) { require.NoError(t, conn.Push(reportTopic, []byte(body))) }
	push(`{"orderId":"V-3","clientOrderId":"co-3","state":"ACTI","quantity":100}`)
	partial := `{"orderId":"V-3","state":"ACTI","executedQuantity":40,"price":5000,"executionId":"E-1"}`
	push(partial)
	push(partial)

	require.Eventually(t, func() bool {
		st, err := e.StateOf("co-3")
		return err == nil && st == domain.OrderStatePartiallyFilled
	}, waitFor, tick)
	require.Eventually(t, func() bool { return ev.fillCount() == 1 }, waitFor, tick)
	assert.Equal(t, int64(40), e.PositionOf("NX-1").Quantity)

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, domain.SessionClosed, e.Status().Session)

	var snap map[string]any
	require.NoError(t, snapshots.NewStore("engine", "trader", "snapshot").Load(&snap))
	assert.Len(t, snap["orders"], 1)
	assert.Len(t, snap["positions"], 1)

	// 重启后持仓从流水恢复，交易所重发的同一成交不再计入
	e2, err := New(testConfig(v), Deps{Identity: &staticIdentity{}, Ledger: l})
	require.NoError(t, err)
	require.NoError(t, e2.Start(context.Background()))
	defer e2.Stop(context.Background())
	waitActive(t, e2)
	assert.Equal(t, int64(40), e2.PositionOf("NX-1").Quantity)

	require.NoError(t, e2.ResetPositions(context.Background()))
	assert.True(t, e2.PositionOf("NX-1").IsFlat())
}

func TestEngine_SnapshotWrittenAfterChanges(t *testing.T) {
	snapshots := persistence.NewFileService(t.TempDir())
	v := fillingVenue(t)
	cfg := testConfig(v)
	cfg.SnapshotDelay = 20 * time.Millisecond
	e := startEngine(t, cfg, Deps{Snapshots: snapshots})

	placeLimit(t, e, "co-s", domain.SideBuy, 7, 5200)
	require.Eventually(t, func() bool {
		st, err := e.StateOf("co-s")
		return err == nil && st == domain.OrderStateFilled
	}, waitFor, tick)

	// 引擎仍在运行，快照已反映成交
	store := snapshots.NewStore("engine", "trader", "snapshot")
	require.Eventually(t, func() bool {
		var snap Snapshot
		if err := store.Load(&snap); err != nil {
			return false
		}
		return len(snap.Positions) == 1 && snap.Positions[0].Quantity == 7 &&
			len(snap.Orders) == 1 && snap.Orders[0].State == domain.OrderStateFilled
	}, waitFor, tick)
}

func TestEngine_AutoDeactivateAfterLongOutage(t *testing.T) {
	var reject atomic.Bool
	v := venuesim.New(venuesim.Options{
		SockJS: true,
		Accept: func(token string) bool { return token != "" && !reject.Load() },
	})
	defer v.Close()

	cfg := testConfig(v)
	cfg.Orders.DeactivationGrace = 100 * time.Millisecond
	cfg.Supervisor.DeactivationGrace = 100 * time.Millisecond
	e := startEngine(t, cfg, Deps{})
	ev := &events{}
	ev.attach(e)

	spec, err := domain.NewLimitOrder("NX-1", domain.OrderParams{
		ClientOrderID: "co-4", Side: domain.SideBuy, Quantity: 10, Price: 5100, AutoDeactivate: true,
	})
	require.NoError(t, err)
	_, err = e.Place(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, v.Latest().Push(reportTopic, []byte(`{"orderId":"V-4","clientOrderId":"co-4","state":"ACTI","quantity":10}`)))
	require.Eventually(t, func() bool {
		st, err := e.StateOf("co-4")
		return err == nil && st == domain.OrderStateAcknowledged
	}, waitFor, tick)

	reject.Store(true)
	v.Latest().Drop()

	require.Eventually(t, func() bool {
		st, err := e.StateOf("co-4")
		return err == nil && st == domain.OrderStateDeactivated
	}, waitFor, tick)
	assert.NotEqual(t, domain.SessionActive, e.Status().Session)

	// 断线期间：排队模式下的请求阻塞到 ctx 结束并返回会话不可用
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	spec2, err := domain.NewLimitOrder("NX-1", domain.OrderParams{ClientOrderID: "co-5", Side: domain.SideBuy, Quantity: 1, Price: 5000})
	require.NoError(t, err)
	id, err := e.Place(ctx, spec2)
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
	assert.Empty(t, id)
	_, err = e.StateOf("co-5")
	assert.ErrorIs(t, err, domain.ErrUnknownOrder)

	reject.Store(false)
	waitActive(t, e)

	st, err := e.StateOf("co-4")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateDeactivated, st)
	require.Eventually(t, func() bool {
		s := ev.states("co-4")
		return len(s) > 0 && s[len(s)-1] == domain.OrderStateDeactivated
	}, waitFor, tick)
	deactivations := 0
	for _, s := range ev.states("co-4") {
		if s == domain.OrderStateDeactivated {
			deactivations++
		}
	}
	assert.Equal(t, 1, deactivations)
}

func TestEngine_OrderQueuedDuringOutageIsSentAfterReconnect(t *testing.T) {
	var reject atomic.Bool
	v := venuesim.New(venuesim.Options{
		SockJS: true,
		Accept: func(token string) bool { return token != "" && !reject.Load() },
	})
	defer v.Close()

	cfg := testConfig(v)
	cfg.Orders.DeactivationGrace = 100 * time.Millisecond
	cfg.Supervisor.DeactivationGrace = 100 * time.Millisecond
	e := startEngine(t, cfg, Deps{})

	reject.Store(true)
	v.Latest().Drop()
	require.Eventually(t, func() bool { return e.Status().Session != domain.SessionActive }, waitFor, tick)

	spec, err := domain.NewLimitOrder("NX-1", domain.OrderParams{
		ClientOrderID: "co-q", Side: domain.SideBuy, Quantity: 3, Price: 4900, AutoDeactivate: true,
	})
	require.NoError(t, err)
	placed := make(chan error, 1)
	go func() {
		_, err := e.Place(context.Background(), spec)
		placed <- err
	}()

	// 宽限期已过，排队中的订单不被本地失效
	time.Sleep(3 * cfg.Orders.DeactivationGrace)
	st, err := e.StateOf("co-q")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateSubmitted, st)

	reject.Store(false)
	select {
	case err := <-placed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("queued place did not complete after reconnect")
	}

	conn := v.Latest()
	entries := func() int {
		n := 0
		for _, f := range conn.Sent() {
			if f.Headers.Get(stomp.HdrDestination) == "/v1/orderEntryRequest" && strings.Contains(string(f.Body), "co-q") {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return entries() == 1 }, waitFor, tick)

	require.NoError(t, conn.Push(reportTopic, []byte(`{"orderId":"V-q","clientOrderId":"co-q","state":"ACTI","quantity":3}`)))
	require.Eventually(t, func() bool {
		st, err := e.StateOf("co-q")
		return err == nil && st == domain.OrderStateAcknowledged
	}, waitFor, tick)
}

func TestEngine_StatusUpdates(t *testing.T) {
	v := fillingVenue(t)
	e, err := New(testConfig(v), Deps{Identity: &staticIdentity{}})
	require.NoError(t, err)

	seen := make(chan domain.Status, 32)
	e.OnStatus(func(s domain.Status) { seen <- s })
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	deadline := time.After(waitFor)
	for {
		select {
		case s := <-seen:
			if s.Session == domain.SessionActive {
				assert.True(t, s.AuthAvailable)
				assert.NotEmpty(t, s.CredentialExpiresAt)
				return
			}
		case <-deadline:
			t.Fatal("no Active status published")
		}
	}
}

func TestNew_RequiresIdentityAndUser(t *testing.T) {
	_, err := New(Config{User: "u"}, Deps{})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Identity: &staticIdentity{}})
	assert.Error(t, err)
}
