package oms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
)

type sent struct {
	dest string
	body map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
	hold chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, dest string, body []byte) error {
	if f.hold != nil {
		<-f.hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return err
	}
	f.msgs = append(f.msgs, sent{dest: dest, body: m})
	return nil
}

func (f *fakeSender) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.OrderEvent
	fills  []domain.Fill
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnEvent: func(ev domain.OrderEvent) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnFill: func(f domain.Fill) {
			r.mu.Lock()
			r.fills = append(r.fills, f)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) states() []domain.OrderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OrderState, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Order.State)
	}
	return out
}

func newTestManager(t *testing.T, sender Sender, rec *recorder) (*Manager, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	m := NewManager(Config{
		DefaultPortfolioID:    "P-1",
		DefaultDeliveryAreaID: 10,
		DeactivationGrace:     30 * time.Second,
		Clock:                 clock,
	}, sender, rec.hooks())
	t.Cleanup(m.Close)
	return m, clock
}

func limit(t *testing.T, p domain.OrderParams) domain.OrderSpec {
	t.Helper()
	spec, err := domain.NewLimitOrder("NX-1", p)
	require.NoError(t, err)
	return spec
}

func report(clientOrderID, orderID, state string) domain.ExecutionReport {
	return domain.ExecutionReport{ClientOrderID: clientOrderID, OrderID: orderID, StateCode: state}
}

func TestManager_PlaceFillLifecycle(t *testing.T) {
	s := &fakeSender{}
	rec := &recorder{}
	m, _ := newTestManager(t, s, rec)

	id, err := m.Place(context.Background(), limit(t, domain.OrderParams{
		ClientOrderID: "co-1", Side: domain.SideBuy, Quantity: 100, Price: 5000,
	}))
	require.NoError(t, err)
	assert.Equal(t, "co-1", id)

	st, err := m.StateOf(id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateSubmitted, st)

	msg := s.last()
	assert.Equal(t, "/v1/orderEntryRequest", msg.dest)
	orders := msg.body["orders"].([]any)
	require.Len(t, orders, 1)
	entry := orders[0].(map[string]any)
	assert.Equal(t, "co-1", entry["clientOrderId"])
	assert.Equal(t, "P-1", entry["portfolioId"])
	assert.Equal(t, float64(10), entry["deliveryAreaId"])
	assert.Equal(t, "BUY", entry["side"])
	assert.Equal(t, float64(5000), entry["unitPrice"])
	assert.Equal(t, "ACTI", entry["state"])

	m.HandleExecutionReport(report("co-1", "V-1", "ACTI"))
	st, _ = m.StateOf(id)
	assert.Equal(t, domain.OrderStateAcknowledged, st)

	r := report("co-1", "V-1", "IACT")
	r.FilledQuantity, r.HasFilledQuantity, r.Price = 100, true, 5000
	m.HandleExecutionReport(r)

	st, _ = m.StateOf(id)
	assert.Equal(t, domain.OrderStateFilled, st)
	assert.Equal(t, []domain.OrderState{domain.OrderStateAcknowledged, domain.OrderStateFilled}, rec.states())
	require.Len(t, rec.fills, 1)
	assert.Equal(t, int64(100), rec.fills[0].Quantity)
	assert.Equal(t, int64(5000), rec.fills[0].Price)
	assert.Equal(t, "co-1#100", rec.fills[0].FillID)
	assert.Equal(t, "NX-1", rec.fills[0].ContractID)

	o, err := m.Order(id)
	require.NoError(t, err)
	assert.Equal(t, "V-1", o.OrderID)
	assert.Equal(t, int64(0), o.Remaining())
	assert.Empty(t, m.OpenOrders())
	assert.Len(t, m.Orders(), 1)
}

func TestManager_TerminalOrdersRejectRequests(t *testing.T) {
	s := &fakeSender{}
	m, _ := newTestManager(t, s, &recorder{})
	ctx := context.Background()

	id, err := m.Place(ctx, limit(t, domain.OrderParams{Side: domain.SideSell, Quantity: 5, Price: 100}))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	m.HandleExecutionReport(report(id, "V-9", "ACTI"))
	m.HandleExecutionReport(report(id, "V-9", "CANC"))

	before := s.count()
	price := int64(120)
	assert.ErrorIs(t, m.Modify(ctx, id, domain.OrderChanges{Price: &price}), domain.ErrOrderAlreadyTerminal)
	assert.ErrorIs(t, m.Cancel(ctx, id), domain.ErrOrderAlreadyTerminal)
	assert.Equal(t, before, s.count())

	// 终态之后的回报不会改变状态
	m.HandleExecutionReport(report(id, "V-9", "ACTI"))
	st, _ := m.StateOf(id)
	assert.Equal(t, domain.OrderStateCancelled, st)
}

func TestManager_ModifyAndCancelPayloads(t *testing.T) {
	s := &fakeSender{}
	m, _ := newTestManager(t, s, &recorder{})
	ctx := context.Background()

	id, err := m.Place(ctx, limit(t, domain.OrderParams{Side: domain.SideBuy, Quantity: 10, Price: 100}))
	require.NoError(t, err)

	price := int64(110)
	assert.ErrorIs(t, m.Modify(ctx, id, domain.OrderChanges{Price: &price}), domain.ErrOrderNotAcknowledged)

	ack := report(id, "V-2", "ACTI")
	ack.RevisionNo = 3
	m.HandleExecutionReport(ack)

	require.NoError(t, m.Modify(ctx, id, domain.OrderChanges{Price: &price}))
	msg := s.last()
	assert.Equal(t, "/v1/orderModificationRequest", msg.dest)
	mo := msg.body["orders"].([]any)[0].(map[string]any)
	assert.Equal(t, "MODI", mo["orderModificationType"])
	assert.Equal(t, "V-2", mo["orderId"])
	assert.Equal(t, float64(3), mo["revisionNo"])
	assert.Equal(t, float64(110), mo["unitPrice"])
	assert.Equal(t, float64(10), mo["quantity"])

	// 价格只在回报确认后才变
	o, _ := m.Order(id)
	assert.Equal(t, int64(100), o.Price)

	require.NoError(t, m.Cancel(ctx, id))
	mo = s.last().body["orders"].([]any)[0].(map[string]any)
	assert.Equal(t, "DELE", mo["orderModificationType"])
	st, _ := m.StateOf(id)
	assert.Equal(t, domain.OrderStateAcknowledged, st)

	require.NoError(t, m.Deactivate(ctx, id))
	mo = s.last().body["orders"].([]any)[0].(map[string]any)
	assert.Equal(t, "DEAC", mo["orderModificationType"])
}

func TestManager_DuplicateAndUnknown(t *testing.T) {
	s := &fakeSender{}
	m, _ := newTestManager(t, s, &recorder{})
	ctx := context.Background()

	p := domain.OrderParams{ClientOrderID: "dup", Side: domain.SideBuy, Quantity: 1, Price: 1}
	_, err := m.Place(ctx, limit(t, p))
	require.NoError(t, err)
	_, err = m.Place(ctx, limit(t, p))
	assert.ErrorIs(t, err, domain.ErrDuplicateClientOrderID)

	_, err = m.StateOf("missing")
	assert.ErrorIs(t, err, domain.ErrUnknownOrder)
	assert.ErrorIs(t, m.Cancel(ctx, "missing"), domain.ErrUnknownOrder)

	_, err = m.Place(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestManager_PlaceSendFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("gate unavailable releases id", func(t *testing.T) {
		s := &fakeSender{err: domain.ErrSessionUnavailable}
		m, _ := newTestManager(t, s, &recorder{})
		id, err := m.Place(ctx, limit(t, domain.OrderParams{ClientOrderID: "x", Side: domain.SideBuy, Quantity: 1, Price: 1}))
		assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
		assert.Empty(t, id)
		_, err = m.StateOf("x")
		assert.ErrorIs(t, err, domain.ErrUnknownOrder)

		s.err = nil
		id, err = m.Place(ctx, limit(t, domain.OrderParams{ClientOrderID: "x", Side: domain.SideBuy, Quantity: 1, Price: 1}))
		require.NoError(t, err)
		assert.Equal(t, "x", id)
	})

	t.Run("transport failure keeps order submitted", func(t *testing.T) {
		s := &fakeSender{err: domain.NewError(domain.TransportFailure, "send", errors.New("broken pipe"))}
		m, _ := newTestManager(t, s, &recorder{})
		id, err := m.Place(ctx, limit(t, domain.OrderParams{ClientOrderID: "y", Side: domain.SideBuy, Quantity: 1, Price: 1}))
		assert.True(t, domain.IsTransportFailure(err))
		assert.Equal(t, "y", id)
		st, err := m.StateOf("y")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStateSubmitted, st)
	})
}

func TestManager_UnknownStateCodeLeavesOrder(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestManager(t, &fakeSender{}, rec)
	id, err := m.Place(context.Background(), limit(t, domain.OrderParams{Side: domain.SideBuy, Quantity: 1, Price: 1}))
	require.NoError(t, err)

	m.HandleExecutionReport(report(id, "V-1", "WXYZ"))
	st, _ := m.StateOf(id)
	assert.Equal(t, domain.OrderStateSubmitted, st)
	assert.Empty(t, rec.states())
}

func TestManager_MatchByVenueOrderID(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestManager(t, &fakeSender{}, rec)
	id, err := m.Place(context.Background(), limit(t, domain.OrderParams{Side: domain.SideSell, Quantity: 50, Price: 300}))
	require.NoError(t, err)
	m.HandleExecutionReport(report(id, "V-7", "ACTI"))

	r := report("", "V-7", "ACTI")
	r.FilledQuantity, r.HasFilledQuantity, r.Price, r.ExecutionID = 20, true, 310, "E-1"
	m.HandleExecutionReport(r)

	st, _ := m.StateOf(id)
	assert.Equal(t, domain.OrderStatePartiallyFilled, st)
	require.Len(t, rec.fills, 1)
	assert.Equal(t, "E-1", rec.fills[0].FillID)
	assert.Equal(t, int64(-20), rec.fills[0].Quantity)

	// 重复回报不产生新成交
	m.HandleExecutionReport(r)
	assert.Len(t, rec.fills, 1)
}

func TestManager_RejectedRecordsReason(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestManager(t, &fakeSender{}, rec)
	id, err := m.Place(context.Background(), limit(t, domain.OrderParams{Side: domain.SideBuy, Quantity: 1, Price: 1}))
	require.NoError(t, err)

	r := report(id, "", "REJE")
	r.Text = "price outside range"
	m.HandleExecutionReport(r)

	o, _ := m.Order(id)
	assert.Equal(t, domain.OrderStateRejected, o.State)
	assert.Equal(t, "price outside range", o.RejectReason)

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	require.Error(t, last.Err)
	assert.True(t, domain.IsOrderRejected(last.Err))
	assert.Contains(t, last.Err.Error(), "price outside range")
}

func TestManager_DeactivateAfterOutageOnce(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestManager(t, &fakeSender{}, rec)
	ctx := context.Background()

	auto, err := m.Place(ctx, limit(t, domain.OrderParams{Side: domain.SideBuy, Quantity: 1, Price: 1, AutoDeactivate: true}))
	require.NoError(t, err)
	keep, err := m.Place(ctx, limit(t, domain.OrderParams{Side: domain.SideBuy, Quantity: 1, Price: 1}))
	require.NoError(t, err)
	m.HandleExecutionReport(report(auto, "V-1", "ACTI"))

	assert.Empty(t, m.DeactivateAfterOutage(10*time.Second))

	ids := m.DeactivateAfterOutage(45 * time.Second)
	assert.Equal(t, []string{auto}, ids)
	assert.Empty(t, m.DeactivateAfterOutage(45*time.Second))

	st, _ := m.StateOf(auto)
	assert.Equal(t, domain.OrderStateDeactivated, st)
	st, _ = m.StateOf(keep)
	assert.Equal(t, domain.OrderStateSubmitted, st)

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	assert.Nil(t, last.Report)
	assert.Equal(t, domain.OrderStateAcknowledged, last.Previous)
}

func TestManager_OutageSkipsOrdersStillQueued(t *testing.T) {
	s := &fakeSender{hold: make(chan struct{})}
	rec := &recorder{}
	m, _ := newTestManager(t, s, rec)

	placed := make(chan error, 1)
	go func() {
		_, err := m.Place(context.Background(), limit(t, domain.OrderParams{
			ClientOrderID: "co-q", Side: domain.SideBuy, Quantity: 5, Price: 10, AutoDeactivate: true,
		}))
		placed <- err
	}()
	require.Eventually(t, func() bool {
		_, err := m.StateOf("co-q")
		return err == nil
	}, time.Second, time.Millisecond)

	// 下单请求仍在队列中：交易所没有这笔订单，不做本地失效
	assert.Empty(t, m.DeactivateAfterOutage(45*time.Second))

	close(s.hold)
	require.NoError(t, <-placed)
	assert.Equal(t, 1, s.count())

	m.HandleExecutionReport(report("co-q", "V-9", "ACTI"))
	st, _ := m.StateOf("co-q")
	assert.Equal(t, domain.OrderStateAcknowledged, st)

	// 已发出的订单在下一次长断线后照常失效
	assert.Equal(t, []string{"co-q"}, m.DeactivateAfterOutage(45*time.Second))
}

func TestManager_SerializesOperationsPerOrder(t *testing.T) {
	s := &fakeSender{}
	m, _ := newTestManager(t, s, &recorder{})
	ctx := context.Background()
	id, err := m.Place(ctx, limit(t, domain.OrderParams{Side: domain.SideBuy, Quantity: 10, Price: 100}))
	require.NoError(t, err)
	m.HandleExecutionReport(report(id, "V-1", "ACTI"))

	s.hold = make(chan struct{})
	first := make(chan error, 1)
	go func() {
		p := int64(101)
		first <- m.Modify(ctx, id, domain.OrderChanges{Price: &p})
	}()

	second := make(chan error, 1)
	time.Sleep(10 * time.Millisecond)
	go func() { second <- m.Cancel(ctx, id) }()

	select {
	case <-second:
		t.Fatal("cancel overtook an in-flight modify")
	case <-time.After(30 * time.Millisecond):
	}

	// 回报处理不受在途请求阻塞
	r := report(id, "V-1", "ACTI")
	r.RevisionNo = 2
	m.HandleExecutionReport(r)

	close(s.hold)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, "DELE", s.last().body["orders"].([]any)[0].(map[string]any)["orderModificationType"])
}

func TestManager_BlockOrderFillsPerContract(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestManager(t, &fakeSender{}, rec)
	spec, err := domain.NewBlockOrder([]string{"NX-1", "NX-2"}, domain.OrderParams{Side: domain.SideBuy, Quantity: 4, Price: 90})
	require.NoError(t, err)
	id, err := m.Place(context.Background(), spec)
	require.NoError(t, err)

	r := report(id, "V-3", "FILL")
	m.HandleExecutionReport(r)

	st, _ := m.StateOf(id)
	assert.Equal(t, domain.OrderStateFilled, st)
	require.Len(t, rec.fills, 2)
	assert.Equal(t, id+"#4@NX-1", rec.fills[0].FillID)
	assert.Equal(t, id+"#4@NX-2", rec.fills[1].FillID)
	assert.Equal(t, int64(90), rec.fills[1].Price)
}
