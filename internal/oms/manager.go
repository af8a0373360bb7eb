// Package oms 订单生命周期管理：下单/改单/撤单请求，以及由执行回报驱动的状态机。
// 状态只在收到回报（或断线失效策略）时迁移；调用方的请求只是"请求"。
package oms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/cache"
)

var log = logrus.WithField("component", "oms")

// Sender 出站通道（通常由 supervisor 的门控包装会话）
type Sender interface {
	Send(ctx context.Context, destination string, body []byte) error
}

// SenderFunc 适配函数
type SenderFunc func(ctx context.Context, destination string, body []byte) error

func (f SenderFunc) Send(ctx context.Context, destination string, body []byte) error {
	return f(ctx, destination, body)
}

// Hooks 状态变化与成交回调。在回报处理路径上同步调用（持有订单锁），必须非阻塞。
type Hooks struct {
	OnEvent func(domain.OrderEvent)
	OnFill  func(domain.Fill)
}

// Config OMS 配置
type Config struct {
	APIVersion            string
	DefaultPortfolioID    string
	DefaultDeliveryAreaID int
	DeactivationGrace     time.Duration // 断线超过该时长，AutoDeactivate 订单本地失效
	HistoryWindow         time.Duration // 终态订单保留时长
	RejectPartially       bool
	Clock                 clockwork.Clock
}

type entry struct {
	opMu   sync.Mutex // 串行化同一订单的改单/撤单请求
	mu     sync.Mutex // 保护 order 与 unsent
	o      *domain.Order
	unsent bool // 下单请求仍在门控队列中，交易所尚未见过该订单
}

// Manager 订单管理器。每个订单独立加锁，不存在跨订单的全局锁。
type Manager struct {
	cfg    Config
	clock  clockwork.Clock
	sender Sender
	hooks  Hooks

	live    sync.Map // clientOrderId -> *entry（非终态及刚进入终态）
	byVenue sync.Map // venue orderId -> *entry
	issued  sync.Map // 引擎生命周期内使用过的 clientOrderId
	history *cache.InMemoryCache[string, *entry]
}

// NewManager 创建订单管理器
func NewManager(cfg Config, sender Sender, hooks Hooks) *Manager {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1"
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:     cfg,
		clock:   cfg.Clock,
		sender:  sender,
		hooks:   hooks,
		history: cache.NewInMemoryCacheWithClock[string, *entry](cfg.HistoryWindow, cfg.Clock),
	}
}

// Close 停止历史缓存清理
func (m *Manager) Close() {
	m.history.Stop()
}

func (m *Manager) entryDestination() string {
	return "/" + m.cfg.APIVersion + "/orderEntryRequest"
}

func (m *Manager) modificationDestination() string {
	return "/" + m.cfg.APIVersion + "/orderModificationRequest"
}

// isLocalRejection 门控在本地拒绝，请求没有到达交易所
func isLocalRejection(err error) bool {
	return errors.Is(err, domain.ErrSessionUnavailable) ||
		errors.Is(err, domain.ErrAuthenticationUnavailable) ||
		errors.Is(err, domain.ErrShuttingDown)
}

// Place 提交新订单，立即返回 clientOrderId；确认通过执行回报异步到达。
// 发送失败（传输错误）时订单保持 Submitted 并同时返回 id 与错误。
func (m *Manager) Place(ctx context.Context, spec domain.OrderSpec) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("%w: nil order", domain.ErrInvalidOrder)
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}
	id := spec.Params().ClientOrderID
	if id == "" {
		id = uuid.NewString()
	}
	if _, dup := m.issued.LoadOrStore(id, struct{}{}); dup {
		return "", fmt.Errorf("%w: %s", domain.ErrDuplicateClientOrderID, id)
	}

	o := domain.NewOrder(spec, id, m.clock.Now())
	if o.PortfolioID == "" {
		o.PortfolioID = m.cfg.DefaultPortfolioID
	}
	if o.DeliveryAreaID == 0 {
		o.DeliveryAreaID = m.cfg.DefaultDeliveryAreaID
	}
	if o.PortfolioID == "" || o.DeliveryAreaID == 0 {
		m.issued.Delete(id)
		return "", fmt.Errorf("%w: portfolio and delivery area are required", domain.ErrInvalidOrder)
	}

	body, err := json.Marshal(newEntryRequest(uuid.NewString(), o, m.cfg.RejectPartially))
	if err != nil {
		m.issued.Delete(id)
		return "", err
	}
	e := &entry{o: o, unsent: true}
	m.live.Store(id, e)

	entryLog := log.WithFields(logrus.Fields{
		"clientOrderId": id,
		"side":          o.Side,
		"qty":           o.Quantity,
		"price":         o.Price,
		"contracts":     o.ContractIDs,
	})
	err = m.sender.Send(ctx, m.entryDestination(), body)
	e.mu.Lock()
	e.unsent = false
	e.mu.Unlock()
	if err != nil {
		if isLocalRejection(err) {
			m.live.Delete(id)
			m.issued.Delete(id)
			return "", err
		}
		entryLog.WithError(err).Warn("下单请求发送失败，订单保持 Submitted")
		return id, err
	}
	metrics.OrdersPlaced.Add(1)
	entryLog.Info("下单请求已发送")
	return id, nil
}

// lookup 查找订单（含历史）
func (m *Manager) lookup(clientOrderID string) (*entry, error) {
	if v, ok := m.live.Load(clientOrderID); ok {
		return v.(*entry), nil
	}
	if e, ok := m.history.Get(clientOrderID); ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnknownOrder, clientOrderID)
}

// Modify 请求改单。终态订单本地拒绝，不访问交易所。
func (m *Manager) Modify(ctx context.Context, clientOrderID string, changes domain.OrderChanges) error {
	e, err := m.lookup(clientOrderID)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.o.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", domain.ErrOrderAlreadyTerminal, clientOrderID, e.o.State)
	}
	if err := changes.Validate(e.o); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.o.OrderID == "" {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrOrderNotAcknowledged, clientOrderID)
	}
	req := newModifyRequest(uuid.NewString(), e.o, changes)
	e.mu.Unlock()

	return m.sendModification(ctx, clientOrderID, req)
}

// Cancel 请求撤单
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	return m.requestState(ctx, clientOrderID, modificationDelete)
}

// Deactivate 请求交易所停用订单（可再次激活，本地状态以回报为准）
func (m *Manager) Deactivate(ctx context.Context, clientOrderID string) error {
	return m.requestState(ctx, clientOrderID, modificationDeactivate)
}

func (m *Manager) requestState(ctx context.Context, clientOrderID, modType string) error {
	e, err := m.lookup(clientOrderID)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.o.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", domain.ErrOrderAlreadyTerminal, clientOrderID, e.o.State)
	}
	if e.o.OrderID == "" {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrOrderNotAcknowledged, clientOrderID)
	}
	req := newStateRequest(uuid.NewString(), e.o, modType)
	e.mu.Unlock()

	return m.sendModification(ctx, clientOrderID, req)
}

func (m *Manager) sendModification(ctx context.Context, clientOrderID string, req modificationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, m.modificationDestination(), body); err != nil {
		log.WithError(err).WithField("clientOrderId", clientOrderID).Warn("改单请求发送失败")
		return err
	}
	log.WithFields(logrus.Fields{
		"clientOrderId": clientOrderID,
		"type":          req.Orders[0].OrderModificationType,
		"revisionNo":    req.Orders[0].RevisionNo,
	}).Info("改单请求已发送")
	return nil
}

// StateOf 订单当前状态
func (m *Manager) StateOf(clientOrderID string) (domain.OrderState, error) {
	e, err := m.lookup(clientOrderID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.o.State, nil
}

// Order 订单副本
func (m *Manager) Order(clientOrderID string) (domain.Order, error) {
	e, err := m.lookup(clientOrderID)
	if err != nil {
		return domain.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.o.Clone(), nil
}

// Orders 全部已知订单（在途 + 历史窗口内），按创建时间排序
func (m *Manager) Orders() []domain.Order {
	seen := make(map[string]struct{})
	var out []domain.Order
	collect := func(e *entry) {
		e.mu.Lock()
		o := e.o.Clone()
		e.mu.Unlock()
		if _, ok := seen[o.ClientOrderID]; ok {
			return
		}
		seen[o.ClientOrderID] = struct{}{}
		out = append(out, o)
	}
	m.live.Range(func(_, v any) bool {
		collect(v.(*entry))
		return true
	})
	m.history.Range(func(_ string, e *entry) bool {
		collect(e)
		return true
	})
	sortOrders(out)
	return out
}

// OpenOrders 非终态订单
func (m *Manager) OpenOrders() []domain.Order {
	var out []domain.Order
	m.live.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.o.IsTerminal() {
			out = append(out, e.o.Clone())
		}
		e.mu.Unlock()
		return true
	})
	sortOrders(out)
	return out
}

// Snapshot 用于持久化的订单快照
func (m *Manager) Snapshot() []domain.Order {
	return m.Orders()
}

func sortOrders(out []domain.Order) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

// HandleExecutionReport 应用一条执行回报。
// 同一订单的回报按到达顺序在订单锁下处理；终态之后的回报被忽略。
func (m *Manager) HandleExecutionReport(r domain.ExecutionReport) {
	metrics.ExecutionReports.Add(1)
	e := m.match(r)
	if e == nil {
		metrics.UnmatchedReports.Add(1)
		log.WithFields(logrus.Fields{
			"clientOrderId": r.ClientOrderID,
			"orderId":       r.OrderID,
			"state":         r.StateCode,
		}).Warn("无法匹配的执行回报")
		return
	}

	e.mu.Lock()
	terminal := m.apply(e, &r)
	e.mu.Unlock()

	if terminal {
		m.retire(e)
	}
}

func (m *Manager) match(r domain.ExecutionReport) *entry {
	if r.ClientOrderID != "" {
		if e, err := m.lookup(r.ClientOrderID); err == nil {
			return e
		}
	}
	if r.OrderID != "" {
		if v, ok := m.byVenue.Load(r.OrderID); ok {
			return v.(*entry)
		}
	}
	return nil
}

// apply 在订单锁下执行；返回订单是否因本次回报进入终态
func (m *Manager) apply(e *entry, r *domain.ExecutionReport) bool {
	o := e.o
	entryLog := log.WithFields(logrus.Fields{
		"clientOrderId": o.ClientOrderID,
		"state":         r.StateCode,
		"action":        r.ActionCode,
	})
	if o.IsTerminal() {
		metrics.IgnoredTransitions.Add(1)
		entryLog.Debugf("订单已是终态 %s，忽略回报", o.State)
		return false
	}

	cum := cumulativeFilled(o, r)
	target, known := targetState(o, r, cum)
	if !known {
		metrics.UnknownStateCodes.Add(1)
		entryLog.Warn("未知订单状态码，状态保持不变")
		return false
	}

	var path []domain.OrderState
	if target != o.State {
		path = o.State.TransitionPath(target)
		if path == nil {
			metrics.IgnoredTransitions.Add(1)
			entryLog.Warnf("非法状态迁移 %s -> %s，忽略", o.State, target)
			return false
		}
	} else if target == domain.OrderStatePartiallyFilled && cum > o.FilledQuantity {
		path = []domain.OrderState{target}
	}

	now := m.clock.Now()
	if r.OrderID != "" && o.OrderID == "" {
		o.OrderID = r.OrderID
		m.byVenue.Store(r.OrderID, e)
	}
	if r.RevisionNo > o.RevisionNo {
		o.RevisionNo = r.RevisionNo
	}
	if r.Quantity > 0 && r.Quantity >= cum && canonicalCode(r.StateCode) == codeActive {
		o.Quantity = r.Quantity
	}
	if target == domain.OrderStateRejected {
		o.RejectReason = r.Text
	}

	if delta := cum - o.FilledQuantity; delta > 0 {
		price := r.Price
		if price == 0 {
			price = o.Price
		}
		o.FilledQuantity = cum
		o.LastFillPrice = price
		m.emitFills(o, r, delta, cum, price, now)
	}
	o.UpdatedAt = now

	for _, next := range path {
		prev := o.State
		o.State = next
		ev := domain.OrderEvent{Previous: prev, Report: r, Timestamp: now}
		if next == domain.OrderStateRejected {
			metrics.OrdersRejected.Add(1)
			ev.Err = rejection(o, r)
			entryLog.WithError(ev.Err).Warn("交易所拒单")
		} else {
			entryLog.Infof("订单状态 %s -> %s", prev, next)
		}
		if m.hooks.OnEvent != nil {
			ev.Order = o.Clone()
			m.hooks.OnEvent(ev)
		}
	}
	return o.IsTerminal()
}

func rejection(o *domain.Order, r *domain.ExecutionReport) error {
	reason := r.Text
	if reason == "" {
		reason = "state " + r.StateCode
	}
	return domain.NewError(domain.OrderRejected, o.ClientOrderID, errors.New(reason))
}

// emitFills 累计成交量增量派生成交；回报未指明合约时按订单的每个合约各记一笔
func (m *Manager) emitFills(o *domain.Order, r *domain.ExecutionReport, delta, cum, price int64, now time.Time) {
	if m.hooks.OnFill == nil {
		return
	}
	baseID := r.ExecutionID
	if baseID == "" {
		baseID = fmt.Sprintf("%s#%d", o.ClientOrderID, cum)
	}
	contracts := o.ContractIDs
	if r.ContractID != "" {
		contracts = []string{r.ContractID}
	}
	for _, c := range contracts {
		id := baseID
		if len(contracts) > 1 {
			id = baseID + "@" + c
		}
		m.hooks.OnFill(domain.Fill{
			FillID:        id,
			ClientOrderID: o.ClientOrderID,
			OrderID:       o.OrderID,
			ContractID:    c,
			Quantity:      delta * o.Side.Sign(),
			Price:         price,
			Timestamp:     now,
		})
	}
}

// retire 终态订单移入历史窗口
func (m *Manager) retire(e *entry) {
	e.mu.Lock()
	id, venueID := e.o.ClientOrderID, e.o.OrderID
	e.mu.Unlock()
	m.history.Set(id, e, 0)
	m.live.Delete(id)
	if venueID != "" {
		m.byVenue.Delete(venueID)
	}
}

// DeactivateAfterOutage 断线时长超过宽限期时，将带 AutoDeactivate 标记的在途订单本地置为 Deactivated。
// 断线期间排队、尚未发出的订单不受影响，恢复后照常发送。
// 每个订单至多失效一次；返回本次失效的 clientOrderId。
func (m *Manager) DeactivateAfterOutage(outage time.Duration) []string {
	if outage < m.cfg.DeactivationGrace {
		return nil
	}
	var victims []*entry
	m.live.Range(func(_, v any) bool {
		victims = append(victims, v.(*entry))
		return true
	})

	var ids []string
	now := m.clock.Now()
	for _, e := range victims {
		e.mu.Lock()
		o := e.o
		if !o.AutoDeactivate || o.IsTerminal() || e.unsent {
			e.mu.Unlock()
			continue
		}
		path := o.State.TransitionPath(domain.OrderStateDeactivated)
		if path == nil {
			e.mu.Unlock()
			continue
		}
		for _, next := range path {
			prev := o.State
			o.State = next
			o.UpdatedAt = now
			if m.hooks.OnEvent != nil {
				m.hooks.OnEvent(domain.OrderEvent{Order: o.Clone(), Previous: prev, Timestamp: now})
			}
		}
		ids = append(ids, o.ClientOrderID)
		e.mu.Unlock()

		metrics.OrdersDeactivated.Add(1)
		m.retire(e)
	}
	if len(ids) > 0 {
		log.Warnf("断线 %s 超过宽限期 %s，本地失效 %d 个订单: %v", outage, m.cfg.DeactivationGrace, len(ids), ids)
	}
	return ids
}
