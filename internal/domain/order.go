package domain

import (
	"fmt"
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign 返回方向对应的符号（BUY=+1，SELL=-1）
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s Side) valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind 订单类型
type OrderKind string

const (
	OrderKindLimit   OrderKind = "LIMIT"
	OrderKindIceberg OrderKind = "ICEBERG"
	OrderKindBlock   OrderKind = "USER_DEFINED_BLOCK"
)

// TimeInForce 有效期策略
type TimeInForce string

const (
	TimeInForceFOK TimeInForce = "FOK" // Fill or Kill
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
	TimeInForceGFS TimeInForce = "GFS" // Good for Session
	TimeInForceGTD TimeInForce = "GTD" // Good Till Date
)

func (t TimeInForce) valid() bool {
	switch t {
	case TimeInForceFOK, TimeInForceIOC, TimeInForceGFS, TimeInForceGTD:
		return true
	}
	return false
}

// ExecutionRestriction 部分成交约束
type ExecutionRestriction string

const (
	ExecutionAllOrNone ExecutionRestriction = "AON"
	ExecutionNone      ExecutionRestriction = "NON"
)

func (r ExecutionRestriction) valid() bool {
	return r == ExecutionAllOrNone || r == ExecutionNone
}

// Order 订单领域模型（由 OMS 独占修改，调用方只能拿到副本）
type Order struct {
	ClientOrderID        string               // 调用方生成，引擎生命周期内唯一
	OrderID              string               // 交易所订单 ID（确认后才有）
	Kind                 OrderKind            // 订单类型
	ContractIDs          []string             // 合约列表（block 订单多于一个）
	DeliveryAreaID       int                  // 交割区域
	PortfolioID          string               // 组合 ID
	Side                 Side                 // 方向
	Quantity             int64                // 数量（最小成交量单位）
	Price                int64                // 单价（最小货币单位）
	TimeInForce          TimeInForce          // 有效期
	ExecutionRestriction ExecutionRestriction // 部分成交约束
	ClipSize             int64                // 冰山单可见数量（仅 ICEBERG）
	ClipPriceChange      int64                // 冰山单价格步长（仅 ICEBERG）
	ExpireTime           *time.Time           // GTD 过期时间
	Text                 string               // 备注
	AutoDeactivate       bool                 // 断线超过宽限期后自动失效

	State          OrderState // 当前状态
	FilledQuantity int64      // 累计成交数量
	LastFillPrice  int64      // 最近一次成交价格
	RevisionNo     int        // 交易所修订号
	RejectReason   string     // 拒单原因（可选）

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining 未成交数量
func (o *Order) Remaining() int64 {
	if o == nil {
		return 0
	}
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// IsTerminal 订单是否处于终态
func (o *Order) IsTerminal() bool {
	return o != nil && o.State.IsTerminal()
}

// Clone 深拷贝（切片和指针字段不共享）
func (o *Order) Clone() Order {
	c := *o
	c.ContractIDs = append([]string(nil), o.ContractIDs...)
	if o.ExpireTime != nil {
		t := *o.ExpireTime
		c.ExpireTime = &t
	}
	return c
}

// OrderChanges 改单请求，nil 字段表示不修改
type OrderChanges struct {
	Price      *int64
	Quantity   *int64
	ClipSize   *int64
	ExpireTime *time.Time
	Text       *string
}

// Empty 是否没有任何修改
func (c OrderChanges) Empty() bool {
	return c.Price == nil && c.Quantity == nil && c.ClipSize == nil && c.ExpireTime == nil && c.Text == nil
}

// Validate 校验改单请求
func (c OrderChanges) Validate(o *Order) error {
	if c.Empty() {
		return fmt.Errorf("%w: no changes requested", ErrInvalidOrder)
	}
	if c.Price != nil && *c.Price == 0 {
		return fmt.Errorf("%w: price must be set", ErrInvalidOrder)
	}
	if c.Quantity != nil {
		if *c.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
		}
		if o != nil && *c.Quantity < o.FilledQuantity {
			return fmt.Errorf("%w: quantity %d below filled %d", ErrInvalidOrder, *c.Quantity, o.FilledQuantity)
		}
	}
	if c.ClipSize != nil && (o == nil || o.Kind != OrderKindIceberg) {
		return fmt.Errorf("%w: clip size only applies to iceberg orders", ErrInvalidOrder)
	}
	return nil
}

// OrderEvent 订单状态变化事件（发给调用方）
type OrderEvent struct {
	Order     Order
	Previous  OrderState
	Report    *ExecutionReport // 触发该事件的回报（本地失效时为 nil）
	Err       error            // 交易所拒单时为 OrderRejected 分类错误
	Timestamp time.Time
}
