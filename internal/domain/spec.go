package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderParams 所有订单类型共有的字段
type OrderParams struct {
	ClientOrderID        string // 为空时由 OMS 生成
	PortfolioID          string // 为空时使用引擎配置的默认组合
	DeliveryAreaID       int    // 为 0 时使用引擎配置的默认交割区域
	Side                 Side
	Quantity             int64
	Price                int64
	TimeInForce          TimeInForce          // 为空时为 GFS
	ExecutionRestriction ExecutionRestriction // 为空时为 NON
	ExpireTime           *time.Time           // GTD 必填
	Text                 string
	AutoDeactivate       bool // 断线超过宽限期后自动失效
}

func (p *OrderParams) normalize() error {
	if p.TimeInForce == "" {
		p.TimeInForce = TimeInForceGFS
	}
	if p.ExecutionRestriction == "" {
		p.ExecutionRestriction = ExecutionNone
	}
	if !p.Side.valid() {
		return invalidOrder("unsupported side %q", p.Side)
	}
	if p.Quantity <= 0 {
		return invalidOrder("quantity must be positive, got %d", p.Quantity)
	}
	if p.Price == 0 {
		return invalidOrder("price must be set")
	}
	if !p.TimeInForce.valid() {
		return invalidOrder("unsupported time in force %q", p.TimeInForce)
	}
	if !p.ExecutionRestriction.valid() {
		return invalidOrder("unsupported execution restriction %q", p.ExecutionRestriction)
	}
	if p.TimeInForce == TimeInForceGTD && p.ExpireTime == nil {
		return invalidOrder("GTD order requires an expire time")
	}
	if p.TimeInForce != TimeInForceGTD && p.ExpireTime != nil {
		return invalidOrder("expire time only applies to GTD orders")
	}
	if strings.ContainsAny(p.ClientOrderID, "\r\n") {
		return invalidOrder("client order id contains line breaks")
	}
	return nil
}

func invalidOrder(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...))
}

// OrderSpec 下单请求（封闭的标签联合：LimitOrder / IcebergOrder / BlockOrder）
type OrderSpec interface {
	Kind() OrderKind
	Params() OrderParams
	Contracts() []string
	// Validate 校验并补全默认值
	Validate() error
	isOrderSpec()
}

// LimitOrder 单合约限价单
type LimitOrder struct {
	OrderParams
	ContractID string
}

// NewLimitOrder 构造并校验限价单
func NewLimitOrder(contractID string, p OrderParams) (*LimitOrder, error) {
	o := &LimitOrder{OrderParams: p, ContractID: contractID}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *LimitOrder) Kind() OrderKind     { return OrderKindLimit }
func (o *LimitOrder) Params() OrderParams { return o.OrderParams }
func (o *LimitOrder) Contracts() []string { return []string{o.ContractID} }
func (o *LimitOrder) isOrderSpec()        {}

func (o *LimitOrder) Validate() error {
	if strings.TrimSpace(o.ContractID) == "" {
		return invalidOrder("contract id is required")
	}
	return o.OrderParams.normalize()
}

// IcebergOrder 冰山单：只公开 ClipSize 的数量
type IcebergOrder struct {
	OrderParams
	ContractID      string
	ClipSize        int64
	ClipPriceChange int64
}

// NewIcebergOrder 构造并校验冰山单
func NewIcebergOrder(contractID string, clipSize, clipPriceChange int64, p OrderParams) (*IcebergOrder, error) {
	o := &IcebergOrder{OrderParams: p, ContractID: contractID, ClipSize: clipSize, ClipPriceChange: clipPriceChange}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *IcebergOrder) Kind() OrderKind     { return OrderKindIceberg }
func (o *IcebergOrder) Params() OrderParams { return o.OrderParams }
func (o *IcebergOrder) Contracts() []string { return []string{o.ContractID} }
func (o *IcebergOrder) isOrderSpec()        {}

func (o *IcebergOrder) Validate() error {
	if strings.TrimSpace(o.ContractID) == "" {
		return invalidOrder("contract id is required")
	}
	if err := o.OrderParams.normalize(); err != nil {
		return err
	}
	if o.ClipSize <= 0 || o.ClipSize >= o.Quantity {
		return invalidOrder("clip size must be in (0, %d), got %d", o.Quantity, o.ClipSize)
	}
	if o.ClipPriceChange < 0 {
		return invalidOrder("clip price change must not be negative")
	}
	return nil
}

// BlockOrder 用户自定义组合单（多个合约整体成交）
type BlockOrder struct {
	OrderParams
	ContractIDs []string
}

// NewBlockOrder 构造并校验组合单
func NewBlockOrder(contractIDs []string, p OrderParams) (*BlockOrder, error) {
	o := &BlockOrder{OrderParams: p, ContractIDs: append([]string(nil), contractIDs...)}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *BlockOrder) Kind() OrderKind     { return OrderKindBlock }
func (o *BlockOrder) Params() OrderParams { return o.OrderParams }
func (o *BlockOrder) Contracts() []string { return append([]string(nil), o.ContractIDs...) }
func (o *BlockOrder) isOrderSpec()        {}

func (o *BlockOrder) Validate() error {
	if len(o.ContractIDs) < 2 {
		return invalidOrder("block order needs at least two contracts, got %d", len(o.ContractIDs))
	}
	seen := make(map[string]struct{}, len(o.ContractIDs))
	for _, c := range o.ContractIDs {
		if strings.TrimSpace(c) == "" {
			return invalidOrder("empty contract id in block order")
		}
		if _, dup := seen[c]; dup {
			return invalidOrder("duplicate contract %s in block order", c)
		}
		seen[c] = struct{}{}
	}
	return o.OrderParams.normalize()
}

// NewOrder 根据已校验的下单请求创建 Submitted 状态的订单
func NewOrder(spec OrderSpec, clientOrderID string, now time.Time) *Order {
	p := spec.Params()
	o := &Order{
		ClientOrderID:        clientOrderID,
		Kind:                 spec.Kind(),
		ContractIDs:          spec.Contracts(),
		DeliveryAreaID:       p.DeliveryAreaID,
		PortfolioID:          p.PortfolioID,
		Side:                 p.Side,
		Quantity:             p.Quantity,
		Price:                p.Price,
		TimeInForce:          p.TimeInForce,
		ExecutionRestriction: p.ExecutionRestriction,
		Text:                 p.Text,
		AutoDeactivate:       p.AutoDeactivate,
		State:                OrderStateSubmitted,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if p.ExpireTime != nil {
		t := *p.ExpireTime
		o.ExpireTime = &t
	}
	if ice, ok := spec.(*IcebergOrder); ok {
		o.ClipSize = ice.ClipSize
		o.ClipPriceChange = ice.ClipPriceChange
	}
	return o
}
