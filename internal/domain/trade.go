package domain

import (
	"encoding/json"
	"time"
)

// Fill 一笔确认成交（由执行回报派生）
// Fill 与 Order 分离：Order 是委托，Fill 是已执行的数量
type Fill struct {
	FillID        string    // 去重键：交易所成交 ID，缺失时为 <clientOrderId>#<累计成交量>
	ClientOrderID string    // 关联的客户端订单 ID
	OrderID       string    // 关联的交易所订单 ID
	ContractID    string    // 合约 ID
	Quantity      int64     // 带符号数量（BUY 为正，SELL 为负）
	Price         int64     // 成交价格（最小货币单位）
	Timestamp     time.Time // 成交时间
}

// PrivateTrade 私有成交推送（privateTrade 流），原样转发给调用方
type PrivateTrade struct {
	TradeID        string
	OrderID        string
	ClientOrderID  string
	ContractID     string
	DeliveryAreaID int
	Side           string
	Quantity       int64
	Price          int64
	TradeTime      string
	Raw            json.RawMessage
}

type rawTrade struct {
	TradeID        flexString `json:"tradeId"`
	OrderID        flexString `json:"orderId"`
	ClientOrderID  flexString `json:"clientOrderId"`
	ContractID     flexString `json:"contractId"`
	DeliveryAreaID flexInt    `json:"deliveryAreaId"`
	Side           string     `json:"side"`
	Quantity       flexInt    `json:"quantity"`
	Price          flexInt    `json:"price"`
	TradeTime      string     `json:"tradeTime"`
}

// ParsePrivateTrades 解析 privateTrade 推送：单个对象、数组或 {"trades": [...]} 包装
func ParsePrivateTrades(body []byte) ([]PrivateTrade, error) {
	items, err := splitEnvelope(body, "trades")
	if err != nil {
		return nil, err
	}
	out := make([]PrivateTrade, 0, len(items))
	for _, raw := range items {
		var r rawTrade
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		out = append(out, PrivateTrade{
			TradeID:        string(r.TradeID),
			OrderID:        string(r.OrderID),
			ClientOrderID:  string(r.ClientOrderID),
			ContractID:     string(r.ContractID),
			DeliveryAreaID: int(r.DeliveryAreaID.v),
			Side:           r.Side,
			Quantity:       r.Quantity.v,
			Price:          r.Price.v,
			TradeTime:      r.TradeTime,
			Raw:            append(json.RawMessage(nil), raw...),
		})
	}
	return out, nil
}
