package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position 合约净持仓（由成交流派生，不独立持久化为权威数据）
type Position struct {
	ContractID string          // 合约 ID
	Quantity   int64           // 带符号净持仓（BUY 为正，SELL 为负）
	AvgPrice   decimal.Decimal // 成交量加权均价
	Volume     int64           // 自上次重置以来累计成交量（绝对值之和）
	Notional   decimal.Decimal // 累计成交额 Σ|q|·p
	FillCount  int             // 已计入的成交笔数
	UpdatedAt  time.Time
}

// Apply 计入一笔成交（调用方负责去重）
func (p *Position) Apply(f Fill) {
	abs := f.Quantity
	if abs < 0 {
		abs = -abs
	}
	p.Quantity += f.Quantity
	p.Volume += abs
	p.Notional = p.Notional.Add(decimal.NewFromInt(abs).Mul(decimal.NewFromInt(f.Price)))
	if p.Volume > 0 {
		p.AvgPrice = p.Notional.Div(decimal.NewFromInt(p.Volume))
	}
	p.FillCount++
	if f.Timestamp.After(p.UpdatedAt) {
		p.UpdatedAt = f.Timestamp
	}
}

// IsFlat 是否无持仓
func (p Position) IsFlat() bool {
	return p.Quantity == 0
}
