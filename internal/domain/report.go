package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExecutionReport 交易所执行回报（orderExecutionReport 流）
// 交易所字段名不完全稳定，解析时兼容多个别名。
type ExecutionReport struct {
	OrderID           string
	ClientOrderID     string
	StateCode         string // ACTI / IACT / HIBE / ...，原样保留（已转大写）
	ActionCode        string // 触发本次回报的动作（如 UDEA、PDEA、DELE），可为空
	ContractID        string // 回报携带的合约（可为空）
	Quantity          int64  // 委托数量（可为 0 表示未提供）
	FilledQuantity    int64  // 累计成交量
	HasFilledQuantity bool   // 回报中是否携带了成交量字段
	Price             int64  // 成交价/委托价（最小货币单位）
	ExecutionID       string // 交易所成交 / 执行 ID（可为空）
	RevisionNo        int
	Text              string
	ReceivedAt        time.Time
	Raw               json.RawMessage
}

// flexInt 兼容数字与数字字符串（交易所偶尔把数量编码成字符串或带小数）
type flexInt struct {
	v   int64
	set bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		f.v, f.set = n, true
		return nil
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	f.v, f.set = int64(x), true
	return nil
}

// flexString 兼容字符串与数字形式的 ID
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

type rawReport struct {
	OrderID            flexString   `json:"orderId"`
	ClientOrderID      flexString   `json:"clientOrderId"`
	State              string       `json:"state"`
	OrderState         string       `json:"orderState"`
	Status             string       `json:"status"`
	ActionCode         string       `json:"actionCode"`
	Action             string       `json:"action"`
	ContractID         flexString   `json:"contractId"`
	ContractIDs        []flexString `json:"contractIds"`
	Quantity           flexInt      `json:"quantity"`
	ExecutedQuantity   flexInt      `json:"executedQuantity"`
	FilledQuantity     flexInt      `json:"filledQuantity"`
	CumulativeQuantity flexInt      `json:"cumulativeQuantity"`
	Price              flexInt      `json:"price"`
	ExecutionPrice     flexInt      `json:"executionPrice"`
	UnitPrice          flexInt      `json:"unitPrice"`
	ExecutionID        flexString   `json:"executionId"`
	TradeID            flexString   `json:"tradeId"`
	RevisionNo         flexInt      `json:"revisionNo"`
	Text               string       `json:"text"`
	RejectReason       string       `json:"rejectReason"`
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...flexInt) (int64, bool) {
	for _, v := range vals {
		if v.set {
			return v.v, true
		}
	}
	return 0, false
}

func (r *rawReport) toReport(raw json.RawMessage, now time.Time) ExecutionReport {
	rep := ExecutionReport{
		OrderID:       string(r.OrderID),
		ClientOrderID: string(r.ClientOrderID),
		StateCode:     strings.ToUpper(strings.TrimSpace(firstString(r.State, r.OrderState, r.Status))),
		ActionCode:    strings.ToUpper(strings.TrimSpace(firstString(r.ActionCode, r.Action))),
		ContractID:    string(r.ContractID),
		ExecutionID:   firstString(string(r.ExecutionID), string(r.TradeID)),
		Text:          firstString(r.RejectReason, r.Text),
		ReceivedAt:    now,
		Raw:           append(json.RawMessage(nil), raw...),
	}
	if rep.ContractID == "" && len(r.ContractIDs) == 1 {
		rep.ContractID = string(r.ContractIDs[0])
	}
	rep.Quantity, _ = firstInt(r.Quantity)
	rep.FilledQuantity, rep.HasFilledQuantity = firstInt(r.ExecutedQuantity, r.FilledQuantity, r.CumulativeQuantity)
	rep.Price, _ = firstInt(r.ExecutionPrice, r.Price, r.UnitPrice)
	if n, ok := firstInt(r.RevisionNo); ok {
		rep.RevisionNo = int(n)
	}
	return rep
}

// ParseExecutionReports 解析执行回报消息体。
// 支持单个对象、对象数组，以及 {"orders": [...]} 包装。
func ParseExecutionReports(body []byte, now time.Time) ([]ExecutionReport, error) {
	items, err := splitEnvelope(body, "orders")
	if err != nil {
		return nil, err
	}
	out := make([]ExecutionReport, 0, len(items))
	for _, raw := range items {
		var r rawReport
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode execution report: %w", err)
		}
		rep := r.toReport(raw, now)
		if rep.ClientOrderID == "" && rep.OrderID == "" {
			return nil, fmt.Errorf("execution report without order identifiers")
		}
		out = append(out, rep)
	}
	return out, nil
}

// splitEnvelope 将消息体拆成对象列表
func splitEnvelope(body []byte, key string) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty message body")
	}
	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return items, nil
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		if inner, ok := envelope[key]; ok {
			inner = bytes.TrimSpace(inner)
			if len(inner) > 0 && inner[0] == '[' {
				var items []json.RawMessage
				if err := json.Unmarshal(inner, &items); err != nil {
					return nil, err
				}
				return items, nil
			}
		}
		return []json.RawMessage{body}, nil
	}
	return nil, fmt.Errorf("unexpected message body %q", truncate(body, 32))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
