package domain

import "fmt"

// OrderState 订单状态（状态机见 transitions）
type OrderState uint8

const (
	OrderStateSubmitted OrderState = iota
	OrderStateAcknowledged
	OrderStatePartiallyFilled
	OrderStateFilled
	OrderStateCancelled
	OrderStateRejected
	OrderStateDeactivated
)

var orderStateNames = [...]string{
	OrderStateSubmitted:       "Submitted",
	OrderStateAcknowledged:    "Acknowledged",
	OrderStatePartiallyFilled: "PartiallyFilled",
	OrderStateFilled:          "Filled",
	OrderStateCancelled:       "Cancelled",
	OrderStateRejected:        "Rejected",
	OrderStateDeactivated:     "Deactivated",
}

func (s OrderState) String() string {
	if int(s) < len(orderStateNames) {
		return orderStateNames[s]
	}
	return "Unknown"
}

// MarshalText 让状态在 JSON 快照里以名字出现
func (s OrderState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderState) UnmarshalText(b []byte) error {
	for i, name := range orderStateNames {
		if name == string(b) {
			*s = OrderState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown order state %q", b)
}

// IsTerminal Filled / Cancelled / Rejected / Deactivated 为终态
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateDeactivated:
		return true
	}
	return false
}

var transitions = map[OrderState][]OrderState{
	OrderStateSubmitted: {OrderStateAcknowledged, OrderStateRejected},
	OrderStateAcknowledged: {
		OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled,
		OrderStateDeactivated, OrderStateRejected,
	},
	OrderStatePartiallyFilled: {
		OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled,
		OrderStateDeactivated,
	},
}

// CanTransition 状态机中是否存在 s -> to 的迁移
func (s OrderState) CanTransition(to OrderState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionPath 返回从 s 到 to 需要依次经过的状态。
// Submitted 收到只能从 Acknowledged 出发的回报时，会先经过 Acknowledged。
// 不可达时返回 nil。
func (s OrderState) TransitionPath(to OrderState) []OrderState {
	if s.CanTransition(to) {
		return []OrderState{to}
	}
	if s == OrderStateSubmitted && OrderStateAcknowledged.CanTransition(to) {
		return []OrderState{OrderStateAcknowledged, to}
	}
	return nil
}
