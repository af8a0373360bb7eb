package oms

import (
	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
)

// 交易所订单状态码
const (
	codeActive      = "ACTI"
	codeInactive    = "IACT"
	codeHibernated  = "HIBE"
	codeRejected    = "REJE"
	codeCancelled   = "CANC"
	codeDeleted     = "DELE"
	codeFilled      = "FILL"
	codePartialFill = "PFIL"
	codeDeactivated = "DEAC"
)

var stateAliases = map[string]string{
	"ACTIVE":           codeActive,
	"INACTIVE":         codeInactive,
	"HIBERNATED":       codeHibernated,
	"REJECTED":         codeRejected,
	"CANCELLED":        codeCancelled,
	"CANCELED":         codeCancelled,
	"DELETED":          codeDeleted,
	"FILLED":           codeFilled,
	"EXECUTED":         codeFilled,
	"FEXE":             codeFilled,
	"PARTIALLY_FILLED": codePartialFill,
	"PEXE":             codePartialFill,
	"DEACTIVATED":      codeDeactivated,
}

// IACT 的动作码：这些表示被停用而非被删除
var deactivationActions = map[string]struct{}{
	"UHIB": {}, "SHIB": {}, "UDEA": {}, "SDEA": {}, "PDEA": {}, "HIBE": {}, "DEAC": {},
}

// 表示全部成交的动作码
var fullExecutionActions = map[string]struct{}{
	"FEXE": {},
}

func canonicalCode(code string) string {
	if c, ok := stateAliases[code]; ok {
		return c
	}
	return code
}

// cumulativeFilled 本次回报之后的累计成交量（不会小于已知值）
func cumulativeFilled(o *domain.Order, r *domain.ExecutionReport) int64 {
	cum := o.FilledQuantity
	if r.HasFilledQuantity {
		if r.FilledQuantity > cum {
			cum = r.FilledQuantity
		}
	} else if canonicalCode(r.StateCode) == codeFilled {
		// 全部成交但未给出数量
		cum = o.Quantity
	}
	return cum
}

// targetState 回报对应的目标状态；未知状态码返回 false（保持不变）
func targetState(o *domain.Order, r *domain.ExecutionReport, cum int64) (domain.OrderState, bool) {
	full := cum > 0 && cum >= o.Quantity
	partial := cum > 0 && !full
	_, fullAction := fullExecutionActions[r.ActionCode]

	switch canonicalCode(r.StateCode) {
	case codeActive:
		switch {
		case full:
			return domain.OrderStateFilled, true
		case partial:
			return domain.OrderStatePartiallyFilled, true
		}
		return domain.OrderStateAcknowledged, true
	case codeInactive:
		if full || fullAction {
			return domain.OrderStateFilled, true
		}
		if _, ok := deactivationActions[r.ActionCode]; ok {
			return domain.OrderStateDeactivated, true
		}
		return domain.OrderStateCancelled, true
	case codeHibernated, codeDeactivated:
		return domain.OrderStateDeactivated, true
	case codeRejected:
		return domain.OrderStateRejected, true
	case codeCancelled, codeDeleted:
		return domain.OrderStateCancelled, true
	case codeFilled:
		if partial {
			return domain.OrderStatePartiallyFilled, true
		}
		return domain.OrderStateFilled, true
	case codePartialFill:
		if full {
			return domain.OrderStateFilled, true
		}
		return domain.OrderStatePartiallyFilled, true
	}
	return 0, false
}
