package oms

import (
	"time"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
)

// 改单类型
const (
	modificationModify     = "MODI"
	modificationDelete     = "DELE"
	modificationDeactivate = "DEAC"
)

type entryOrder struct {
	PortfolioID          string   `json:"portfolioId"`
	ContractIDs          []string `json:"contractIds"`
	DeliveryAreaID       int      `json:"deliveryAreaId"`
	Side                 string   `json:"side"`
	OrderType            string   `json:"orderType"`
	UnitPrice            int64    `json:"unitPrice"`
	Quantity             int64    `json:"quantity"`
	TimeInForce          string   `json:"timeInForce"`
	ExecutionRestriction string   `json:"executionRestriction"`
	State                string   `json:"state"`
	ClientOrderID        string   `json:"clientOrderId"`
	ClipSize             *int64   `json:"clipSize,omitempty"`
	ClipPriceChange      *int64   `json:"clipPriceChange,omitempty"`
	ExpireTime           string   `json:"expireTime,omitempty"`
	Text                 string   `json:"text,omitempty"`
}

type entryRequest struct {
	RequestID       string       `json:"requestId"`
	RejectPartially bool         `json:"rejectPartially"`
	LinkedBasket    bool         `json:"linkedBasket"`
	Orders          []entryOrder `json:"orders"`
}

type modificationOrder struct {
	OrderID               string `json:"orderId"`
	ClientOrderID         string `json:"clientOrderId,omitempty"`
	OrderModificationType string `json:"orderModificationType"`
	RevisionNo            int    `json:"revisionNo"`

	// MODI 时携带完整的新参数
	PortfolioID          string   `json:"portfolioId,omitempty"`
	ContractIDs          []string `json:"contractIds,omitempty"`
	DeliveryAreaID       int      `json:"deliveryAreaId,omitempty"`
	Side                 string   `json:"side,omitempty"`
	OrderType            string   `json:"orderType,omitempty"`
	UnitPrice            *int64   `json:"unitPrice,omitempty"`
	Quantity             *int64   `json:"quantity,omitempty"`
	TimeInForce          string   `json:"timeInForce,omitempty"`
	ExecutionRestriction string   `json:"executionRestriction,omitempty"`
	ClipSize             *int64   `json:"clipSize,omitempty"`
	ClipPriceChange      *int64   `json:"clipPriceChange,omitempty"`
	ExpireTime           string   `json:"expireTime,omitempty"`
	Text                 string   `json:"text,omitempty"`
}

type modificationRequest struct {
	RequestID string              `json:"requestId"`
	Orders    []modificationOrder `json:"orders"`
}

func formatExpire(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func newEntryRequest(requestID string, o *domain.Order, rejectPartially bool) entryRequest {
	eo := entryOrder{
		PortfolioID:          o.PortfolioID,
		ContractIDs:          o.ContractIDs,
		DeliveryAreaID:       o.DeliveryAreaID,
		Side:                 string(o.Side),
		OrderType:            string(o.Kind),
		UnitPrice:            o.Price,
		Quantity:             o.Quantity,
		TimeInForce:          string(o.TimeInForce),
		ExecutionRestriction: string(o.ExecutionRestriction),
		State:                codeActive,
		ClientOrderID:        o.ClientOrderID,
		ExpireTime:           formatExpire(o.ExpireTime),
		Text:                 o.Text,
	}
	if o.Kind == domain.OrderKindIceberg {
		clip, step := o.ClipSize, o.ClipPriceChange
		eo.ClipSize = &clip
		eo.ClipPriceChange = &step
	}
	return entryRequest{
		RequestID:       requestID,
		RejectPartially: rejectPartially,
		Orders:          []entryOrder{eo},
	}
}

// newModifyRequest 以订单当前参数为底叠加修改
func newModifyRequest(requestID string, o *domain.Order, ch domain.OrderChanges) modificationRequest {
	price, qty := o.Price, o.Quantity
	if ch.Price != nil {
		price = *ch.Price
	}
	if ch.Quantity != nil {
		qty = *ch.Quantity
	}
	mo := modificationOrder{
		OrderID:               o.OrderID,
		ClientOrderID:         o.ClientOrderID,
		OrderModificationType: modificationModify,
		RevisionNo:            o.RevisionNo,
		PortfolioID:           o.PortfolioID,
		ContractIDs:           o.ContractIDs,
		DeliveryAreaID:        o.DeliveryAreaID,
		Side:                  string(o.Side),
		OrderType:             string(o.Kind),
		UnitPrice:             &price,
		Quantity:              &qty,
		TimeInForce:           string(o.TimeInForce),
		ExecutionRestriction:  string(o.ExecutionRestriction),
		ExpireTime:            formatExpire(o.ExpireTime),
		Text:                  o.Text,
	}
	if ch.ExpireTime != nil {
		mo.ExpireTime = formatExpire(ch.ExpireTime)
	}
	if ch.Text != nil {
		mo.Text = *ch.Text
	}
	if o.Kind == domain.OrderKindIceberg {
		clip, step := o.ClipSize, o.ClipPriceChange
		if ch.ClipSize != nil {
			clip = *ch.ClipSize
		}
		mo.ClipSize = &clip
		mo.ClipPriceChange = &step
	}
	return modificationRequest{RequestID: requestID, Orders: []modificationOrder{mo}}
}

// newStateRequest 撤单（DELE）/ 停用（DEAC）
func newStateRequest(requestID string, o *domain.Order, modType string) modificationRequest {
	return modificationRequest{
		RequestID: requestID,
		Orders: []modificationOrder{{
			OrderID:               o.OrderID,
			ClientOrderID:         o.ClientOrderID,
			OrderModificationType: modType,
			RevisionNo:            o.RevisionNo,
		}},
	}
}
