package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseParams() OrderParams {
	return OrderParams{Side: SideBuy, Quantity: 100, Price: 5000}
}

func TestNewLimitOrder_Defaults(t *testing.T) {
	o, err := NewLimitOrder("c-1", baseParams())
	require.NoError(t, err)
	assert.Equal(t, TimeInForceGFS, o.TimeInForce)
	assert.Equal(t, ExecutionNone, o.ExecutionRestriction)
	assert.Equal(t, []string{"c-1"}, o.Contracts())
	assert.Equal(t, OrderKindLimit, o.Kind())
}

func TestNewLimitOrder_Invalid(t *testing.T) {
	p := baseParams()
	p.Quantity = 0
	_, err := NewLimitOrder("c-1", p)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	p = baseParams()
	p.Price = 0
	_, err = NewLimitOrder("c-1", p)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = NewLimitOrder("", baseParams())
	assert.ErrorIs(t, err, ErrInvalidOrder)

	p = baseParams()
	p.TimeInForce = TimeInForceGTD
	_, err = NewLimitOrder("c-1", p)
	assert.ErrorIs(t, err, ErrInvalidOrder, "GTD without expiry")

	exp := time.Now().Add(time.Hour)
	p.ExpireTime = &exp
	_, err = NewLimitOrder("c-1", p)
	assert.NoError(t, err)
}

func TestNewLimitOrder_NegativePriceAllowed(t *testing.T) {
	p := baseParams()
	p.Price = -1500
	_, err := NewLimitOrder("c-1", p)
	assert.NoError(t, err)
}

func TestNewIcebergOrder_ClipBounds(t *testing.T) {
	_, err := NewIcebergOrder("c-1", 100, 0, baseParams())
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = NewIcebergOrder("c-1", 0, 0, baseParams())
	assert.ErrorIs(t, err, ErrInvalidOrder)

	o, err := NewIcebergOrder("c-1", 10, 5, baseParams())
	require.NoError(t, err)
	order := NewOrder(o, "co-1", time.Unix(0, 0))
	assert.Equal(t, int64(10), order.ClipSize)
	assert.Equal(t, int64(5), order.ClipPriceChange)
	assert.Equal(t, OrderStateSubmitted, order.State)
}

func TestNewBlockOrder_Contracts(t *testing.T) {
	_, err := NewBlockOrder([]string{"c-1"}, baseParams())
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = NewBlockOrder([]string{"c-1", "c-1"}, baseParams())
	assert.ErrorIs(t, err, ErrInvalidOrder)

	ids := []string{"c-1", "c-2"}
	o, err := NewBlockOrder(ids, baseParams())
	require.NoError(t, err)
	ids[0] = "mutated"
	assert.Equal(t, []string{"c-1", "c-2"}, o.Contracts())
}

func TestOrderChanges_Validate(t *testing.T) {
	o := &Order{Kind: OrderKindLimit, Quantity: 100, FilledQuantity: 40}
	assert.ErrorIs(t, OrderChanges{}.Validate(o), ErrInvalidOrder)

	q := int64(30)
	assert.ErrorIs(t, OrderChanges{Quantity: &q}.Validate(o), ErrInvalidOrder)

	clip := int64(5)
	assert.ErrorIs(t, OrderChanges{ClipSize: &clip}.Validate(o), ErrInvalidOrder)

	price := int64(4900)
	assert.NoError(t, OrderChanges{Price: &price}.Validate(o))
}
