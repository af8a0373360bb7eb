package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
)

type fakeSource struct{}

func (fakeSource) Status() domain.Status {
	return domain.Status{Session: domain.SessionActive, AuthAvailable: true, CredentialExpiresAt: "2026-03-02T11:00:00Z"}
}

func (fakeSource) OpenOrders() []domain.Order {
	return []domain.Order{{ClientOrderID: "co-1", State: domain.OrderStateAcknowledged}}
}

func (fakeSource) Positions() []domain.Position {
	return []domain.Position{{ContractID: "NX-1", Quantity: 100, AvgPrice: decimal.NewFromInt(5000)}}
}

func TestRouter_Status(t *testing.T) {
	OrdersPlaced.Add(1)
	srv := httptest.NewServer(Router(fakeSource{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Active", body["session"])
	assert.Equal(t, true, body["authAvailable"])
	assert.Len(t, body["openOrders"], 1)
	assert.Len(t, body["positions"], 1)
	counters := body["counters"].(map[string]any)
	assert.GreaterOrEqual(t, counters["orders_placed"], float64(1))
}

func TestRouter_DebugVars(t *testing.T) {
	srv := httptest.NewServer(Router(fakeSource{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/vars")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var vars map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vars))
	assert.Contains(t, vars, "session_connects")
	assert.Contains(t, vars, "fills_applied")
}

func TestCounters(t *testing.T) {
	before := Counters()["duplicate_fills"]
	DuplicateFills.Add(2)
	assert.Equal(t, before+2, Counters()["duplicate_fills"])
}
