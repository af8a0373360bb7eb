package router

import (
	"strconv"
	"strings"
)

// 私有流分类
const (
	CategoryStreaming  = "streaming"
	CategoryConflated  = "conflated"
	CategoryConfig     = "configuration"
	StreamExecution    = "orderExecutionReport"
	StreamPrivateTrade = "privateTrade"
	StreamContracts    = "contracts"
	StreamAreas        = "deliveryAreas"
	StreamLocalView    = "localview"
	StreamTicker       = "ticker"
	StreamErrors       = "errors"
	StreamPublicStats  = "publicStatistics"
)

// PrivateDestination /user/<user>/<version>/<category>[/<stream>...]
func PrivateDestination(user, version, category string, stream ...string) string {
	parts := append([]string{"", "user", user, version, category}, stream...)
	return strings.Join(parts, "/")
}

// PublicDestination /<version>/<category>
func PublicDestination(version, category string) string {
	return "/" + version + "/" + category
}

// Topics 某用户的常用私有流
type Topics struct {
	User    string
	Version string
}

func (t Topics) ExecutionReports() string {
	return PrivateDestination(t.User, t.Version, CategoryStreaming, StreamExecution)
}

func (t Topics) PrivateTrades() string {
	return PrivateDestination(t.User, t.Version, CategoryStreaming, StreamPrivateTrade)
}

func (t Topics) Configuration() string {
	return PrivateDestination(t.User, t.Version, CategoryConfig)
}

func (t Topics) Contracts() string {
	return PrivateDestination(t.User, t.Version, CategoryStreaming, StreamContracts)
}

func (t Topics) DeliveryAreas() string {
	return PrivateDestination(t.User, t.Version, CategoryStreaming, StreamAreas)
}

func (t Topics) LocalView(deliveryArea int) string {
	return PrivateDestination(t.User, t.Version, CategoryStreaming, StreamLocalView, strconv.Itoa(deliveryArea))
}

func (t Topics) Ticker() string {
	return PrivateDestination(t.User, t.Version, CategoryStreaming, StreamTicker)
}

// ConflatedTicker 合并推送的行情
func (t Topics) ConflatedTicker() string {
	return PrivateDestination(t.User, t.Version, CategoryConflated, StreamTicker)
}

func (t Topics) Errors() string {
	return PrivateDestination(t.User, t.Version, CategoryStreaming, StreamErrors)
}

func (t Topics) PublicStatistics() string {
	return PrivateDestination(t.User, t.Version, CategoryStreaming, StreamPublicStats)
}

// OrderEntry 下单目的地
func (t Topics) OrderEntry() string {
	return PublicDestination(t.Version, "orderEntryRequest")
}

// OrderModification 改单/撤单目的地
func (t Topics) OrderModification() string {
	return PublicDestination(t.Version, "orderModificationRequest")
}
