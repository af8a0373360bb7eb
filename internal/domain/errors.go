package domain

import (
	"errors"
	"fmt"
)

// 本地前置条件失败：同步返回给调用方，不访问交易所
var (
	ErrOrderAlreadyTerminal      = errors.New("order already terminal")
	ErrSessionUnavailable        = errors.New("session unavailable")
	ErrAuthenticationUnavailable = errors.New("authentication unavailable")
	ErrUnknownOrder              = errors.New("unknown order")
	ErrDuplicateClientOrderID    = errors.New("duplicate client order id")
	ErrOrderNotAcknowledged      = errors.New("order not acknowledged by venue")
	ErrInvalidOrder              = errors.New("invalid order")
	ErrShuttingDown              = errors.New("engine shutting down")
)

// ErrorKind 可恢复错误分类
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// TransportFailure 连接断开、超时、解码失败
	TransportFailure
	// AuthenticationFailure 凭证错误或刷新失败
	AuthenticationFailure
	// ProtocolViolation 交易所发送了不合法的帧，按 TransportFailure 处理
	ProtocolViolation
	// OrderRejected 交易所业务拒单
	OrderRejected
)

func (k ErrorKind) String() string {
	switch k {
	case TransportFailure:
		return "TransportFailure"
	case AuthenticationFailure:
		return "AuthenticationFailure"
	case ProtocolViolation:
		return "ProtocolViolation"
	case OrderRejected:
		return "OrderRejected"
	default:
		return "Unknown"
	}
}

// Error 带分类的错误
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造分类错误
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误链中第一个分类；未分类返回 KindUnknown
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransportFailure ProtocolViolation 也按传输失败处理
func IsTransportFailure(err error) bool {
	k := KindOf(err)
	return k == TransportFailure || k == ProtocolViolation
}

// IsOrderRejected 是否为交易所拒单
func IsOrderRejected(err error) bool {
	return KindOf(err) == OrderRejected
}

// IsAuthenticationFailure 是否为认证失败
func IsAuthenticationFailure(err error) bool {
	return KindOf(err) == AuthenticationFailure
}
