package domain

import "fmt"

// SessionState 会话生命周期
type SessionState uint8

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionAuthenticated
	SessionActive
	SessionReconnecting
	SessionClosed
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "Connecting"
	case SessionConnected:
		return "Connected"
	case SessionAuthenticated:
		return "Authenticated"
	case SessionActive:
		return "Active"
	case SessionReconnecting:
		return "Reconnecting"
	case SessionClosed:
		return "Closed"
	case SessionFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(b []byte) error {
	for st := SessionConnecting; st <= SessionFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Status 引擎对外可见的状态（推送给 OnStatus 订阅者）
type Status struct {
	Session             SessionState
	AuthAvailable       bool
	CredentialExpiresAt string // RFC3339，未获取时为空
	LastError           string
	Reconnects          int64
}
