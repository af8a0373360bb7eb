package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Credential 不可变的 bearer 凭证；刷新时整体替换
type Credential struct {
	Token     string
	TokenType string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid 凭证在 now 时刻是否仍可用于发送
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.Token != "" && now.Before(c.ExpiresAt)
}

// Remaining 剩余有效期（已过期时为 0）
func (c *Credential) Remaining(now time.Time) time.Duration {
	if c == nil {
		return 0
	}
	d := c.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Fingerprint 返回可写入日志的令牌指纹（不泄露令牌本身）
func (c *Credential) Fingerprint() string {
	if c == nil || c.Token == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(c.Token))
	return hex.EncodeToString(sum[:4])
}
