package secretstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Credentials 身份服务所需的全部秘密
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// HasUser 是否可以走 password grant
func (c Credentials) HasUser() bool {
	return c.Username != "" && c.Password != ""
}

func (c Credentials) validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("secretstore: client id and secret are required")
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.New("secretstore: username and password must be set together")
	}
	return nil
}

// Vault 凭据保管库：按需提供 Credentials
type Vault interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticVault 来自配置/环境变量的固定凭据
type StaticVault struct {
	Creds Credentials
}

func (v StaticVault) Credentials(context.Context) (Credentials, error) {
	if err := v.Creds.validate(); err != nil {
		return Credentials{}, err
	}
	return v.Creds, nil
}

// badger 中的 key
const (
	KeyClientID     = "brm/client_id"
	KeyClientSecret = "brm/client_secret"
	KeyUsername     = "brm/username"
	KeyPassword     = "brm/password"
)

// BadgerVault 从加密 badger 库读取凭据（每次读取，便于外部轮换密码）
type BadgerVault struct {
	store *Store
}

func NewBadgerVault(store *Store) *BadgerVault {
	return &BadgerVault{store: store}
}

func (v *BadgerVault) Credentials(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	var c Credentials
	fields := []struct {
		key string
		dst *string
	}{
		{KeyClientID, &c.ClientID},
		{KeyClientSecret, &c.ClientSecret},
		{KeyUsername, &c.Username},
		{KeyPassword, &c.Password},
	}
	for _, f := range fields {
		val, _, err := v.store.GetString(f.key)
		if err != nil {
			return Credentials{}, fmt.Errorf("secretstore: read %s: %w", f.key, err)
		}
		*f.dst = strings.TrimSpace(val)
	}
	if err := c.validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// Put 写入凭据（初始化/轮换用）
func (v *BadgerVault) Put(c Credentials) error {
	if err := c.validate(); err != nil {
		return err
	}
	for key, val := range map[string]string{
		KeyClientID:     c.ClientID,
		KeyClientSecret: c.ClientSecret,
		KeyUsername:     c.Username,
		KeyPassword:     c.Password,
	} {
		if err := v.store.SetString(key, val); err != nil {
			return err
		}
	}
	return nil
}
