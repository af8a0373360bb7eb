// Package auth 负责 bearer 凭证的获取与刷新，是唯一访问身份服务的组件
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/secretstore"
	sdkhttp "github.com/Andrei-Ionita/BRM-Trading/pkg/sdk/http"
)

// IdentityProvider 身份服务
type IdentityProvider interface {
	RequestToken(ctx context.Context) (*domain.Credential, error)
}

// SSOConfig OAuth2 token endpoint 配置
type SSOConfig struct {
	TokenURL  string
	Scope     string
	GrantType string // password | client_credentials
	Timeout   time.Duration
	Proxy     string
}

// SSOProvider 通过 OAuth2 password / client_credentials grant 获取令牌。
// 客户端身份使用 HTTP Basic 认证，请求体为 form 编码。
type SSOProvider struct {
	cfg    SSOConfig
	vault  secretstore.Vault
	client *sdkhttp.Client
	clock  clockwork.Clock
}

func NewSSOProvider(cfg SSOConfig, vault secretstore.Vault, clock clockwork.Clock) *SSOProvider {
	if cfg.GrantType == "" {
		cfg.GrantType = "password"
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SSOProvider{
		cfg:    cfg,
		vault:  vault,
		client: sdkhttp.NewClient(cfg.TokenURL, sdkhttp.ClientOptions{Timeout: cfg.Timeout, Proxy: cfg.Proxy}),
		clock:  clock,
	}
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	TokenType   string      `json:"token_type"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

const defaultTokenLifetime = time.Hour

func (p *SSOProvider) RequestToken(ctx context.Context) (*domain.Credential, error) {
	creds, err := p.vault.Credentials(ctx)
	if err != nil {
		return nil, domain.NewError(domain.AuthenticationFailure, "vault", err)
	}

	form := map[string]string{
		"grant_type": p.cfg.GrantType,
	}
	if p.cfg.Scope != "" {
		form["scope"] = p.cfg.Scope
	}
	if p.cfg.GrantType == "password" {
		if !creds.HasUser() {
			return nil, domain.NewError(domain.AuthenticationFailure, "token", errors.New("password grant requires username and password"))
		}
		form["username"] = creds.Username
		form["password"] = creds.Password
	}

	issuedAt := p.clock.Now()
	var out tokenResponse
	resp, err := p.client.DoRequest(ctx, http.MethodPost, "", &sdkhttp.RequestOptions{
		Form: form,
		Auth: &sdkhttp.BasicAuth{Username: creds.ClientID, Password: creds.ClientSecret},
	}, &out)
	if err := sdkhttp.ParseHTTPError(resp, err); err != nil {
		return nil, classify(err)
	}
	if out.AccessToken == "" {
		return nil, domain.NewError(domain.AuthenticationFailure, "token", errors.New("response without access_token"))
	}

	lifetime := defaultTokenLifetime
	if s := out.ExpiresIn.String(); s != "" {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil || secs <= 0 {
			return nil, domain.NewError(domain.AuthenticationFailure, "token", fmt.Errorf("invalid expires_in %q", s))
		}
		lifetime = time.Duration(secs * float64(time.Second))
	}
	tokenType := out.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &domain.Credential{
		Token:     out.AccessToken,
		TokenType: tokenType,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(lifetime),
	}, nil
}

// classify 4xx 为认证失败（凭据错误），其余为传输失败
func classify(err error) error {
	var he *sdkhttp.HTTPError
	if !errors.As(err, &he) {
		return domain.NewError(domain.TransportFailure, "token", err)
	}
	var body errorResponse
	_ = json.Unmarshal(he.Body, &body)
	if he.Status >= 400 && he.Status < 500 {
		msg := body.Error
		if body.ErrorDescription != "" {
			msg += ": " + body.ErrorDescription
		}
		if msg == "" {
			msg = he.Error()
		}
		return domain.NewError(domain.AuthenticationFailure, "token", fmt.Errorf("http %d: %s", he.Status, msg))
	}
	return domain.NewError(domain.TransportFailure, "token", he)
}
