package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type Client struct {
	client *resty.Client
}

// ClientOptions 可选项；零值使用默认
type ClientOptions struct {
	Timeout    time.Duration
	RetryCount int
	Proxy      string
	UserAgent  string
}

func NewClient(host string, opts ClientOptions) *Client {
	host = strings.TrimSuffix(host, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "brm-intraday-bot"
	}

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// 只重试网络错误和 5xx；4xx 是业务错误（如密码错误）
			return err != nil || (resp != nil && resp.StatusCode() >= 500)
		})
	if opts.Proxy != "" {
		client.SetProxy(opts.Proxy)
	}
	return &Client{client: client}
}

type BasicAuth struct {
	Username string
	Password string
}

type RequestOptions struct {
	Headers map[string]string
	Data    any               // JSON body
	Form    map[string]string // application/x-www-form-urlencoded body
	Params  map[string]any
	Auth    *BasicAuth
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	return r
}

func (c *Client) DoRequest(ctx context.Context, method, endpoint string, opt *RequestOptions, out any) (*resty.Response, error) {
	rc := c.newRequest(ctx)
	if opt != nil {
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if opt.Params != nil {
			rc.SetQueryParamsFromValues(toValues(opt.Params))
		}
		if opt.Auth != nil {
			rc.SetBasicAuth(opt.Auth.Username, opt.Auth.Password)
		}
		switch {
		case opt.Form != nil:
			rc.SetFormData(opt.Form)
		case opt.Data != nil:
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}
	if out != nil {
		rc.SetResult(out)
	}

	switch strings.ToUpper(method) {
	case http.MethodGet:
		return rc.Get(endpoint)
	case http.MethodPost:
		return rc.Post(endpoint)
	case http.MethodDelete:
		return rc.Delete(endpoint)
	case http.MethodPut:
		return rc.Put(endpoint)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case []string:
			v[k] = t
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}

// HTTPError 非 2xx 响应
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	body := string(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.Status, body)
}

// ParseHTTPError 将传输错误和非 2xx 响应统一成 error。
// 传输错误用 pkg/errors 包装，非 2xx 返回 *HTTPError。
func ParseHTTPError(resp *resty.Response, err error) error {
	if err != nil {
		return errors.Wrap(err, "http request")
	}
	if resp == nil {
		return errors.New("http request: empty response")
	}
	if resp.IsSuccess() {
		return nil
	}
	return &HTTPError{Status: resp.StatusCode(), Body: resp.Body()}
}
