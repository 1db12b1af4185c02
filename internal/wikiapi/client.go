package wikiapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"cirrusslice/pkg/contract"
)

// DefaultEndpoint: 英文维基 API。
const DefaultEndpoint = "https://en.wikipedia.org/w/api.php"

// Options: 最小必需配置。
type Options struct {
	Endpoint       string `json:"endpoint"`        // 例如 https://en.wikipedia.org/w/api.php
	UserAgent      string `json:"user_agent"`      // 维基 API 要求显式 UA
	TimeoutSeconds int    `json:"timeout_seconds"` // 可选 client 级超时（秒）
	MaxRetries     int    `json:"max_retries"`     // 429/5xx 重试次数
}

func (o *Options) defaults() {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.UserAgent == "" {
		o.UserAgent = "cirrusslice/1.0 (https://github.com/cirrusslice)"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
}

// Client 为 MediaWiki action API 的最小只读客户端。
type Client struct {
	endpoint string
	ua       string
	retries  int
	backoff  time.Duration
	do       func(*http.Request) (*http.Response, error)
}

// New 构造客户端；Endpoint 必须为 http(s) URL。
func New(opts Options) (*Client, error) {
	opts.defaults()
	u, err := url.Parse(opts.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("wikiapi endpoint %q: %w", opts.Endpoint, contract.ErrInvalidInput)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		endpoint: opts.Endpoint,
		ua:       opts.UserAgent,
		retries:  opts.MaxRetries,
		backoff:  time.Second,
		do:       hc.Do,
	}, nil
}

// upstreamError 承载非 2xx 响应的状态码与片段。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("wikiapi upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Unwrap() error           { return contract.ErrUpstream }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

type apiError struct {
	Error *struct {
		Code string `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

// get 发起 GET 请求并解码 JSON；429/5xx 按 MaxRetries 退避重试。
func (c *Client) get(ctx context.Context, params url.Values, v any) error {
	params.Set("format", "json")
	params.Set("formatversion", "2")
	full := c.endpoint + "?" + params.Encode()
	var last error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
		body, err := c.fetch(ctx, full)
		if err == nil {
			var ae apiError
			if json.Unmarshal(body, &ae) == nil && ae.Error != nil {
				return fmt.Errorf("wikiapi %s: %s: %w", ae.Error.Code, ae.Error.Info, contract.ErrUpstream)
			}
			if err := json.Unmarshal(body, v); err != nil {
				return fmt.Errorf("wikiapi decode: %v: %w", err, contract.ErrUpstream)
			}
			return nil
		}
		last = err
		var ue upstreamError
		if !errors.As(err, &ue) || !(ue.status == http.StatusTooManyRequests || ue.status/100 == 5) {
			return err
		}
	}
	return last
}

func (c *Client) fetch(ctx context.Context, full string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
	}
	return io.ReadAll(resp.Body)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
