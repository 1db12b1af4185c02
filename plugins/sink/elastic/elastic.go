package elastic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/segmentio/encoding/json"

	"cirrusslice/internal/diag"
	"cirrusslice/internal/rate"
	"cirrusslice/internal/wikiapi"
	"cirrusslice/pkg/contract"
)

// Options: 显式连接参数；客户端按次运行构造，不共享全局单例。
type Options struct {
	Addresses   []string `json:"addresses"` // 默认 http://localhost:9200
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	PasswordEnv string   `json:"password_env"` // 优先从环境变量读取
	APIKeyEnv   string   `json:"api_key_env"`

	Index string `json:"index"` // 必需；统一转小写

	TimeoutSeconds int   `json:"timeout_seconds"`  // 单次请求超时，默认 30
	MaxRetries     int   `json:"max_retries"`      // 客户端重试次数，默认 10
	RetryOnTimeout *bool `json:"retry_on_timeout"` // 默认 true
	RetryBackoffMS int   `json:"retry_backoff_ms"` // 线性退避步长，默认 500

	// RecreateIndex: 首批之前删除并按维基 cirrus 设置/映射重建索引。默认 true。
	RecreateIndex *bool `json:"recreate_index,omitempty"`
	// FailOnItemError: bulk 内单条失败时是否视为批失败。默认 false（记录并计数）。
	FailOnItemError bool `json:"fail_on_item_error"`

	// 可选节流：每分钟 bulk 请求数 / 文档数；0 为不限。
	BulkPerMinute int `json:"bulk_per_minute"`
	DocsPerMinute int `json:"docs_per_minute"`

	WikiAPI wikiapi.Options `json:"wiki_api"`
}

// ItemError: bulk 响应中单条失败。
type ItemError struct {
	ID     string
	Status int
	Type   string
	Reason string
}

// BulkReport: 一批提交的结果汇总。
type BulkReport struct {
	Seq    int
	Items  int
	Failed []ItemError
}

// Sink 以 _bulk 请求把每批写入远端索引。
type Sink struct {
	es       *elasticsearch.Client
	index    string
	recreate bool
	failItem bool

	gate rate.Gate
	key  rate.LimitKey

	wiki   *wikiapi.Client
	logger *diag.Logger

	reports []BulkReport
}

var (
	_ contract.Sink     = (*Sink)(nil)
	_ contract.Preparer = (*Sink)(nil)
)

// New 构造 Sink 与其专属客户端。logger 可为 nil。
func New(opts *Options, logger *diag.Logger) (*Sink, error) {
	if opts == nil || strings.TrimSpace(opts.Index) == "" {
		return nil, fmt.Errorf("elastic sink: index required: %w", contract.ErrInvalidInput)
	}
	addrs := opts.Addresses
	if len(addrs) == 0 {
		addrs = []string{"http://localhost:9200"}
	}
	timeout := 30 * time.Second
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	retries := 10
	if opts.MaxRetries > 0 {
		retries = opts.MaxRetries
	}
	retryTimeout := true
	if opts.RetryOnTimeout != nil {
		retryTimeout = *opts.RetryOnTimeout
	}
	step := 500 * time.Millisecond
	if opts.RetryBackoffMS > 0 {
		step = time.Duration(opts.RetryBackoffMS) * time.Millisecond
	}
	password := opts.Password
	if password == "" && opts.PasswordEnv != "" {
		password = os.Getenv(opts.PasswordEnv)
	}
	apiKey := ""
	if opts.APIKeyEnv != "" {
		apiKey = os.Getenv(opts.APIKeyEnv)
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     addrs,
		Username:      opts.Username,
		Password:      password,
		APIKey:        apiKey,
		MaxRetries:    retries,
		RetryOnStatus: []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests},
		RetryOnError:  retryOnError(retryTimeout),
		RetryBackoff:  func(attempt int) time.Duration { return time.Duration(attempt) * step },
		// 超时作用于单次尝试，重试各自重新计时
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			ResponseHeaderTimeout: timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elastic sink: %v: %w", err, contract.ErrInvalidInput)
	}
	recreate := true
	if opts.RecreateIndex != nil {
		recreate = *opts.RecreateIndex
	}
	s := &Sink{
		es:       es,
		index:    strings.ToLower(strings.TrimSpace(opts.Index)),
		recreate: recreate,
		failItem: opts.FailOnItemError,
		logger:   logger,
	}
	if opts.BulkPerMinute > 0 || opts.DocsPerMinute > 0 {
		s.key = rate.KeyFor("elastic", addrs, s.index)
		s.gate = rate.NewGate(map[rate.LimitKey]rate.Limits{
			s.key: {RPM: opts.BulkPerMinute, DPM: opts.DocsPerMinute},
		}, nil)
	}
	if recreate {
		wc, err := wikiapi.New(opts.WikiAPI)
		if err != nil {
			return nil, err
		}
		s.wiki = wc
	}
	return s, nil
}

// Index 返回（已小写化的）目标索引名。
func (s *Sink) Index() string { return s.index }

// upstreamError 承载非 2xx 响应的状态码与片段。
type upstreamError struct {
	op     string
	status int
	msg    string
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("elastic %s upstream %d: %s", e.op, e.status, e.msg)
}
func (e upstreamError) Unwrap() error           { return contract.ErrUpstream }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func asUpstream(op string, res *esapi.Response) error {
	slurp, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	return upstreamError{op: op, status: res.StatusCode, msg: strings.TrimSpace(string(slurp))}
}

// retryOnError: 连接错误总是重试；超时仅在 retryTimeout 时重试；调用方 ctx 结束后不再重试。
func retryOnError(retryTimeout bool) func(*http.Request, error) bool {
	return func(req *http.Request, err error) bool {
		if req.Context().Err() != nil || errors.Is(err, context.Canceled) {
			return false
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return retryTimeout
		}
		return true
	}
}

// Prepare: recreate_index=true 时重建索引。
func (s *Sink) Prepare(ctx context.Context) error {
	if !s.recreate {
		return nil
	}
	return s.RecreateIndex(ctx)
}

// RecreateIndex 从维基 API 获取 cirrus 设置与映射，删除同名索引后重建。
func (s *Sink) RecreateIndex(ctx context.Context) error {
	if s.wiki == nil {
		return fmt.Errorf("elastic sink: wiki api not configured: %w", contract.ErrInvalidInput)
	}
	body, err := s.wiki.IndexBody(ctx)
	if err != nil {
		return err
	}
	if err := s.DeleteIndex(ctx); err != nil {
		return err
	}
	return s.CreateIndex(ctx, body)
}

// DeleteIndex 删除索引；索引不存在（404）或请求非法（400）视为成功。
func (s *Sink) DeleteIndex(ctx context.Context) error {
	res, err := s.es.Indices.Delete([]string{s.index}, s.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return ctxErr(ctx, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusBadRequest {
		return nil
	}
	if res.IsError() {
		return asUpstream("delete index", res)
	}
	s.logger.Info("sink.elastic", "index deleted", map[string]string{"index": s.index})
	return nil
}

// CreateIndex 以给定 settings/mappings 创建索引。
func (s *Sink) CreateIndex(ctx context.Context, body map[string]any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode index body: %v: %w", err, contract.ErrInvalidInput)
	}
	res, err := s.es.Indices.Create(s.index,
		s.es.Indices.Create.WithBody(bytes.NewReader(b)),
		s.es.Indices.Create.WithContext(ctx))
	if err != nil {
		return ctxErr(ctx, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return asUpstream("create index", res)
	}
	s.logger.Info("sink.elastic", "index created", map[string]string{"index": s.index})
	return nil
}

type actionLine struct {
	Index actionMeta `json:"index"`
}

type actionMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

// encodeBulk 改写动作行为 {"index":{"_index":..,"_id":..}}（去掉旧式 _type），内容行原样透传。
func (s *Sink) encodeBulk(b contract.Batch) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range b.Records {
		act, err := json.Marshal(actionLine{Index: actionMeta{Index: s.index, ID: r.ID}})
		if err != nil {
			return nil, err
		}
		buf.Write(act)
		buf.WriteByte('\n')
		buf.Write(r.Content)
		if n := len(r.Content); n == 0 || r.Content[n-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

type bulkResp struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

// Write 提交一批为单个 _bulk 请求。传输错误与非 2xx 直接上抛；
// 单条失败记入 BulkReport（fail_on_item_error=true 时上抛）。
func (s *Sink) Write(ctx context.Context, b contract.Batch) error {
	if len(b.Records) == 0 {
		return nil
	}
	if s.gate != nil {
		if err := s.gate.Wait(ctx, rate.Ask{Key: s.key, Requests: 1, Docs: len(b.Records)}); err != nil {
			return err
		}
	}
	body, err := s.encodeBulk(b)
	if err != nil {
		return fmt.Errorf("encode bulk: %v: %w", err, contract.ErrInvalidInput)
	}
	res, err := s.es.Bulk(bytes.NewReader(body),
		s.es.Bulk.WithIndex(s.index),
		s.es.Bulk.WithContext(ctx))
	if err != nil {
		return ctxErr(ctx, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return asUpstream("bulk", res)
	}
	var br bulkResp
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("decode bulk response: %v: %w", err, contract.ErrUpstream)
	}
	rep := BulkReport{Seq: b.Seq, Items: len(br.Items)}
	for _, it := range br.Items {
		for _, v := range it {
			if v.Error == nil && v.Status < 300 {
				continue
			}
			ie := ItemError{ID: v.ID, Status: v.Status}
			if v.Error != nil {
				ie.Type, ie.Reason = v.Error.Type, v.Error.Reason
			}
			rep.Failed = append(rep.Failed, ie)
		}
	}
	s.reports = append(s.reports, rep)
	if len(rep.Failed) > 0 {
		first := rep.Failed[0]
		s.logger.Warn("sink.elastic", string(diag.CodeUpstream), "bulk item failures", map[string]string{
			"batch":  strconv.Itoa(b.Seq),
			"failed": strconv.Itoa(len(rep.Failed)),
			"first":  first.ID + ": " + first.Type + ": " + first.Reason,
		})
		for range rep.Failed {
			diag.IncOp("sink.elastic", "item", "error")
		}
		if s.failItem {
			return fmt.Errorf("bulk batch %d: %d item failures (first %s: %s): %w",
				b.Seq, len(rep.Failed), first.ID, first.Reason, contract.ErrUpstream)
		}
	}
	return nil
}

// Reports 返回各批提交结果。
func (s *Sink) Reports() []BulkReport { return append([]BulkReport(nil), s.reports...) }

// ctxErr: 请求因 ctx 结束而失败时返回 ctx 错误，便于分类为 cancel。
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("elastic request timeout: %w", err)
	}
	return err
}
