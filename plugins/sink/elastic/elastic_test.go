package elastic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"

	"cirrusslice/internal/wikiapi"
	"cirrusslice/pkg/contract"
)

// fakeES 记录请求并按路由返回固定响应。
type fakeES struct {
	mu        sync.Mutex
	calls     []string
	bulkBody  []string
	created   string
	bulkFail  int // 非 0 时 _bulk 返回该状态码
	itemError bool
	scrolls   int
	// slowFirst: 首个 _bulk 请求在响应前等待的时长。
	slowFirst time.Duration
	bulkSeen  atomic.Int32
	searches  []string
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/_bulk") && f.bulkSeen.Add(1) == 1 && f.slowFirst > 0 {
		time.Sleep(f.slowFirst)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	switch {
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		if f.bulkFail != 0 {
			w.WriteHeader(f.bulkFail)
			fmt.Fprint(w, `{"error":"boom"}`)
			return
		}
		f.bulkBody = append(f.bulkBody, string(body))
		lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
		var items []string
		for i := 0; i < len(lines); i += 2 {
			var act actionLine
			_ = json.Unmarshal([]byte(lines[i]), &act)
			if f.itemError && i == 0 {
				items = append(items, fmt.Sprintf(`{"index":{"_id":%q,"status":400,"error":{"type":"mapper_parsing_exception","reason":"bad field"}}}`, act.Index.ID))
				continue
			}
			items = append(items, fmt.Sprintf(`{"index":{"_id":%q,"status":201}}`, act.Index.ID))
		}
		fmt.Fprintf(w, `{"took":1,"errors":%v,"items":[%s]}`, f.itemError, strings.Join(items, ","))
	case strings.HasPrefix(r.URL.Path, "/_search/scroll"):
		if r.Method == http.MethodDelete {
			fmt.Fprint(w, `{"succeeded":true}`)
			return
		}
		f.scrolls++
		if f.scrolls == 1 {
			fmt.Fprint(w, `{"_scroll_id":"s2","hits":{"hits":[{"_id":"3","_source":{"opening_text":"Cats purr."}}]}}`)
			return
		}
		fmt.Fprint(w, `{"_scroll_id":"s2","hits":{"hits":[]}}`)
	case strings.HasSuffix(r.URL.Path, "/_search") && strings.Contains(string(body), `"match":{"text"`):
		f.searches = append(f.searches, string(body))
		fmt.Fprint(w, `{"hits":{"hits":[{"_score":3.5,"_source":{"title":"Dog"}},{"_score":1.25,"_source":{"title":"Canine"}},{"_score":0.5,"_source":{"title":"Cat"}}]}}`)
	case strings.HasSuffix(r.URL.Path, "/_search"):
		fmt.Fprint(w, `{"_scroll_id":"s1","hits":{"hits":[{"_id":"1","_source":{"opening_text":"Dogs bark."}},{"_id":"2","_source":{}}]}}`)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"index_not_found_exception"},"status":404}`)
	case r.Method == http.MethodPut:
		f.created = string(body)
		fmt.Fprint(w, `{"acknowledged":true}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{}`)
	}
}

func wikiServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "cirrus-settings-dump":
			fmt.Fprint(w, `{"content":{"page":{"index":{"analysis":{"analyzer":{}},"similarity":{"x":{}}}}}}`)
		case "cirrus-mapping-dump":
			fmt.Fprint(w, `{"content":{"page":{"properties":{"title":{"type":"text"}}}}}`)
		}
	}))
}

func newSink(t *testing.T, es *fakeES, mod func(*Options)) (*Sink, func()) {
	t.Helper()
	esSrv := httptest.NewServer(es)
	wk := wikiServer()
	opts := &Options{
		Addresses:  []string{esSrv.URL},
		Index:      "EnWiki-Animals",
		MaxRetries: 1,
		WikiAPI:    wikiapi.Options{Endpoint: wk.URL},
	}
	if mod != nil {
		mod(opts)
	}
	s, err := New(opts, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s, func() { esSrv.Close(); wk.Close() }
}

func rec(id, title string) contract.Record {
	return contract.Record{
		ID:      id,
		Meta:    []byte(fmt.Sprintf("{\"index\":{\"_type\":\"page\",\"_id\":%q}}\n", id)),
		Content: []byte(fmt.Sprintf("{\"title\":%q,\"namespace\":0}\n", title)),
	}
}

// 重建索引：删除（404 忽略）后以维基设置/映射创建，索引名小写化
func TestPrepareRecreatesIndex(t *testing.T) {
	es := &fakeES{}
	s, done := newSink(t, es, nil)
	defer done()
	if s.Index() != "enwiki-animals" {
		t.Fatalf("索引名应小写: %s", s.Index())
	}
	if err := s.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(es.calls) != 2 || es.calls[0] != "DELETE /enwiki-animals" || es.calls[1] != "PUT /enwiki-animals" {
		t.Fatalf("调用序列错误: %v", es.calls)
	}
	var body map[string]map[string]any
	if err := json.Unmarshal([]byte(es.created), &body); err != nil {
		t.Fatalf("建索引请求体非 JSON: %v", err)
	}
	idx := body["settings"]["index"].(map[string]any)
	if idx["analysis"] == nil || idx["similarity"] == nil || body["mappings"]["properties"] == nil {
		t.Fatalf("请求体缺字段: %s", es.created)
	}
}

// recreate_index=false 时 Prepare 不触碰索引
func TestPrepareDisabled(t *testing.T) {
	es := &fakeES{}
	off := false
	s, done := newSink(t, es, func(o *Options) { o.RecreateIndex = &off })
	defer done()
	if err := s.Prepare(context.Background()); err != nil || len(es.calls) != 0 {
		t.Fatalf("不应发起请求: %v %v", err, es.calls)
	}
	if err := s.RecreateIndex(context.Background()); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("未配置维基 API 应报错")
	}
}

// 每批一个 _bulk 请求；动作行改写为 _index/_id，内容行原样
func TestWriteBulk(t *testing.T) {
	es := &fakeES{}
	s, done := newSink(t, es, nil)
	defer done()
	b := contract.Batch{Seq: 0, Records: []contract.Record{rec("1", "Dog"), rec("5", "Cat")}}
	if err := s.Write(context.Background(), b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(es.bulkBody) != 1 {
		t.Fatalf("应只有一个 bulk 请求")
	}
	want := "{\"index\":{\"_index\":\"enwiki-animals\",\"_id\":\"1\"}}\n" + string(b.Records[0].Content) +
		"{\"index\":{\"_index\":\"enwiki-animals\",\"_id\":\"5\"}}\n" + string(b.Records[1].Content)
	if es.bulkBody[0] != want {
		t.Fatalf("bulk 请求体错误:\n%s\nwant\n%s", es.bulkBody[0], want)
	}
	if strings.Contains(es.bulkBody[0], "_type") {
		t.Fatalf("不应保留 _type")
	}
	reps := s.Reports()
	if len(reps) != 1 || reps[0].Items != 2 || len(reps[0].Failed) != 0 {
		t.Fatalf("报告错误: %+v", reps)
	}
	if err := s.Write(context.Background(), contract.Batch{}); err != nil || len(es.bulkBody) != 1 {
		t.Fatalf("空批不应提交")
	}
}

// 单条失败：默认记录不上抛；fail_on_item_error 时上抛
func TestWriteItemErrors(t *testing.T) {
	es := &fakeES{itemError: true}
	s, done := newSink(t, es, nil)
	defer done()
	b := contract.Batch{Seq: 3, Records: []contract.Record{rec("1", "Dog"), rec("2", "Cat")}}
	if err := s.Write(context.Background(), b); err != nil {
		t.Fatalf("单条失败不应上抛: %v", err)
	}
	rep := s.Reports()[0]
	if rep.Seq != 3 || len(rep.Failed) != 1 || rep.Failed[0].ID != "1" || rep.Failed[0].Type != "mapper_parsing_exception" {
		t.Fatalf("报告错误: %+v", rep)
	}

	s2, done2 := newSink(t, &fakeES{itemError: true}, func(o *Options) { o.FailOnItemError = true })
	defer done2()
	if err := s2.Write(context.Background(), b); !errors.Is(err, contract.ErrUpstream) {
		t.Fatalf("应上抛单条失败, 实得 %v", err)
	}
}

// 非 2xx 上抛为上游错误，带状态码
func TestWriteUpstreamError(t *testing.T) {
	es := &fakeES{bulkFail: http.StatusForbidden}
	s, done := newSink(t, es, nil)
	defer done()
	err := s.Write(context.Background(), contract.Batch{Records: []contract.Record{rec("1", "Dog")}})
	var ue contract.UpstreamError
	if !errors.As(err, &ue) || ue.UpstreamStatus() != http.StatusForbidden {
		t.Fatalf("应返回 403 上游错误, 实得 %v", err)
	}
}

// 超时作用于单次尝试：首个 bulk 超时后按 retry_on_timeout 重试
func TestWriteRetriesAfterTimeout(t *testing.T) {
	es := &fakeES{slowFirst: 1500 * time.Millisecond}
	s, done := newSink(t, es, func(o *Options) { o.TimeoutSeconds = 1; o.MaxRetries = 3; o.RetryBackoffMS = 10 })
	defer done()
	if err := s.Write(context.Background(), contract.Batch{Records: []contract.Record{rec("1", "Dog")}}); err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if n := es.bulkSeen.Load(); n != 2 {
		t.Fatalf("bulk 请求次数 %d, 预期 2", n)
	}

	off := false
	es2 := &fakeES{slowFirst: 1500 * time.Millisecond}
	s2, done2 := newSink(t, es2, func(o *Options) {
		o.TimeoutSeconds = 1
		o.MaxRetries = 3
		o.RetryOnTimeout = &off
	})
	defer done2()
	if err := s2.Write(context.Background(), contract.Batch{Records: []contract.Record{rec("1", "Dog")}}); err == nil {
		t.Fatalf("关闭超时重试时应失败")
	}
	if n := es2.bulkSeen.Load(); n != 1 {
		t.Fatalf("不应重试: %d", n)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout awaiting response headers" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestRetryOnError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/_bulk", nil)
	if !retryOnError(true)(req, timeoutErr{}) || retryOnError(false)(req, timeoutErr{}) {
		t.Fatalf("超时重试应受开关控制")
	}
	if !retryOnError(false)(req, errors.New("connection refused")) {
		t.Fatalf("连接错误应重试")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if retryOnError(true)(req.WithContext(ctx), timeoutErr{}) {
		t.Fatalf("ctx 结束后不应重试")
	}
}

// 节流：配置后经由 gate 放行，不改变提交结果
func TestWriteThrottled(t *testing.T) {
	es := &fakeES{}
	s, done := newSink(t, es, func(o *Options) { o.BulkPerMinute = 100; o.DocsPerMinute = 1000 })
	defer done()
	if s.gate == nil || !strings.HasPrefix(string(s.key), "elastic:127.0.0.1") {
		t.Fatalf("gate 未配置: %q", s.key)
	}
	for i := 0; i < 3; i++ {
		if err := s.Write(context.Background(), contract.Batch{Seq: i, Records: []contract.Record{rec("1", "Dog")}}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if len(es.bulkBody) != 3 {
		t.Fatalf("bulk 次数 %d", len(es.bulkBody))
	}
}

// scroll 导出：遍历全部文档并清理 scroll 上下文
func TestExport(t *testing.T) {
	es := &fakeES{}
	s, done := newSink(t, es, nil)
	defer done()
	var got bytes.Buffer
	n, err := s.Export(context.Background(), "opening_text", 2, func(id, v string) error {
		fmt.Fprintf(&got, "%s=%s;", id, v)
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("export: n=%d err=%v", n, err)
	}
	if got.String() != "1=Dogs bark.;2=;3=Cats purr.;" {
		t.Fatalf("导出内容错误: %s", got.String())
	}
	if last := es.calls[len(es.calls)-1]; !strings.HasPrefix(last, "DELETE /_search/scroll") {
		t.Fatalf("应清理 scroll: %v", es.calls)
	}
}

// 维基化：text 字段 match 查询，返回前 n 个 {title, score}
func TestWikify(t *testing.T) {
	es := &fakeES{}
	s, done := newSink(t, es, nil)
	defer done()
	got, err := s.Wikify(context.Background(), "a barking pet", 2)
	if err != nil {
		t.Fatalf("wikify: %v", err)
	}
	want := []Candidate{{Title: "Dog", Score: 3.5}, {Title: "Canine", Score: 1.25}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("候选=%+v", got)
	}
	if len(es.searches) != 1 || !strings.Contains(es.searches[0], `"size":2`) || !strings.Contains(es.searches[0], `"text":"a barking pet"`) {
		t.Fatalf("查询体错误: %v", es.searches)
	}
	if last := es.calls[len(es.calls)-1]; last != "POST /enwiki-animals/_search" {
		t.Fatalf("应查询切片索引: %s", last)
	}
	if _, err := s.Wikify(context.Background(), "  ", 0); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空文本应为 ErrInvalidInput: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(&Options{}, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("缺少 index 应报错")
	}
	if _, err := New(&Options{Index: "x", WikiAPI: wikiapi.Options{Endpoint: "::"}}, nil); err == nil {
		t.Fatalf("非法维基 endpoint 应报错")
	}
}
