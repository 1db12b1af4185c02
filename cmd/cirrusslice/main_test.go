package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	cfgpkg "cirrusslice/internal/config"
	"cirrusslice/internal/diag"
	"cirrusslice/internal/slicer"
	"cirrusslice/pkg/contract"
)

const dump = `{"index":{"_type":"page","_id":"1"}}
{"title":"Dog","namespace":0}
{"index":{"_type":"page","_id":"2"}}
{"title":"Canine","namespace":0,"redirect":[{"namespace":0,"title":"Dog"}]}
{"index":{"_type":"page","_id":"3"}}
{"title":"Cat","namespace":0}
`

// inTemp 切换到临时目录（日志写入 ./logs）。
func inTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

func setArgs(t *testing.T, args ...string) {
	t.Helper()
	old := os.Args
	os.Args = append([]string{"cirrusslice"}, args...)
	t.Cleanup(func() { os.Args = old })
}

func setConfig(t *testing.T, cfg cfgpkg.Config) {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("CIRRUS_SLICE_CONFIG_JSON", string(b))
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	old := os.Stdout
	os.Stdout = w
	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()
	fn()
	w.Close()
	os.Stdout = old
	return <-done
}

func memoryConfig() cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Slice = ""
	cfg.Titles = []string{"Dog", "Cat"}
	cfg.Components.Sink = "memory"
	return cfg
}

func TestRunInitConfig(t *testing.T) {
	dir := inTemp(t)
	outDir := filepath.Join(dir, "out")
	setArgs(t, "--init-config", outDir)
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	for _, f := range []string{"config.json", ".env"} {
		if _, err := os.Stat(filepath.Join(outDir, f)); err != nil {
			t.Fatalf("%s 未生成: %v", f, err)
		}
	}
	// 生成的模板可被严格解析
	if _, err := cfgpkg.LoadJSON(filepath.Join(outDir, "config.json"), nil); err != nil {
		t.Fatalf("模板解析失败: %v", err)
	}
	// 已存在时不覆盖
	if code := run(); code != exitConfig {
		t.Fatalf("已存在应返回 %d, got %d", exitConfig, code)
	}
}

func TestRunInitConfigDefault(t *testing.T) {
	dir := inTemp(t)
	setArgs(t, "slice", "--init-config")
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("config 未生成在当前目录: %v", err)
	}
}

func TestRunSliceStubbed(t *testing.T) {
	inTemp(t)
	setConfig(t, memoryConfig())
	setArgs(t, "--status=false", "--batch-size", "7", "dump.json")
	called := false
	orig := sliceRun
	sliceRun = func(ctx context.Context, comp slicer.Components, set slicer.Settings, ts contract.TargetSet, logger *diag.Logger) (slicer.Report, error) {
		called = true
		if set.Dump != "dump.json" || set.BatchSize != 7 || set.SinkName != "memory" {
			t.Errorf("设置未按 CLI 覆盖: %+v", set)
		}
		if !reflect.DeepEqual(ts.Remaining(), []string{"Dog", "Cat"}) {
			t.Errorf("目标=%v", ts.Remaining())
		}
		return slicer.Report{Found: 1, Remaining: []string{"Cat"}}, nil
	}
	defer func() { sliceRun = orig }()

	// 部分完成仍返回 0
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if !called {
		t.Fatalf("sliceRun not called")
	}
}

func TestRunSliceRuntimeError(t *testing.T) {
	inTemp(t)
	setConfig(t, memoryConfig())
	setArgs(t, "--status=false", "dump.json")
	orig := sliceRun
	sliceRun = func(context.Context, slicer.Components, slicer.Settings, contract.TargetSet, *diag.Logger) (slicer.Report, error) {
		return slicer.Report{}, errors.New("boom")
	}
	defer func() { sliceRun = orig }()
	if code := run(); code != exitRuntime {
		t.Fatalf("运行期错误应返回 %d, got %d", exitRuntime, code)
	}
}

func TestRunSliceConfigErrors(t *testing.T) {
	inTemp(t)
	noDump := memoryConfig()
	noDump.Dump = ""
	missingSlice := memoryConfig()
	missingSlice.Titles = nil
	missingSlice.Slice = "missing.txt"
	cases := []struct {
		name string
		cfg  cfgpkg.Config
		args []string
	}{
		{"无 dump", noDump, []string{"--status=false"}},
		{"多个 dump", memoryConfig(), []string{"--status=false", "a.json", "b.json"}},
		{"未知模式", memoryConfig(), []string{"--status=false", "--mode", "grep", "d"}},
		{"未注册 sink", memoryConfig(), []string{"--status=false", "--sink", "kafka", "d"}},
		{"旗标错误", memoryConfig(), []string{"--no-such-flag"}},
		{"目标文件不存在", missingSlice, []string{"--status=false", "d"}},
	}
	orig := sliceRun
	sliceRun = func(context.Context, slicer.Components, slicer.Settings, contract.TargetSet, *diag.Logger) (slicer.Report, error) {
		t.Errorf("配置错误时不应进入运行")
		return slicer.Report{}, nil
	}
	defer func() { sliceRun = orig }()
	for _, c := range cases {
		setConfig(t, c.cfg)
		setArgs(t, c.args...)
		if code := run(); code != exitConfig {
			t.Fatalf("%s %v: 应返回 %d, got %d", c.name, c.args, exitConfig, code)
		}
	}

	// 对照：目标文件存在时配置通过
	if err := os.WriteFile("present.txt", []byte("Dog\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	present := missingSlice
	present.Slice = "present.txt"
	setConfig(t, present)
	setArgs(t, "--status=false", "d")
	called := false
	sliceRun = func(context.Context, slicer.Components, slicer.Settings, contract.TargetSet, *diag.Logger) (slicer.Report, error) {
		called = true
		return slicer.Report{}, nil
	}
	if code := run(); code != exitOK || !called {
		t.Fatalf("目标文件存在时应运行: code=%d called=%v", code, called)
	}
}

func TestRunConfigFileNotFound(t *testing.T) {
	inTemp(t)
	setArgs(t, "--config", "missing.json", "d.json")
	if code := run(); code != exitConfig {
		t.Fatalf("应返回 %d, got %d", exitConfig, code)
	}
}

func TestRunSliceFileSink(t *testing.T) {
	dir := inTemp(t)
	if err := os.WriteFile("animals.json", []byte(dump), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("slice.txt", []byte("Dog\nCat\nUnicorn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Options.Sink["file"] = json.RawMessage(`{"output_dir":"out","prefix":"animals"}`)
	b, _ := json.Marshal(cfg)
	if err := os.WriteFile("config.json", b, 0o644); err != nil {
		t.Fatal(err)
	}
	setArgs(t, "slice", "--status=false", "animals.json")
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	got, err := os.ReadFile(filepath.Join(dir, "out", "animals-0"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(dump, "\n")
	want := strings.Join([]string{lines[0], lines[1], lines[4], lines[5]}, "\n") + "\n"
	if string(got) != want {
		t.Fatalf("输出不一致:\n%s", got)
	}
}

func TestRunTitles(t *testing.T) {
	inTemp(t)
	if err := os.WriteFile("animals.json", []byte(dump), 0o644); err != nil {
		t.Fatal(err)
	}
	setArgs(t, "titles", "-o", "titles.txt", "animals.json")
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	b, err := os.ReadFile("titles.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "Dog\nCanine\nCat\n" {
		t.Fatalf("标题索引=%q", b)
	}
	setArgs(t, "titles")
	if code := run(); code != exitConfig {
		t.Fatalf("缺少转储应返回 %d", exitConfig)
	}
}

func TestRunCategory(t *testing.T) {
	inTemp(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cmtitle") {
		case "Category:Dogs":
			_, _ = w.Write([]byte(`{"query":{"categorymembers":[
				{"pageid":7,"ns":0,"title":"Poodle"},
				{"pageid":8,"ns":14,"title":"Category:Hounds"}]}}`))
		case "Category:Hounds":
			_, _ = w.Write([]byte(`{"query":{"categorymembers":[{"pageid":3,"ns":0,"title":"Beagle"}]}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()
	t.Setenv("CIRRUS_SLICE_WIKI_API_ENDPOINT", srv.URL)

	var code int
	out := captureStdout(t, func() {
		setArgs(t, "category", "--ids", "Dogs")
		code = run()
	})
	if code != exitOK || out != "3\tBeagle\n7\tPoodle\n" {
		t.Fatalf("code=%d out=%q", code, out)
	}
	out = captureStdout(t, func() {
		setArgs(t, "category", "--tree", "Dogs")
		code = run()
	})
	if code != exitOK || out != "Category:Dogs\n  Category:Hounds\n" {
		t.Fatalf("code=%d tree=%q", code, out)
	}
	setArgs(t, "category")
	if code := run(); code != exitConfig {
		t.Fatalf("缺少分类名应返回 %d", exitConfig)
	}
}

func TestRunLoad(t *testing.T) {
	inTemp(t)
	for _, f := range []string{"animals-1", "animals-0", "other"} {
		if err := os.WriteFile(f, []byte(dump), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Options.Sink["elastic"] = json.RawMessage(`{"addresses":["http://127.0.0.1:1"],"index":"x"}`)
	setConfig(t, cfg)

	var files []string
	orig := loadRun
	loadRun = func(ctx context.Context, src contract.Source, sink contract.Sink, fs []string, logger *diag.Logger) (slicer.Report, error) {
		files = fs
		return slicer.Report{Batches: len(fs)}, nil
	}
	defer func() { loadRun = orig }()

	setArgs(t, "load", "--status=false", "--index", "Enwiki-Animals", "animals-")
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if !reflect.DeepEqual(files, []string{"animals-0", "animals-1"}) {
		t.Fatalf("匹配文件=%v", files)
	}
	setArgs(t, "load", "--status=false", "nothing-")
	if code := run(); code != exitConfig {
		t.Fatalf("无匹配文件应返回 %d", exitConfig)
	}
}

func TestNormalizeInitArg(t *testing.T) {
	cases := []struct{ in, want []string }{
		{[]string{"--init-config"}, []string{"--init-config", "."}},
		{[]string{"--init-config", "--status=false"}, []string{"--init-config", ".", "--status=false"}},
		{[]string{"--init-config", "out"}, []string{"--init-config", "out"}},
		{[]string{"--init-config=out"}, []string{"--init-config=out"}},
	}
	for _, c := range cases {
		if got := normalizeInitArg(c.in); !reflect.DeepEqual(got, c.want) {
			t.Fatalf("%v => %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nexport CIRRUS_SLICE_TEST_A=\"x\\ty\"\nCIRRUS_SLICE_TEST_B='kept'\nCIRRUS_SLICE_TEST_C=new\nbroken\n"
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CIRRUS_SLICE_TEST_C", "old")
	t.Setenv("CIRRUS_SLICE_TEST_A", "")
	os.Unsetenv("CIRRUS_SLICE_TEST_A")
	t.Setenv("CIRRUS_SLICE_TEST_B", "")
	os.Unsetenv("CIRRUS_SLICE_TEST_B")
	if err := loadDotEnv(p); err != nil {
		t.Fatal(err)
	}
	if os.Getenv("CIRRUS_SLICE_TEST_A") != "x\ty" || os.Getenv("CIRRUS_SLICE_TEST_B") != "kept" {
		t.Fatalf("解析错误: %q %q", os.Getenv("CIRRUS_SLICE_TEST_A"), os.Getenv("CIRRUS_SLICE_TEST_B"))
	}
	if os.Getenv("CIRRUS_SLICE_TEST_C") != "old" {
		t.Fatalf("不应覆盖已有变量")
	}
	if err := loadDotEnv(filepath.Join(t.TempDir(), "none")); err != nil {
		t.Fatalf("缺失文件应忽略: %v", err)
	}
}

func TestExitFor(t *testing.T) {
	if exitFor(contract.ErrUpstream) != exitRuntime || exitFor(context.Canceled) != exitRuntime {
		t.Fatalf("上游/取消应为运行期错误")
	}
	if exitFor(contract.ErrInvalidInput) != exitConfig {
		t.Fatalf("非法输入应为配置错误")
	}
}

func TestRunWikify(t *testing.T) {
	inTemp(t)
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		b, _ := io.ReadAll(r.Body)
		gotPath, gotBody = r.URL.Path, string(b)
		_, _ = io.WriteString(w, `{"hits":{"hits":[{"_score":2.5,"_source":{"title":"Dog"}},{"_score":1,"_source":{"title":"Cat"}}]}}`)
	}))
	defer srv.Close()
	cfg := memoryConfig()
	cfg.Options.Sink["elastic"] = json.RawMessage(`{"addresses":["` + srv.URL + `"],"index":"Animals","max_retries":1}`)
	setConfig(t, cfg)
	setArgs(t, "wikify", "--size", "2", "pets", "that", "bark")
	var code int
	out := captureStdout(t, func() { code = run() })
	if code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if out != "Dog\t2.5\nCat\t1\n" {
		t.Fatalf("输出=%q", out)
	}
	if gotPath != "/animals/_search" || !strings.Contains(gotBody, `"text":"pets that bark"`) {
		t.Fatalf("请求 %s %s", gotPath, gotBody)
	}

	// 无文本（STDIN 为空）为配置错误
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	oldIn := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = oldIn }()
	setArgs(t, "wikify")
	if code := run(); code != exitConfig {
		t.Fatalf("无文本应返回 %d, got %d", exitConfig, code)
	}
}
