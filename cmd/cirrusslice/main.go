package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"cirrusslice/internal/cirrus"
	cfgpkg "cirrusslice/internal/config"
	"cirrusslice/internal/diag"
	"cirrusslice/internal/slicer"
	"cirrusslice/internal/targets"
	"cirrusslice/internal/wikiapi"
	"cirrusslice/pkg/contract"
	"cirrusslice/pkg/registry"
	"cirrusslice/plugins/sink/elastic"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

var (
	sliceRun = slicer.Run
	loadRun  = slicer.Load
)

// 子命令：slice（默认）、titles、category、init-index、load、export、wikify。
// 首个参数不是已知子命令时按 slice 处理（位置参数为转储路径，"-" 表示 STDIN）。
var commands = map[string]func(context.Context, []string) int{
	"slice":      runSlice,
	"titles":     runTitles,
	"category":   runCategory,
	"init-index": runInitIndex,
	"load":       runLoad,
	"export":     runExport,
	"wikify":     runWikify,
}

func main() {
	os.Exit(run())
}

func run() int {
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	args := os.Args[1:]
	sub := "slice"
	if len(args) > 0 {
		if _, ok := commands[args[0]]; ok {
			sub, args = args[0], args[1:]
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return commands[sub](ctx, args)
}

// common: 所有子命令共享的旗标。
type common struct {
	config string
	level  string
}

func (c *common) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	fs.StringVar(&c.level, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
}

// load 依次合并：默认值 → JSON（文件或 CIRRUS_SLICE_CONFIG_JSON）→ ENV。
func (c *common) load() (cfgpkg.Config, error) {
	var cfgJSON []byte
	if s := os.Getenv("CIRRUS_SLICE_CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	path := c.config
	if path == "" {
		path = os.Getenv("CIRRUS_SLICE_CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	cfg := cfgpkg.Defaults()
	if path != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(path, cfgJSON)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, over)
	if c.level != "" {
		cfg.Logging.Level = c.level
	}
	return cfg, nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func newLogger(cfg cfgpkg.Config) *diag.Logger {
	return diag.NewLogger(uuid.NewString(), cfg.Logging.Level)
}

// fail 打印并记录首错，返回退出码。
func fail(logger *diag.Logger, comp, what string, err error, code int) int {
	if !errors.Is(err, context.Canceled) {
		fprintf(os.Stderr, "%s: %v\n", what, err)
	}
	diag.Report(logger, comp, "first error", "", "", err)
	return code
}

// exitFor: 网络/上游/取消为运行期错误，其余视为配置或输入错误。
func exitFor(err error) int {
	switch diag.Classify(err) {
	case diag.CodeNetwork, diag.CodeUpstream, diag.CodeCancel:
		return exitRuntime
	}
	return exitConfig
}

func runSlice(ctx context.Context, args []string) int {
	start := time.Now()
	fs := newFlagSet("slice")
	var c common
	c.bind(fs)
	var (
		flagSlice, flagTitles, flagCategory string
		flagMode, flagIndex, flagMalformed  string
		flagSink, flagInitDir               string
		flagDepth, flagBatch                int
		flagIDs, flagStatus                 bool
	)
	fs.StringVar(&flagSlice, "slice", "", "目标文件（每行一个标题或页面 ID）")
	fs.StringVar(&flagTitles, "titles", "", "逗号分隔的目标（替代 --slice）")
	fs.StringVar(&flagCategory, "category", "", "以维基分类成员为目标（替代 --slice）")
	fs.IntVar(&flagDepth, "depth", 0, "分类遍历最大深度（0 不限）")
	fs.BoolVar(&flagIDs, "ids", false, "目标为页面 ID")
	fs.StringVar(&flagMode, "mode", "", "scan|lookup")
	fs.StringVar(&flagIndex, "title-index", "", "标题索引边车（lookup 模式）")
	fs.IntVar(&flagBatch, "batch-size", 0, "每批文档数（覆盖配置）")
	fs.StringVar(&flagMalformed, "malformed", "", "畸形文档策略 skip|abort")
	fs.StringVar(&flagSink, "sink", "", "sink 实现名 file|elastic|bleve|memory")
	fs.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（不覆盖）；不带值时默认当前目录")
	fs.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	if err := fs.Parse(normalizeInitArg(args)); err != nil {
		return exitConfig
	}

	// --init-config: 生成模板并退出
	if dir := strings.TrimSpace(flagInitDir); dir != "" {
		return initConfig(dir)
	}

	cfg, err := c.load()
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	var over cfgpkg.Config
	over.Slice, over.Category = flagSlice, flagCategory
	over.Titles = splitList(flagTitles)
	over.CategoryDepth, over.IDs = flagDepth, flagIDs
	over.Mode, over.TitleIndex, over.Malformed = flagMode, flagIndex, flagMalformed
	over.BatchSize = flagBatch
	over.Components.Sink = flagSink
	switch fs.NArg() {
	case 0:
	case 1:
		over.Dump = fs.Arg(0)
	default:
		fprintf(os.Stderr, "只能指定一个转储: %v\n", fs.Args())
		return exitConfig
	}
	cfg = cfgpkg.Merge(cfg, over)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(cfg)
		return exitConfig
	}
	logger := newLogger(cfg)
	defer logger.Close()

	comp, set, err := cfgpkg.Assemble(cfg, registry.Deps{Logger: logger})
	if err != nil {
		return fail(logger, "config", "装配失败", err, exitConfig)
	}
	ts, err := cfgpkg.Targets(ctx, cfg)
	if err != nil {
		return fail(logger, "targets", "目标载入失败", err, exitFor(err))
	}
	logger.DebugStart("config", "effective", set.Dump, "", map[string]string{
		"mode":       string(set.Mode),
		"sink":       set.SinkName,
		"batch_size": strconv.Itoa(set.BatchSize),
		"malformed":  string(set.Malformed),
		"targets":    strconv.Itoa(ts.Len()),
		"ids":        strconv.FormatBool(cfg.IDs),
	})

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	rep, err := sliceRun(ctx, comp, set, ts, logger)
	if err != nil {
		return fail(logger, "slicer", "运行失败", err, exitRuntime)
	}
	diag.ObserveDuration("slicer", "finish", time.Since(start).Milliseconds())
	if rep.Mismatch > 0 {
		fprintf(os.Stderr, "标题索引不一致 %s 处（已跳过）\n", humanize.Comma(rep.Mismatch))
	}
	if rep.Partial() {
		// 部分完成不是错误
		fprintf(os.Stderr, "未找到 %s 个目标:\n", humanize.Comma(int64(len(rep.Remaining))))
		for _, t := range rep.Remaining {
			fprintf(os.Stderr, "  %s\n", t)
		}
	}
	return exitOK
}

// titles: 生成标题索引边车（第 n 行对应第 n 个文档）。
func runTitles(ctx context.Context, args []string) int {
	fs := newFlagSet("titles")
	var c common
	c.bind(fs)
	var flagOut string
	fs.StringVar(&flagOut, "o", "-", "输出路径；- 为 STDOUT")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	cfg, err := c.load()
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	if fs.NArg() == 1 {
		cfg.Dump = fs.Arg(0)
	}
	if strings.TrimSpace(cfg.Dump) == "" {
		fprintf(os.Stderr, "用法: cirrusslice titles [-o 文件] <转储>\n")
		return exitConfig
	}
	policy, err := cirrus.ParsePolicy(cfg.Malformed)
	if err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg)
	defer logger.Close()
	src, err := newSource(cfg)
	if err != nil {
		return fail(logger, "config", "装配失败", err, exitConfig)
	}
	rc, err := src.Open(ctx, cfg.Dump)
	if err != nil {
		return fail(logger, "source", "打开转储失败", err, exitConfig)
	}
	defer rc.Close()

	var w io.Writer = os.Stdout
	if flagOut != "-" {
		f, err := os.Create(flagOut)
		if err != nil {
			return fail(logger, "titles", "创建输出失败", err, exitConfig)
		}
		defer f.Close()
		w = f
	}
	t := logger.StartWith("titles", "write", cfg.Dump, "")
	sc := cirrus.NewScanner(rc, cirrus.Options{Raw: true, Malformed: policy, Dump: cfg.Dump, Logger: logger})
	n, err := targets.WriteTitleIndex(sc, w)
	if err != nil {
		return fail(logger, "titles", "写出失败", err, exitRuntime)
	}
	t.Finish("write", n)
	fprintf(os.Stderr, "[titles] 文档 %s\n", humanize.Comma(n))
	return exitOK
}

// category: 广度优先遍历维基分类，输出页面标题（或分类树）。
func runCategory(ctx context.Context, args []string) int {
	fs := newFlagSet("category")
	var c common
	c.bind(fs)
	var (
		flagIDs, flagTree bool
		flagDepth         int
	)
	fs.BoolVar(&flagIDs, "ids", false, "输出 pageid<TAB>title")
	fs.BoolVar(&flagTree, "tree", false, "输出分类树（按层级缩进）")
	fs.IntVar(&flagDepth, "depth", 0, "最大深度（0 不限）")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fprintf(os.Stderr, "用法: cirrusslice category [--ids] [--tree] [--depth N] <分类>\n")
		return exitConfig
	}
	cfg, err := c.load()
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg)
	defer logger.Close()
	client, err := wikiapi.New(cfg.WikiAPI)
	if err != nil {
		return fail(logger, "config", "装配失败", err, exitConfig)
	}
	t := logger.StartWithKV("wikiapi", "crawl", "", "", map[string]string{"category": fs.Arg(0)})
	res, err := client.Crawl(ctx, fs.Arg(0), flagDepth)
	if err != nil {
		return fail(logger, "wikiapi", "分类遍历失败", err, exitRuntime)
	}
	t.Finish("crawl", int64(len(res.Pages)))

	bw := bufio.NewWriter(os.Stdout)
	defer bw.Flush()
	switch {
	case flagTree:
		for _, n := range res.Categories {
			fmt.Fprintf(bw, "%s%s\n", strings.Repeat("  ", n.Level-1), n.Title)
		}
	case flagIDs:
		for _, p := range res.Pages {
			fmt.Fprintf(bw, "%d\t%s\n", p.PageID, p.Title)
		}
	default:
		for _, p := range res.Pages {
			fmt.Fprintln(bw, p.Title)
		}
	}
	return exitOK
}

// init-index: 删除并按 cirrus 设置/映射重建索引。
func runInitIndex(ctx context.Context, args []string) int {
	fs := newFlagSet("init-index")
	var c common
	c.bind(fs)
	var flagIndex string
	fs.StringVar(&flagIndex, "index", "", "索引名（覆盖配置）")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	cfg, err := c.load()
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg)
	defer logger.Close()
	es, err := elasticSink(cfg, flagIndex, true, logger)
	if err != nil {
		return fail(logger, "config", "装配失败", err, exitConfig)
	}
	t := logger.Start("sink.elastic", "init-index")
	if err := es.RecreateIndex(ctx); err != nil {
		return fail(logger, "sink.elastic", "重建索引失败", err, exitRuntime)
	}
	t.Finish("init-index", 0)
	fprintf(os.Stderr, "[init-index] %s\n", es.Index())
	return exitOK
}

// load: 把 <prefix>* 的每个批量文件作为一批提交到索引。
func runLoad(ctx context.Context, args []string) int {
	fs := newFlagSet("load")
	var c common
	c.bind(fs)
	var (
		flagIndex  string
		flagStatus bool
	)
	fs.StringVar(&flagIndex, "index", "", "索引名（覆盖配置）")
	fs.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fprintf(os.Stderr, "用法: cirrusslice load [--index 名称] <前缀>\n")
		return exitConfig
	}
	cfg, err := c.load()
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg)
	defer logger.Close()
	src, err := newSource(cfg)
	if err != nil {
		return fail(logger, "config", "装配失败", err, exitConfig)
	}
	g, ok := src.(globber)
	if !ok {
		return fail(logger, "config", "装配失败", fmt.Errorf("source %q cannot glob: %w", cfg.Components.Source, contract.ErrInvalidInput), exitConfig)
	}
	files, err := g.Glob(fs.Arg(0))
	if err == nil && len(files) == 0 {
		err = fmt.Errorf("no files match %s*: %w", fs.Arg(0), contract.ErrPathInvalid)
	}
	if err != nil {
		return fail(logger, "source", "匹配批量文件失败", err, exitConfig)
	}
	es, err := elasticSink(cfg, flagIndex, false, logger)
	if err != nil {
		return fail(logger, "config", "装配失败", err, exitConfig)
	}
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	rep, err := loadRun(ctx, src, es, files, logger)
	if err != nil {
		return fail(logger, "slicer", "载入失败", err, exitRuntime)
	}
	failed := 0
	for _, r := range es.Reports() {
		failed += len(r.Failed)
	}
	fprintf(os.Stderr, "[load] %s | 批次 %d | 文档 %s | 失败 %d\n", es.Index(), rep.Batches, humanize.Comma(rep.Docs), failed)
	return exitOK
}

// export: scroll 遍历索引，把指定字段写到 <out>/<_id>.txt。
func runExport(ctx context.Context, args []string) int {
	fs := newFlagSet("export")
	var c common
	c.bind(fs)
	var (
		flagIndex, flagField, flagOut string
		flagPage                      int
	)
	fs.StringVar(&flagIndex, "index", "", "索引名（覆盖配置）")
	fs.StringVar(&flagField, "field", "text", "导出的字段")
	fs.StringVar(&flagOut, "out", "export", "输出目录")
	fs.IntVar(&flagPage, "page-size", 1000, "每次 scroll 的文档数")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	cfg, err := c.load()
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg)
	defer logger.Close()
	if err := os.MkdirAll(flagOut, 0o755); err != nil {
		return fail(logger, "export", "创建输出目录失败", err, exitConfig)
	}
	es, err := elasticSink(cfg, flagIndex, false, logger)
	if err != nil {
		return fail(logger, "config", "装配失败", err, exitConfig)
	}
	t0 := time.Now()
	var written int64
	n, err := es.Export(ctx, flagField, flagPage, func(id, value string) error {
		name, err := contract.ExportFileName(id)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(flagOut, name), []byte(value), 0o644); err != nil {
			return err
		}
		if written++; written%1000 == 0 {
			logger.Info("export", "progress", map[string]string{"count": strconv.FormatInt(written, 10)})
		}
		return nil
	})
	if err != nil {
		return fail(logger, "export", "导出失败", err, exitRuntime)
	}
	logger.InfoFinish("export", "export", t0, n)
	fprintf(os.Stderr, "[export] %s | 文档 %s\n", es.Index(), humanize.Comma(n))
	return exitOK
}

// wikify: 以 text 字段检索切片索引，输出前 N 个候选（title<TAB>score）。
// 文本取自位置参数；无位置参数时读取 STDIN。
func runWikify(ctx context.Context, args []string) int {
	fs := newFlagSet("wikify")
	var c common
	c.bind(fs)
	var (
		flagIndex string
		flagSize  int
	)
	fs.StringVar(&flagIndex, "index", "", "索引名（覆盖配置）")
	fs.IntVar(&flagSize, "size", elastic.DefaultWikifySize, "返回的候选数")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fprintf(os.Stderr, "读取 STDIN 失败: %v\n", err)
			return exitConfig
		}
		text = string(b)
	}
	if strings.TrimSpace(text) == "" {
		fprintf(os.Stderr, "用法: cirrusslice wikify [--index 名称] [--size N] <文本>\n")
		return exitConfig
	}
	cfg, err := c.load()
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg)
	defer logger.Close()
	es, err := elasticSink(cfg, flagIndex, false, logger)
	if err != nil {
		return fail(logger, "config", "装配失败", err, exitConfig)
	}
	t := logger.StartWithKV("wikify", "search", "", "", map[string]string{"index": es.Index()})
	cands, err := es.Wikify(ctx, text, flagSize)
	if err != nil {
		return fail(logger, "wikify", "检索失败", err, exitRuntime)
	}
	t.Finish("search", int64(len(cands)))
	bw := bufio.NewWriter(os.Stdout)
	defer bw.Flush()
	for _, cand := range cands {
		fmt.Fprintf(bw, "%s\t%s\n", cand.Title, strconv.FormatFloat(cand.Score, 'f', -1, 64))
	}
	return exitOK
}

// globber: 可按前缀列出文件的 Source。
type globber interface {
	Glob(prefix string) ([]string, error)
}

func newSource(cfg cfgpkg.Config) (contract.Source, error) {
	name := cfg.Components.Source
	if name == "" {
		name = cfgpkg.Defaults().Components.Source
	}
	f, ok := registry.Source[name]
	if !ok {
		return nil, fmt.Errorf("source %q not registered: %w", name, contract.ErrInvalidInput)
	}
	return f(cfg.Options.Source)
}

// elasticSink 以 options.sink.elastic 构造 sink；index 非空时覆盖索引名，
// 未配置 wiki_api 时沿用顶层 wiki_api。
func elasticSink(cfg cfgpkg.Config, index string, recreate bool, logger *diag.Logger) (*elastic.Sink, error) {
	m := map[string]any{}
	if raw := cfg.Options.Sink["elastic"]; len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("options.sink.elastic: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if index != "" {
		m["index"] = index
	}
	if _, ok := m["wiki_api"]; !ok {
		m["wiki_api"] = cfg.WikiAPI
	}
	m["recreate_index"] = recreate
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s, err := registry.Sink["elastic"](raw, registry.Deps{Logger: logger})
	if err != nil {
		return nil, err
	}
	return s.(*elastic.Sink), nil
}

func initConfig(dir string) int {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
		return exitConfig
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
		fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
		return exitConfig
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return exitOK
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}
