package sed

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/miku/clam"

	"cirrusslice/pkg/contract"
)

// Options: 外部取行命令配置。
type Options struct {
	// Sed: sed 可执行文件，默认 "sed"。
	Sed string `json:"sed"`
	// TimeoutSeconds: 单次取行的超时；0 表示不限（ctx 带截止时间时取两者较小者）。
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Fetcher 通过外部 sed 直接取回转储中第 n、n+1 行；压缩转储先经解压程序管道输出。
type Fetcher struct {
	sed     string
	timeout time.Duration
}

var _ contract.LineFetcher = (*Fetcher)(nil)

// New 检查 sed 可用。
func New(opts *Options) (*Fetcher, error) {
	sed := "sed"
	if opts != nil && strings.TrimSpace(opts.Sed) != "" {
		sed = opts.Sed
	}
	if _, err := exec.LookPath(sed); err != nil {
		return nil, fmt.Errorf("lookup: %s not found: %w", sed, contract.ErrInvalidInput)
	}
	f := &Fetcher{sed: sed}
	if opts != nil {
		if opts.TimeoutSeconds < 0 {
			return nil, fmt.Errorf("lookup: timeout_seconds %d: %w", opts.TimeoutSeconds, contract.ErrInvalidInput)
		}
		f.timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	return f, nil
}

// decompressor 按扩展名返回解压命令；空串表示明文。
func decompressor(dump string) string {
	switch strings.ToLower(filepath.Ext(dump)) {
	case ".gz", ".gzip":
		return "gzip -dc"
	case ".bz2":
		return "bzip2 -dc"
	case ".zst", ".zstd":
		return "zstd -dc"
	}
	return ""
}

// Fetch 取回 metaLine（1 起）处的元数据行与其后的内容行。
func (f *Fetcher) Fetch(ctx context.Context, dump string, metaLine int64) ([]byte, []byte, error) {
	if metaLine < 1 {
		return nil, nil, fmt.Errorf("lookup line %d: %w", metaLine, contract.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	from, to := strconv.FormatInt(metaLine, 10), strconv.FormatInt(metaLine+1, 10)
	// 三重花括号不做 HTML 转义；标签内不能留空格
	cmd := `{{{sed}}} -n '{{{from}}},{{{to}}}p;{{{to}}}q' {{{dump}}} > {{{output}}}`
	if d := decompressor(dump); d != "" {
		// 提前退出的 sed 会让解压端收到 SIGPIPE，忽略其退出码
		cmd = `( {{{decomp}}} {{{dump}}} 2>/dev/null || true ) | {{{sed}}} -n '{{{from}}},{{{to}}}p;{{{to}}}q' > {{{output}}}`
	}
	vars := clam.Map{
		"sed":    f.sed,
		"from":   from,
		"to":     to,
		"dump":   shellQuote(dump),
		"decomp": decompressor(dump),
	}
	runner := clam.Runner{Stdout: os.Stdout, Stderr: os.Stderr, Timeout: f.deadline(ctx)}
	output, err := runner.RunOutput(cmd, vars)
	// 超时时 RunOutput 不返回文件名，临时文件名仍写回 vars
	if tmp := vars["output"]; tmp != "" {
		defer os.Remove(tmp)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, nil, cerr
		}
		return nil, nil, fmt.Errorf("lookup %s:%d: %w", dump, metaLine, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	b, err := os.ReadFile(output)
	if err != nil {
		return nil, nil, err
	}
	i := bytes.IndexByte(b, '\n')
	if i < 0 || i == len(b)-1 {
		return nil, nil, fmt.Errorf("lookup %s:%d: line pair beyond end of dump: %w", dump, metaLine, contract.ErrMalformedDocument)
	}
	meta, content := b[:i+1], b[i+1:]
	if content[len(content)-1] != '\n' {
		content = append(content, '\n')
	}
	return meta, content, nil
}

// deadline 返回外部命令的超时：配置值与 ctx 剩余时间取较小者，0 表示不限。
// 外部进程不随 ctx 取消而终止，只能靠超时收回；终端 SIGINT 会同时送达整个前台进程组。
func (f *Fetcher) deadline(ctx context.Context) time.Duration {
	d := f.timeout
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			left = time.Millisecond
		}
		if d == 0 || left < d {
			d = left
		}
	}
	return d
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
