package file

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cirrusslice/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 输出目录（必需）。
	OutputDir string `json:"output_dir"`
	// Prefix: 批文件名前缀，输出为 <prefix>-<seq 补零>。默认 "slice"。
	Prefix string `json:"prefix"`
	// Atomic: 是否使用原子替换（同目录临时文件 + rename）。
	// 默认值：true。未提供该字段时采用原子写；显式 false 可关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用默认。
	BufSize int `json:"buf_size,omitempty"`
}

// Sink 将每批原样写为一个编号文件。
type Sink struct {
	root    string
	prefix  string
	atomic  bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
	written []string
}

var _ contract.Sink = (*Sink)(nil)

// New 创建文件 Sink。
func New(opts *Options) (*Sink, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("file sink: output_dir required: %w", contract.ErrInvalidInput)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "slice"
	}
	// 前缀仅允许文件名，不允许目录层级
	if b := filepath.Base(prefix); b != prefix || b == "." || b == ".." {
		return nil, fmt.Errorf("file sink: prefix %q: %w", prefix, contract.ErrPathInvalid)
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 256 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &Sink{root: opts.OutputDir, prefix: prefix, atomic: atomic, permF: pf, permD: pd, bufSize: bsz}, nil
}

// Name 返回第 seq 批的文件名；宽度为 planned 的十进制位数。
func Name(prefix string, seq, planned int) string {
	if planned < 1 {
		planned = 1
	}
	width := len(strconv.Itoa(planned))
	return fmt.Sprintf("%s-%0*d", prefix, width, seq)
}

// Write 将批内文档的元数据行与内容行按序原样写入。
func (w *Sink) Write(ctx context.Context, b contract.Batch) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := os.MkdirAll(w.root, w.permD); err != nil {
		return err
	}
	dest := filepath.Join(w.root, Name(w.prefix, b.Seq, b.Planned))
	r := readerWithCtx(ctx, newBatchReader(b))
	var err error
	if w.atomic {
		err = w.writeAtomic(dest, r)
	} else {
		err = w.writeOverwrite(dest, r)
	}
	if err != nil {
		return err
	}
	w.written = append(w.written, dest)
	return nil
}

// Written 返回本次运行写出的文件路径（按批序）。
func (w *Sink) Written() []string { return append([]string(nil), w.written...) }

func (w *Sink) writeOverwrite(dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, r); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *Sink) writeAtomic(dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, w.permF)

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, r); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(dir)
	return nil
}

// batchReader 依次读出每个文档的 Meta 与 Content，不做拷贝拼接。
type batchReader struct {
	recs []contract.Record
	i    int
	half int // 0=Meta 1=Content
	off  int
}

func newBatchReader(b contract.Batch) *batchReader { return &batchReader{recs: b.Records} }

func (br *batchReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && br.i < len(br.recs) {
		cur := br.recs[br.i].Meta
		if br.half == 1 {
			cur = br.recs[br.i].Content
		}
		c := copy(p[n:], cur[br.off:])
		n += c
		br.off += c
		if br.off == len(cur) {
			br.off = 0
			if br.half == 0 {
				br.half = 1
			} else {
				br.half = 0
				br.i++
			}
		}
	}
	if n == 0 && br.i >= len(br.recs) {
		return 0, io.EOF
	}
	return n, nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
