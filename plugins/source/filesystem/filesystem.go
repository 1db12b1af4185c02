package filesystem

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"

	"cirrusslice/pkg/contract"
)

// Options 为 FileSystem Source 的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 1MiB。
	BufSize int `json:"buf_size"`
	// Compression: auto|none|gzip|bzip2|zstd。auto 先看扩展名，再嗅探魔数（STDIN 同样适用）。
	Compression string `json:"compression"`
}

// FileSystem 实现基于文件系统与 STDIN 的转储输入源。
type FileSystem struct {
	bufSize     int
	compression string
}

// New 创建 FileSystem Source。
func New(opts *Options) (*FileSystem, error) {
	const defaultBuf = 1 << 20
	fs := &FileSystem{bufSize: defaultBuf, compression: "auto"}
	if opts != nil {
		if opts.BufSize > 0 {
			fs.bufSize = opts.BufSize
		}
		if c := strings.ToLower(strings.TrimSpace(opts.Compression)); c != "" {
			fs.compression = c
		}
	}
	switch fs.compression {
	case "auto", "none", "gzip", "bzip2", "zstd":
	default:
		return nil, fmt.Errorf("compression %q: %w", fs.compression, contract.ErrInvalidInput)
	}
	return fs, nil
}

// Open 打开转储并返回解压后的字节流；path 为 "-" 时读取 STDIN。
// 符号链接仅跟随到常规文件。
func (r *FileSystem) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if path == "" || path == "-" {
		return r.wrap(io.NopCloser(os.Stdin), "")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("dump %s is not a regular file: %w", path, contract.ErrPathInvalid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := r.wrap(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return rc, nil
}

// Glob 返回以 prefix 开头的常规文件，按字典序（稳定顺序）。
// 用于按批次文件名前缀批量导入。
func (r *FileSystem) Glob(prefix string) ([]string, error) {
	dir, base := filepath.Split(prefix)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), base) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		// 跟随符号链接；目标不是常规文件则忽略
		t, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !t.Mode().IsRegular() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *FileSystem) wrap(c io.ReadCloser, name string) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(c, r.bufSize)
	kind := r.compression
	if kind == "auto" {
		kind = detect(name, br)
	}
	var (
		dr      io.Reader
		closeFn func() error
	)
	switch kind {
	case "none":
		return &bufferedCloser{Reader: br, c: c}, nil
	case "gzip":
		g, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip %s: %w", name, err)
		}
		dr, closeFn = g, g.Close
	case "bzip2":
		b, err := bzip2.NewReader(br, &bzip2.ReaderConfig{})
		if err != nil {
			return nil, fmt.Errorf("bzip2 %s: %w", name, err)
		}
		dr, closeFn = b, b.Close
	case "zstd":
		z, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd %s: %w", name, err)
		}
		dr, closeFn = z, func() error { z.Close(); return nil }
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(dr, r.bufSize), c: c, dec: closeFn}, nil
}

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// detect 先按扩展名判断，未知扩展名时嗅探魔数。
func detect(name string, br *bufio.Reader) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz", ".gzip":
		return "gzip"
	case ".bz2":
		return "bzip2"
	case ".zst", ".zstd":
		return "zstd"
	}
	head, _ := br.Peek(4)
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return "gzip"
	case bytes.HasPrefix(head, magicBzip2):
		return "bzip2"
	case bytes.HasPrefix(head, magicZstd):
		return "zstd"
	}
	return "none"
}

// bufferedCloser 将 bufio.Reader 与底层 Closer（以及可选解压器）组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c   io.Closer
	dec func() error
}

func (b *bufferedCloser) Close() error {
	var derr error
	if b.dec != nil {
		derr = b.dec()
	}
	if err := b.c.Close(); err != nil {
		return err
	}
	return derr
}
