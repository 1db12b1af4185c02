package slicer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"cirrusslice/internal/cirrus"
	"cirrusslice/internal/diag"
	"cirrusslice/internal/targets"
	"cirrusslice/pkg/contract"
	"cirrusslice/plugins/batcher/fixed"
)

// - 单线程：扫描、匹配、攒批、交付均在调用方 goroutine 内同步完成。
// - 终止：目标集合为空或转储耗尽；耗尽时剩余目标计入报告（部分完成，非错误）。
// - 首错返回：Sink/Source/Lookup 错误直接上抛，不做文档级重试。

// Mode: 目标查找方式。
type Mode string

const (
	// ModeScan 顺序扫描整个转储。
	ModeScan Mode = "scan"
	// ModeLookup 依据标题索引按行号直接取回。
	ModeLookup Mode = "lookup"
)

// ParseMode 解析模式名；空串为 scan。
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeScan:
		return ModeScan, nil
	case ModeLookup:
		return ModeLookup, nil
	}
	return "", fmt.Errorf("mode %q: %w", s, contract.ErrInvalidInput)
}

// Components 聚合运行所需的组件。
type Components struct {
	Source contract.Source
	Sink   contract.Sink
	// Lookup 仅 lookup 模式需要。
	Lookup contract.LineFetcher
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Mode      Mode
	Dump      string
	BatchSize int
	Malformed cirrus.Policy
	// Index: 标题 → 文档序号（lookup 模式）。
	Index targets.TitleIndex
	// SinkName 仅用于终端展示。
	SinkName string
}

// Report: 一次运行的结果汇总。
type Report struct {
	Docs      int64
	Found     int64
	Remaining []string
	Batches   int
	Mismatch  int64
	Malformed int64
}

// Partial 表示仍有目标未找到。
func (r Report) Partial() bool { return len(r.Remaining) > 0 }

// Run 执行一次切片：Source → Scanner → TargetSet → Batcher → Sink。
// 约束：
// - Preparer 在首批之前调用一次；
// - 实现 io.Closer 的 Sink 在结束时关闭；
// - 批号自 0 递增，Planned = 目标数 / 批大小（至少 1）。
func Run(ctx context.Context, comp Components, set Settings, ts contract.TargetSet, logger *diag.Logger) (Report, error) {
	var rep Report
	if err := sanity(comp, set, ts); err != nil {
		return rep, fmt.Errorf("sanity: %w", err)
	}
	size := set.BatchSize
	if size <= 0 {
		size = fixed.DefaultSize
	}
	planned := fixed.Planned(ts.Len(), size)
	t0 := time.Now()
	term := diag.GetTerminal()
	term.RunStart(string(set.Mode), set.SinkName, ts.Len())
	rtimer := logger.StartWithKV("slicer", "run", set.Dump, "", map[string]string{
		"mode":    string(set.Mode),
		"targets": strconv.Itoa(ts.Len()),
		"planned": strconv.Itoa(planned),
	})

	err := run(ctx, comp, set, ts, size, planned, &rep, logger)
	rep.Remaining = ts.Remaining()
	if c, ok := comp.Sink.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			diag.Report(logger, "sink", "close failed", set.Dump, "", cerr)
			err = fmt.Errorf("sink close: %w", cerr)
		}
	}
	term.RunFinish(err == nil, time.Since(t0), rep.Found, int64(len(rep.Remaining)))
	if err != nil {
		return rep, err
	}
	if rep.Partial() {
		logger.Warn("slicer", "partial", "targets not found", map[string]string{
			"remaining": strconv.Itoa(len(rep.Remaining)),
			"first":     rep.Remaining[0],
		})
		diag.IncOp("slicer", "finish", "partial")
	} else {
		diag.IncOp("slicer", "finish", "success")
	}
	rtimer.Finish("run", rep.Found)
	return rep, nil
}

func run(ctx context.Context, comp Components, set Settings, ts contract.TargetSet, size, planned int, rep *Report, logger *diag.Logger) error {
	if p, ok := comp.Sink.(contract.Preparer); ok {
		ptimer := logger.StartWith("sink", "prepare", set.Dump, "")
		if err := p.Prepare(ctx); err != nil {
			diag.Report(logger, "sink", "prepare failed", set.Dump, "", err)
			return fmt.Errorf("sink prepare: %w", err)
		}
		ptimer.Finish("prepare", 0)
	}
	sink := &observedSink{next: comp.Sink, dump: set.Dump, logger: logger}
	b, err := fixed.New(size, planned, sink)
	if err != nil {
		return err
	}
	switch set.Mode {
	case ModeLookup:
		err = lookup(ctx, comp.Lookup, set, ts, b, rep, logger)
	default:
		err = scan(ctx, comp.Source, set, ts, b, rep, logger)
	}
	if err != nil {
		return err
	}
	if err := b.Flush(ctx); err != nil {
		return fmt.Errorf("batcher flush: %w", err)
	}
	batches, docs := b.Stats()
	rep.Batches = batches
	if docs != rep.Found {
		return fmt.Errorf("batched %d docs, matched %d: %w", docs, rep.Found, contract.ErrInvariantViolation)
	}
	return nil
}

func scan(ctx context.Context, src contract.Source, set Settings, ts contract.TargetSet, b *fixed.Batcher, rep *Report, logger *diag.Logger) error {
	rc, err := src.Open(ctx, set.Dump)
	if err != nil {
		diag.Report(logger, "source", "open failed", set.Dump, "", err)
		return fmt.Errorf("source open: %w", err)
	}
	defer rc.Close()

	sc := cirrus.NewScanner(rc, cirrus.Options{Malformed: set.Malformed, Dump: set.Dump, Logger: logger})
	defer func() {
		st := sc.Stats()
		rep.Docs, rep.Malformed = st.Docs, st.Malformed
	}()
	term := diag.GetTerminal()
	var n int64
	for ts.Len() > 0 {
		if n&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			diag.Report(logger, "scanner", "next failed", set.Dump, "", err)
			return fmt.Errorf("scan: %w", err)
		}
		n++
		if key, ok := ts.Match(rec); ok {
			rec.Matched = key
			rep.Found++
			logger.DebugStart("matcher", "hit", set.Dump, "", map[string]string{"key": key, "id": rec.ID, "line": strconv.FormatInt(rec.Line, 10)})
			if err := b.Add(ctx, rec); err != nil {
				return fmt.Errorf("batcher add: %w", err)
			}
		}
		term.Progress(sc.Stats().Docs, rep.Found, int64(ts.Len()))
	}
	return nil
}

type hasser interface{ Has(string) bool }

func lookup(ctx context.Context, lf contract.LineFetcher, set Settings, ts contract.TargetSet, b *fixed.Batcher, rep *Report, logger *diag.Logger) error {
	has, ok := ts.(hasser)
	if !ok {
		return fmt.Errorf("lookup mode requires title targets: %w", contract.ErrInvalidInput)
	}
	term := diag.GetTerminal()
	for _, title := range ts.Remaining() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// 可能已作为前一命中的别名被移除
		if !has.Has(title) {
			continue
		}
		line, ok := set.Index.MetaLine(title)
		if !ok {
			continue
		}
		rec, err := fetch(ctx, lf, set, line, logger)
		if err != nil {
			return err
		}
		rep.Docs++
		if rec.Title != title {
			rep.Mismatch++
			logger.Warn("slicer", "mismatch", "title index out of date", map[string]string{
				"want": title,
				"got":  rec.Title,
				"line": strconv.FormatInt(line, 10),
			})
			diag.IncOp("slicer", "lookup", "mismatch")
			if set.Malformed == cirrus.PolicyAbort {
				return fmt.Errorf("%q at line %d: %w", title, line, contract.ErrTitleMismatch)
			}
			continue
		}
		key, _ := ts.Match(rec)
		rec.Matched = key
		rep.Found++
		if err := b.Add(ctx, rec); err != nil {
			return fmt.Errorf("batcher add: %w", err)
		}
		term.Progress(rep.Docs, rep.Found, int64(ts.Len()))
	}
	return nil
}

// fetch 取回并解析一个文档；不可解析或被过滤的文档以空标题返回（按不一致处理）。
func fetch(ctx context.Context, lf contract.LineFetcher, set Settings, line int64, logger *diag.Logger) (contract.Record, error) {
	meta, content, err := lf.Fetch(ctx, set.Dump, line)
	if errors.Is(err, contract.ErrMalformedDocument) && set.Malformed != cirrus.PolicyAbort {
		return contract.Record{Line: line}, nil
	}
	if err != nil {
		diag.Report(logger, "lookup", "fetch failed", set.Dump, "", err)
		return contract.Record{}, fmt.Errorf("lookup: %w", err)
	}
	raw := make([]byte, 0, len(meta)+len(content))
	raw = append(append(raw, meta...), content...)
	sc := cirrus.NewScanner(bytes.NewReader(raw), cirrus.Options{Malformed: set.Malformed, Dump: set.Dump, Logger: logger})
	rec, err := sc.Next()
	if errors.Is(err, io.EOF) {
		return contract.Record{Line: line}, nil
	}
	if err != nil {
		return contract.Record{}, fmt.Errorf("lookup line %d: %w", line, err)
	}
	rec.Line = line
	return rec, nil
}

func sanity(comp Components, set Settings, ts contract.TargetSet) error {
	if ts == nil {
		return fmt.Errorf("nil target set: %w", contract.ErrInvalidInput)
	}
	if comp.Sink == nil {
		return fmt.Errorf("nil sink: %w", contract.ErrInvalidInput)
	}
	switch set.Mode {
	case ModeScan, "":
		if comp.Source == nil {
			return fmt.Errorf("nil source: %w", contract.ErrInvalidInput)
		}
	case ModeLookup:
		if comp.Lookup == nil || set.Index == nil {
			return fmt.Errorf("lookup mode needs fetcher and title index: %w", contract.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("mode %q: %w", set.Mode, contract.ErrInvalidInput)
	}
	return nil
}

// observedSink 为每批记录日志、计数与终端提示。
type observedSink struct {
	next   contract.Sink
	dump   string
	logger *diag.Logger
}

func (o *observedSink) Write(ctx context.Context, b contract.Batch) error {
	id := strconv.Itoa(b.Seq)
	t0 := time.Now()
	wtimer := o.logger.StartWith("sink", "write", o.dump, id)
	if err := o.next.Write(ctx, b); err != nil {
		diag.Report(o.logger, "sink", "write failed", o.dump, id, err)
		return fmt.Errorf("sink write batch %d: %w", b.Seq, err)
	}
	wtimer.Finish("write", int64(len(b.Records)))
	diag.IncOp("sink", "finish", "success")
	diag.ObserveDuration("sink", "write", time.Since(t0).Milliseconds())
	diag.GetTerminal().BatchDone(b.Seq, b.Planned, len(b.Records))
	return nil
}
