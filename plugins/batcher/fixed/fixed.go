package fixed

import (
	"context"
	"errors"

	"cirrusslice/pkg/contract"
)

// DefaultSize: 默认每批文档数。
const DefaultSize = 1000

// Batcher 按固定文档数累积命中文档，满批即交付 Sink。
// 单协程使用，不加锁。
type Batcher struct {
	size    int
	planned int
	sink    contract.Sink

	buf     []contract.Record
	seq     int
	batches int
	docs    int64
}

// New 创建 Batcher。size<=0 取默认值；planned 仅用于输出命名补零。
func New(size, planned int, sink contract.Sink) (*Batcher, error) {
	if sink == nil {
		return nil, errors.New("batcher: nil sink")
	}
	if size <= 0 {
		size = DefaultSize
	}
	if planned < 1 {
		planned = 1
	}
	return &Batcher{size: size, planned: planned, sink: sink, buf: make([]contract.Record, 0, size)}, nil
}

// Planned 估算批总数：targets/size 整除，至少为 1。
func Planned(targets, size int) int {
	if size <= 0 {
		size = DefaultSize
	}
	if p := targets / size; p > 1 {
		return p
	}
	return 1
}

// Add 追加一个文档；缓冲达到 size 个文档（2×size 行）时交付并清空。
func (b *Batcher) Add(ctx context.Context, rec contract.Record) error {
	b.buf = append(b.buf, rec)
	if len(b.buf) < b.size {
		return nil
	}
	return b.emit(ctx)
}

// Flush 交付剩余不满批；空缓冲为 no-op。
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	return b.emit(ctx)
}

func (b *Batcher) emit(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	batch := contract.Batch{Seq: b.seq, Planned: b.planned, Records: b.buf}
	if err := b.sink.Write(ctx, batch); err != nil {
		return err
	}
	b.seq++
	b.batches++
	b.docs += int64(len(b.buf))
	// 交付后不复用底层数组：Sink 可能持有批引用
	b.buf = make([]contract.Record, 0, b.size)
	return nil
}

// Stats 返回已交付的批数与文档数。
func (b *Batcher) Stats() (batches int, docs int64) { return b.batches, b.docs }

// Pending 返回缓冲中尚未交付的文档数。
func (b *Batcher) Pending() int { return len(b.buf) }
