package memory

import (
	"context"
	"fmt"
	"sync"

	"cirrusslice/pkg/contract"
)

// Options: 调试配置（可选）。
type Options struct {
	// FailAtBatch: 第 N 次 Write（1 起）返回错误，用于验证失败上抛；0 表示不失败。
	FailAtBatch int `json:"fail_at_batch,omitempty"`
}

// Sink 在内存中保留全部批（测试、试运行）。
type Sink struct {
	mu       sync.Mutex
	failAt   int
	calls    int
	batches  []contract.Batch
	prepared int
	closed   bool
}

// New 创建内存 Sink。
func New(opts *Options) *Sink {
	s := &Sink{}
	if opts != nil && opts.FailAtBatch > 0 {
		s.failAt = opts.FailAtBatch
	}
	return s
}

var (
	_ contract.Sink     = (*Sink)(nil)
	_ contract.Preparer = (*Sink)(nil)
)

func (s *Sink) Prepare(ctx context.Context) error {
	s.mu.Lock()
	s.prepared++
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Sink) Write(ctx context.Context, b contract.Batch) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAt > 0 && s.calls == s.failAt {
		return fmt.Errorf("memory sink: injected failure at batch %d: %w", b.Seq, contract.ErrUpstream)
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Batches 返回已接收批的拷贝。
func (s *Sink) Batches() []contract.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.Batch(nil), s.batches...)
}

// Records 按接收顺序展开全部文档。
func (s *Sink) Records() []contract.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contract.Record
	for _, b := range s.batches {
		out = append(out, b.Records...)
	}
	return out
}

// Prepared 返回 Prepare 调用次数。
func (s *Sink) Prepared() int { s.mu.Lock(); defer s.mu.Unlock(); return s.prepared }

// Closed 报告是否已 Close。
func (s *Sink) Closed() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.closed }
