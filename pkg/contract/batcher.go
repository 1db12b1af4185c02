package contract

import "context"

// Batcher: 将命中的文档按固定文档数累积为批并交付 Sink。
// 约束：
//  1. 不重排、不丢失、不重复；
//  2. 缓冲达到 2×size 行（size 个文档）时立即交付并清空；
//  3. Flush 交付剩余的不满批（空缓冲为 no-op）；
//  4. Seq 自 0 起严格递增。
type Batcher interface {
	Add(ctx context.Context, rec Record) error
	Flush(ctx context.Context) error
}
