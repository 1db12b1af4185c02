package contract

import "context"

// Sink: 批的落地目标（批量文件、远端索引、本地索引等）。
// 约束：
//  1. 每批单次调用，按 Seq 升序；
//  2. 不做文档级重试；批级失败直接上抛；
//  3. ctx 取消/超时需尽快返回。
type Sink interface {
	Write(ctx context.Context, b Batch) error
}

// Preparer: 可选扩展。首批之前调用一次（例如重建索引）。
type Preparer interface {
	Prepare(ctx context.Context) error
}
