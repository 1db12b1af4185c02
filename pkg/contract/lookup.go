package contract

import "context"

// LineFetcher: 按 1 起行号直接取回转储中的一个文档（元数据行与内容行）。
// 用于已知文档位置时的非扫描式精确取回。
type LineFetcher interface {
	Fetch(ctx context.Context, dump string, metaLine int64) (meta, content []byte, err error)
}
