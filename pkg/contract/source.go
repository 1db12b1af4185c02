package contract

import (
	"context"
	"io"
)

// Source: 转储输入源抽象（文件/STDIN）。
// 约束：
// 1) 流式读取，返回已解压的字节流；
// 2) 不做 JSON 解析，仅提供字节流；
// 3) 调用方负责 Close。
type Source interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}
