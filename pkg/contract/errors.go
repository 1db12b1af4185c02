package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志分类）。
var (
	// ErrMalformedDocument: 文档行无法解析或缺少必需字段。
	ErrMalformedDocument = errors.New("malformed document")
	// ErrInvalidInput: 输入/配置非法（如 ID 模式下的非数字目标）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrTitleMismatch: 直接定位取回的文档标题与期望不一致。
	ErrTitleMismatch = errors.New("title mismatch")
	// ErrUpstream: 远端服务（搜索索引/维基 API）返回非成功响应。
	ErrUpstream = errors.New("upstream failure")
	// ErrInvariantViolation: 领域不变量违例（如已批量文档数与命中数不符）。
	ErrInvariantViolation = errors.New("invariant violation")
)
