package contract

// TargetSet: 尚待查找的目标集合（标题或页面 ID）。
// 约束：
// - 单调收缩；空集合为扫描终止条件；
// - Match 仅做精确相等比较（不做模糊/归一化匹配）；
// - 命中后移除命中键及该文档的全部 namespace=0 别名；移除不存在的键为 no-op。
type TargetSet interface {
	Match(rec Record) (key string, ok bool)
	Len() int
	// Remaining 返回剩余目标（按载入顺序）。
	Remaining() []string
}
