package contract

// Namespace: MediaWiki 命名空间编号；0 为主命名空间（条目）。
type Namespace int

// MainNamespace: 主命名空间。
const MainNamespace Namespace = 0

// Record: 一个 cirrus 文档（元数据行 + 内容行）。
// 约束：
// - Meta/Content 为原样字节（含行尾换行），输出时不做任何改写；
// - 解析字段仅用于匹配与诊断，扫描器在 Raw 模式下可能只填充部分字段；
// - Aliases 仅包含 namespace=0 的重定向标题，按出现顺序。
type Record struct {
	Meta    []byte
	Content []byte
	// Line: 元数据行在转储中的行号（1 起）。
	Line int64

	ID        string
	Type      string
	Title     string
	Namespace Namespace
	Aliases   []string

	// Matched: 命中该文档的目标键（标题、别名或页面 ID）；未经匹配时为空。
	Matched string
}

// Batch: 待交付 Sink 的有序文档批。
// Seq 自 0 起严格递增；Planned 为运行前估算的批总数，仅用于输出命名的补零宽度。
type Batch struct {
	Seq     int
	Planned int
	Records []Record
}

// Lines 返回批内的行数（每文档两行）。
func (b Batch) Lines() int { return 2 * len(b.Records) }
