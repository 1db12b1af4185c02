package diag

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// 进程内计数器。名称：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累计）
var (
	metricsMu sync.Mutex
	counters  = map[string]int64{}
)

func bump(key string, n int64) {
	metricsMu.Lock()
	counters[key] += n
	metricsMu.Unlock()
}

// IncOp 累加操作计数（result=success|error|skip）。
func IncOp(comp, stage, result string) {
	bump("op_total{"+comp+","+stage+","+result+"}", 1)
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	bump("error_total{"+comp+","+code+"}", 1)
}

// ObserveDuration 累计阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	bump("op_duration_ms{"+comp+","+stage+"}", durMS)
}

// Counter 读取单个计数器当前值。
func Counter(key string) int64 {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	return counters[key]
}

// Snapshot 返回全部计数器的拷贝，按键排序后的 "key=value" 列表。
func Snapshot() []string {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	out := make([]string, 0, len(counters))
	for k, v := range counters {
		out = append(out, k+"="+strconv.FormatInt(v, 10))
	}
	sort.Strings(out)
	return out
}

// ResetMetrics 清空计数器（测试使用）。
func ResetMetrics() {
	metricsMu.Lock()
	counters = map[string]int64{}
	metricsMu.Unlock()
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// OpKey 构造 op_total 键，供调用方查询。
func OpKey(comp, stage, result string) string {
	return strings.Join([]string{"op_total{" + comp, stage, result + "}"}, ",")
}
