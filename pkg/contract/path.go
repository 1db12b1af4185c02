package contract

import (
	"fmt"
	"strings"
)

// ExportFileName 将文档 ID 映射为导出文件名 "<id>.txt"。
// 规则：
// - 统一反斜杠为正斜杠后，ID 不得含分隔符；
// - 拒绝空串、"." 与 ".."。
// 违例返回 ErrPathInvalid。
func ExportFileName(id string) (string, error) {
	s := strings.ReplaceAll(id, "\\", "/")
	if s == "" || s == "." || s == ".." || strings.Contains(s, "/") {
		return "", fmt.Errorf("document id %q: %w", id, ErrPathInvalid)
	}
	return s + ".txt", nil
}
