package cirrus

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/segmentio/encoding/json"

	"cirrusslice/internal/diag"
	"cirrusslice/pkg/contract"
)

// Policy: 畸形文档的统一处理策略。
type Policy string

const (
	// PolicySkip 记录日志与计数后跳过该文档（默认）。
	PolicySkip Policy = "skip"
	// PolicyAbort 返回 contract.ErrMalformedDocument（带行号）。
	PolicyAbort Policy = "abort"
)

// ParsePolicy 解析策略名；空串为 skip。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyAbort:
		return PolicyAbort, nil
	}
	return "", fmt.Errorf("malformed policy %q: %w", s, contract.ErrInvalidInput)
}

// Options 控制扫描行为。
type Options struct {
	// Raw: 不按类型/命名空间过滤，逐对产出所有文档（索引边车、批量导入使用）。
	// skip 策略下畸形文档也会产出（字段为空），保证第 n 个产出即第 n 个文档。
	Raw       bool
	Malformed Policy
	// Dump 仅用于日志字段。
	Dump   string
	Logger *diag.Logger
}

// Stats: 扫描计数。
type Stats struct {
	Docs      int64 // 读到的文档对
	Skipped   int64 // 非 page / 非数字 ID / 非主命名空间
	Malformed int64
}

// Scanner 逐对读取 cirrus 转储：元数据行 + 内容行。
type Scanner struct {
	br    *bufio.Reader
	opts  Options
	line  int64
	stats Stats
	done  bool
}

// NewScanner 包装给定字节流；调用方负责关闭底层 reader。
func NewScanner(r io.Reader, opts Options) *Scanner {
	if opts.Malformed == "" {
		opts.Malformed = PolicySkip
	}
	return &Scanner{br: bufio.NewReaderSize(r, 1<<20), opts: opts}
}

// Stats 返回当前计数快照。
func (s *Scanner) Stats() Stats { return s.stats }

type action struct {
	Index *struct {
		Type *string `json:"_type"`
		ID   any     `json:"_id"`
	} `json:"index"`
}

type redirect struct {
	Title     string `json:"title"`
	Namespace int    `json:"namespace"`
}

type source struct {
	Title     *string    `json:"title"`
	Namespace *int       `json:"namespace"`
	Redirect  []redirect `json:"redirect"`
}

// Next 返回下一个候选文档；流结束返回 io.EOF。
// 非 Raw 模式下仅产出 page 类型、数字 ID、namespace=0 的文档。
func (s *Scanner) Next() (contract.Record, error) {
	for {
		if s.done {
			return contract.Record{}, io.EOF
		}
		rec, keep, err := s.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
			}
			return contract.Record{}, err
		}
		if keep {
			return rec, nil
		}
	}
}

func (s *Scanner) next() (contract.Record, bool, error) {
	meta, err := s.readLine()
	if len(bytes.TrimSpace(meta)) < 2 {
		if err != nil && !errors.Is(err, io.EOF) {
			return contract.Record{}, false, err
		}
		return contract.Record{}, false, io.EOF
	}
	if err != nil {
		return contract.Record{}, false, err
	}
	metaLine := s.line
	content, cerr := s.readLine()
	if cerr != nil && !errors.Is(cerr, io.EOF) {
		return contract.Record{}, false, cerr
	}
	if len(content) == 0 {
		s.done = true
		if merr := s.malformed(metaLine, "content line missing"); merr != nil {
			return contract.Record{}, false, merr
		}
		return contract.Record{}, false, io.EOF
	}
	s.stats.Docs++
	rec := contract.Record{Meta: meta, Content: content, Line: metaLine}

	var act action
	if err := json.Unmarshal(meta, &act); err != nil || act.Index == nil {
		return rec, s.opts.Raw, s.malformed(metaLine, "metadata line not an index action")
	}
	rec.Type = "page"
	if act.Index.Type != nil {
		rec.Type = *act.Index.Type
	}
	id, ok := idString(act.Index.ID)
	if !ok {
		return rec, s.opts.Raw, s.malformed(metaLine, "metadata line missing _id")
	}
	rec.ID = id
	isPage := rec.Type == "page" && isNumeric(id)
	if !isPage {
		// 内容行不解析，直接丢弃
		s.stats.Skipped++
		return rec, s.opts.Raw, nil
	}

	var src source
	if err := json.Unmarshal(content, &src); err != nil {
		return rec, s.opts.Raw, s.malformed(metaLine+1, "content line not JSON")
	}
	if src.Namespace == nil {
		return rec, s.opts.Raw, s.malformed(metaLine+1, "content line missing namespace")
	}
	if src.Title != nil {
		rec.Title = *src.Title
	}
	rec.Namespace = contract.Namespace(*src.Namespace)
	for _, r := range src.Redirect {
		if contract.Namespace(r.Namespace) == contract.MainNamespace {
			rec.Aliases = append(rec.Aliases, r.Title)
		}
	}
	if s.opts.Raw {
		return rec, true, nil
	}
	if rec.Namespace != contract.MainNamespace {
		s.stats.Skipped++
		return rec, false, nil
	}
	if src.Title == nil {
		return rec, false, s.malformed(metaLine+1, "content line missing title")
	}
	return rec, true, nil
}

// readLine 读取一整行（不限长度）。流尾缺少换行的末行补齐 '\n'，保证输出仍是逐行 NDJSON；
// 流尾空行返回空切片。
func (s *Scanner) readLine() ([]byte, error) {
	b, err := s.br.ReadBytes('\n')
	if len(b) == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	s.line++
	if b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return b, err
}

// malformed 为唯一的畸形文档决策点：skip 返回 nil，abort 返回包装后的哨兵错误。
func (s *Scanner) malformed(line int64, reason string) error {
	s.stats.Malformed++
	diag.IncOp("scanner", "parse", "malformed")
	if s.opts.Malformed == PolicyAbort {
		return fmt.Errorf("line %d: %s: %w", line, reason, contract.ErrMalformedDocument)
	}
	s.opts.Logger.Warn("scanner", string(diag.CodeProtocol), "skip malformed document", map[string]string{
		"line":   strconv.FormatInt(line, 10),
		"reason": reason,
		"dump":   s.opts.Dump,
	})
	return nil
}

func idString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	}
	return "", false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
