package targets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cirrusslice/internal/cirrus"
	"cirrusslice/pkg/contract"
)

// ReadLines 读取每行一个目标：去除首尾空白，忽略空行。
func ReadLines(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var out []string
	for {
		line, err := br.ReadString('\n')
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
	}
}

// LoadSlice 读取切片清单；ids=true 时构造页面 ID 集合，非数字行报 ErrInvalidInput。
func LoadSlice(r io.Reader, ids bool) (contract.TargetSet, error) {
	lines, err := ReadLines(r)
	if err != nil {
		return nil, err
	}
	if !ids {
		return NewTitleSet(lines), nil
	}
	return ParseIDs(lines)
}

// ParseIDs 将字符串目标解析为 ID 集合。
func ParseIDs(lines []string) (*IDSet, error) {
	vals := make([]uint32, 0, len(lines))
	for i, l := range lines {
		v, err := strconv.ParseUint(l, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("target %d %q not a page id: %w", i+1, l, contract.ErrInvalidInput)
		}
		vals = append(vals, uint32(v))
	}
	return NewIDSet(vals), nil
}

// TitleIndex: 标题 → 1 起文档序号；文档 n 位于转储第 2n-1（元数据）与 2n（内容）行。
type TitleIndex map[string]int64

// MetaLine 返回标题对应文档的元数据行号。
func (ix TitleIndex) MetaLine(title string) (int64, bool) {
	n, ok := ix[title]
	if !ok {
		return 0, false
	}
	return 2*n - 1, true
}

// LoadTitleIndex 读取标题边车：第 n 行描述第 n 个文档；空行跳过但占序号，重复标题首次为准。
func LoadTitleIndex(r io.Reader) (TitleIndex, error) {
	br := bufio.NewReader(r)
	ix := TitleIndex{}
	var n int64
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			n++
			t := strings.TrimRight(line, "\r\n")
			if t != "" {
				if _, dup := ix[t]; !dup {
					ix[t] = n
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ix, nil
			}
			return nil, err
		}
	}
}

// WriteTitleIndex 以 Raw 模式扫描转储，每个文档写一行：page 文档写标题，其余写空行。
// 返回写入的文档数。
func WriteTitleIndex(sc *cirrus.Scanner, w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for {
		rec, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		title := ""
		if rec.Type == "page" {
			title = strings.NewReplacer("\n", " ", "\r", " ").Replace(rec.Title)
		}
		if _, err := bw.WriteString(title + "\n"); err != nil {
			return n, err
		}
		n++
	}
	return n, bw.Flush()
}
