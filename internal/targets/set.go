package targets

import (
	"strconv"

	"github.com/RoaringBitmap/roaring"

	"cirrusslice/pkg/contract"
)

// TitleSet: 按标题精确匹配的目标集合。
// 移除为 O(1) 且幂等；Remaining 按载入顺序返回。
type TitleSet struct {
	idx   map[string]int
	order []string
	live  int
}

// NewTitleSet 以给定顺序构造；重复标题只保留首次。
func NewTitleSet(titles []string) *TitleSet {
	s := &TitleSet{idx: make(map[string]int, len(titles))}
	for _, t := range titles {
		s.add(t)
	}
	return s
}

func (s *TitleSet) add(t string) {
	if t == "" {
		return
	}
	if _, ok := s.idx[t]; ok {
		return
	}
	s.idx[t] = len(s.order)
	s.order = append(s.order, t)
	s.live++
}

// Has 报告标题是否仍待查找。
func (s *TitleSet) Has(t string) bool {
	_, ok := s.idx[t]
	return ok
}

// Remove 移除标题；不存在时为 no-op，返回是否实际移除。
func (s *TitleSet) Remove(t string) bool {
	i, ok := s.idx[t]
	if !ok {
		return false
	}
	delete(s.idx, t)
	s.order[i] = ""
	s.live--
	return true
}

// Match 先比较文档标题，再依次比较 namespace=0 别名。
// 命中后移除标题与全部别名（其中不在集合内的为 no-op）。
func (s *TitleSet) Match(rec contract.Record) (string, bool) {
	key := ""
	if s.Has(rec.Title) {
		key = rec.Title
	} else {
		for _, a := range rec.Aliases {
			if s.Has(a) {
				key = a
				break
			}
		}
	}
	if key == "" {
		return "", false
	}
	s.Remove(rec.Title)
	for _, a := range rec.Aliases {
		s.Remove(a)
	}
	return key, true
}

func (s *TitleSet) Len() int { return s.live }

func (s *TitleSet) Remaining() []string {
	out := make([]string, 0, s.live)
	for _, t := range s.order {
		if _, ok := s.idx[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// IDSet: 按页面 ID 精确匹配的目标集合（roaring 位图）。
type IDSet struct {
	bm    *roaring.Bitmap
	order []uint32
}

// NewIDSet 以给定顺序构造。
func NewIDSet(ids []uint32) *IDSet {
	s := &IDSet{bm: roaring.New()}
	for _, id := range ids {
		if s.bm.CheckedAdd(id) {
			s.order = append(s.order, id)
		}
	}
	return s
}

// Match 比较文档 _id；命中即移除。
func (s *IDSet) Match(rec contract.Record) (string, bool) {
	id, err := strconv.ParseUint(rec.ID, 10, 32)
	if err != nil {
		return "", false
	}
	if !s.bm.CheckedRemove(uint32(id)) {
		return "", false
	}
	return rec.ID, true
}

func (s *IDSet) Len() int { return int(s.bm.GetCardinality()) }

func (s *IDSet) Remaining() []string {
	out := make([]string, 0, s.Len())
	for _, id := range s.order {
		if s.bm.Contains(id) {
			out = append(out, strconv.FormatUint(uint64(id), 10))
		}
	}
	return out
}
