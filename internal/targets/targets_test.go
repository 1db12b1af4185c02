package targets

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"cirrusslice/internal/cirrus"
	"cirrusslice/pkg/contract"
)

// 标题命中后移除标题与全部别名；后续别名文档不再命中
func TestTitleSetDogCanineCat(t *testing.T) {
	s := NewTitleSet([]string{"Dog", "Cat"})
	docs := []contract.Record{
		{Title: "Dog"},
		{Title: "Canine", Aliases: []string{"Dog"}},
		{Title: "Cat"},
	}
	var got []string
	for _, d := range docs {
		if k, ok := s.Match(d); ok {
			got = append(got, k)
		}
	}
	if !reflect.DeepEqual(got, []string{"Dog", "Cat"}) {
		t.Fatalf("命中序列错误: %v", got)
	}
	if s.Len() != 0 || len(s.Remaining()) != 0 {
		t.Fatalf("剩余集合应为空: %v", s.Remaining())
	}
}

// 经别名命中：返回别名键，同时移除其余别名
func TestTitleSetAliasMatchRemovesAll(t *testing.T) {
	s := NewTitleSet([]string{"Hound", "Puppy", "Wolf", "Hound"})
	if s.Len() != 3 {
		t.Fatalf("重复应合并, len=%d", s.Len())
	}
	k, ok := s.Match(contract.Record{Title: "Dog", Aliases: []string{"Puppy", "Hound", "Absent"}})
	if !ok || k != "Puppy" {
		t.Fatalf("应经首个在集合内的别名命中: %q %v", k, ok)
	}
	if !reflect.DeepEqual(s.Remaining(), []string{"Wolf"}) {
		t.Fatalf("剩余错误: %v", s.Remaining())
	}
	if s.Remove("Absent") || s.Remove("Puppy") {
		t.Fatalf("移除不存在的键应为 no-op")
	}
	if _, ok := s.Match(contract.Record{Title: "Cat"}); ok {
		t.Fatalf("不应命中")
	}
}

// 仅精确匹配
func TestTitleSetExactOnly(t *testing.T) {
	s := NewTitleSet([]string{"Dog"})
	for _, title := range []string{"dog", "Dog ", "DOG"} {
		if _, ok := s.Match(contract.Record{Title: title}); ok {
			t.Fatalf("%q 不应命中", title)
		}
	}
}

func TestIDSet(t *testing.T) {
	s := NewIDSet([]uint32{30, 10, 20, 10})
	if s.Len() != 3 {
		t.Fatalf("len=%d", s.Len())
	}
	if k, ok := s.Match(contract.Record{ID: "10"}); !ok || k != "10" {
		t.Fatalf("ID 应命中")
	}
	if _, ok := s.Match(contract.Record{ID: "10"}); ok {
		t.Fatalf("重复命中")
	}
	if _, ok := s.Match(contract.Record{ID: "x"}); ok {
		t.Fatalf("非数字不应命中")
	}
	if !reflect.DeepEqual(s.Remaining(), []string{"30", "20"}) {
		t.Fatalf("剩余应按载入顺序: %v", s.Remaining())
	}
}

func TestLoadSlice(t *testing.T) {
	ts, err := LoadSlice(strings.NewReader("  Dog \n\nCat\r\nBig Cat"), false)
	if err != nil {
		t.Fatalf("载入失败: %v", err)
	}
	if !reflect.DeepEqual(ts.Remaining(), []string{"Dog", "Cat", "Big Cat"}) {
		t.Fatalf("载入错误: %v", ts.Remaining())
	}
	if _, err := LoadSlice(strings.NewReader("12\nabc\n"), true); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("非数字 ID 应报错, 实得 %v", err)
	}
	ids, err := LoadSlice(strings.NewReader("12\n7\n"), true)
	if err != nil || ids.Len() != 2 {
		t.Fatalf("ID 载入失败: %v", err)
	}
}

// 边车第 n 行 → 文档 n → 元数据行 2n-1
func TestTitleIndex(t *testing.T) {
	ix, err := LoadTitleIndex(strings.NewReader("Dog\n\nCat\nDog\nLast"))
	if err != nil {
		t.Fatalf("载入失败: %v", err)
	}
	cases := map[string]int64{"Dog": 1, "Cat": 5, "Last": 9}
	for title, want := range cases {
		got, ok := ix.MetaLine(title)
		if !ok || got != want {
			t.Fatalf("%s: got %d want %d", title, got, want)
		}
	}
	if _, ok := ix.MetaLine("Nope"); ok {
		t.Fatalf("不存在的标题")
	}
	if len(ix) != 3 {
		t.Fatalf("空行不应入索引: %v", ix)
	}
}

// 生成的边车与载入互逆
func TestWriteTitleIndexRoundTrip(t *testing.T) {
	dump := "{\"index\":{\"_type\":\"page\",\"_id\":\"1\"}}\n{\"title\":\"Dog\",\"namespace\":0}\n" +
		"{\"index\":{\"_type\":\"file\",\"_id\":\"2\"}}\n{}\n" +
		"{\"index\":{\"_type\":\"page\",\"_id\":\"3\"}}\n{\"title\":\"Talk:Dog\",\"namespace\":1}\n"
	var out bytes.Buffer
	n, err := WriteTitleIndex(cirrus.NewScanner(strings.NewReader(dump), cirrus.Options{Raw: true}), &out)
	if err != nil || n != 3 {
		t.Fatalf("生成失败: n=%d err=%v", n, err)
	}
	if out.String() != "Dog\n\nTalk:Dog\n" {
		t.Fatalf("边车内容错误: %q", out.String())
	}
	ix, _ := LoadTitleIndex(&out)
	if l, _ := ix.MetaLine("Talk:Dog"); l != 5 {
		t.Fatalf("行号错误: %d", l)
	}
}
