package slicer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"cirrusslice/internal/cirrus"
	"cirrusslice/internal/diag"
	"cirrusslice/internal/targets"
	"cirrusslice/pkg/contract"
	"cirrusslice/plugins/sink/memory"
)

// lineFetcher 从内存行表取回行对。
type lineFetcher struct {
	lines []string
	calls int
}

func (f *lineFetcher) Fetch(ctx context.Context, dump string, metaLine int64) ([]byte, []byte, error) {
	f.calls++
	if metaLine < 1 || int(metaLine) >= len(f.lines) {
		return nil, nil, fmt.Errorf("line %d: %w", metaLine, contract.ErrMalformedDocument)
	}
	return []byte(f.lines[metaLine-1] + "\n"), []byte(f.lines[metaLine] + "\n"), nil
}

func index(t *testing.T, titles ...string) targets.TitleIndex {
	t.Helper()
	ix, err := targets.LoadTitleIndex(strings.NewReader(strings.Join(titles, "\n") + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	return ix
}

func TestRun_Lookup(t *testing.T) {
	lf := &lineFetcher{lines: animals}
	sink := memory.New(nil)
	set := Settings{Mode: ModeLookup, Dump: "animals.json", Index: index(t, "Dog", "Canine", "Cat")}
	rep, err := Run(context.Background(), Components{Sink: sink, Lookup: lf}, set,
		targets.NewTitleSet([]string{"Cat", "Hound", "Dog", "Unicorn"}), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Hound 不在索引中但作为 Dog 的别名被移除；Unicorn 缺失
	if got := titlesOf(sink.Records()); !reflect.DeepEqual(got, []string{"Cat", "Dog"}) {
		t.Fatalf("命中=%v", got)
	}
	if !reflect.DeepEqual(rep.Remaining, []string{"Unicorn"}) {
		t.Fatalf("剩余=%v", rep.Remaining)
	}
	if lf.calls != 2 {
		t.Fatalf("只应取回索引中的标题: calls=%d", lf.calls)
	}
	if rec := sink.Records()[0]; rec.Line != 5 || string(rec.Meta) != animals[4]+"\n" {
		t.Fatalf("行号/原始字节异常: line=%d meta=%q", rec.Line, rec.Meta)
	}
}

func TestRun_Lookup_Mismatch(t *testing.T) {
	diag.ResetMetrics()
	lf := &lineFetcher{lines: animals}
	sink := memory.New(nil)
	// 过期索引：Cat 实际位于第 3 个文档
	set := Settings{Mode: ModeLookup, Index: index(t, "Dog", "Cat", "Canine", "", "Ghost")}
	rep, err := Run(context.Background(), Components{Sink: sink, Lookup: lf}, set,
		targets.NewTitleSet([]string{"Dog", "Cat", "Ghost"}), nil)
	if err != nil {
		t.Fatalf("不一致不应中止: %v", err)
	}
	if rep.Mismatch != 2 || rep.Found != 1 {
		t.Fatalf("报告异常: %+v", rep)
	}
	if !reflect.DeepEqual(rep.Remaining, []string{"Cat", "Ghost"}) {
		t.Fatalf("剩余=%v", rep.Remaining)
	}
	if diag.Counter(diag.OpKey("slicer", "lookup", "mismatch")) != 2 {
		t.Fatalf("应计数 mismatch: %v", diag.Snapshot())
	}
}

func TestRun_Lookup_MismatchAbort(t *testing.T) {
	lf := &lineFetcher{lines: animals}
	set := Settings{Mode: ModeLookup, Malformed: cirrus.PolicyAbort, Index: index(t, "Dog", "Cat")}
	_, err := Run(context.Background(), Components{Sink: memory.New(nil), Lookup: lf}, set,
		targets.NewTitleSet([]string{"Cat"}), nil)
	if !errors.Is(err, contract.ErrTitleMismatch) {
		t.Fatalf("abort 策略下应为 ErrTitleMismatch: %v", err)
	}
}

func TestRun_Lookup_RequiresTitles(t *testing.T) {
	ids, _ := targets.ParseIDs([]string{"1"})
	set := Settings{Mode: ModeLookup, Index: index(t, "Dog")}
	_, err := Run(context.Background(), Components{Sink: memory.New(nil), Lookup: &lineFetcher{lines: animals}}, set, ids, nil)
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("ID 集合应为 ErrInvalidInput: %v", err)
	}
}
