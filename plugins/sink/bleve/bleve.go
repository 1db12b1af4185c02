package bleve

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve"
	_ "github.com/blevesearch/bleve/analysis/lang/en"
	"github.com/blevesearch/bleve/mapping"
	"github.com/segmentio/encoding/json"

	"cirrusslice/pkg/contract"
)

// Options: 本地索引配置。
type Options struct {
	// Path: 索引目录（必需）。
	Path string `json:"path"`
	// Analyzer: 文本字段分析器，standard|en。默认 standard。
	Analyzer string `json:"analyzer"`
	// Recreate: Prepare 时删除已有索引目录后重建。默认 true。
	Recreate *bool `json:"recreate,omitempty"`
	// StoreText: 是否存储 text 字段原文（体积较大）。默认 false。
	StoreText bool `json:"store_text"`
}

// Page 为写入本地索引的文档结构。
type Page struct {
	Title       string   `json:"title"`
	Namespace   int      `json:"namespace"`
	Redirect    []string `json:"redirect"`
	Text        string   `json:"text"`
	OpeningText string   `json:"opening_text"`
}

// Type 实现 bleve 的文档类型分类。
func (Page) Type() string { return "page" }

type source struct {
	Title     string `json:"title"`
	Namespace int    `json:"namespace"`
	Redirect  []struct {
		Title     string `json:"title"`
		Namespace int    `json:"namespace"`
	} `json:"redirect"`
	Text        string `json:"text"`
	OpeningText string `json:"opening_text"`
}

// Sink 将命中文档写入本地 bleve 索引，文档 ID 为页面 ID。
type Sink struct {
	path      string
	analyzer  string
	recreate  bool
	storeText bool
	idx       bleve.Index
}

var (
	_ contract.Sink     = (*Sink)(nil)
	_ contract.Preparer = (*Sink)(nil)
)

// New 校验选项；索引在 Prepare（或首次 Write）时打开。
func New(opts *Options) (*Sink, error) {
	if opts == nil || strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("bleve sink: path required: %w", contract.ErrInvalidInput)
	}
	an := strings.ToLower(strings.TrimSpace(opts.Analyzer))
	switch an {
	case "":
		an = "standard"
	case "standard", "en":
	default:
		return nil, fmt.Errorf("bleve sink: analyzer %q: %w", opts.Analyzer, contract.ErrInvalidInput)
	}
	recreate := true
	if opts.Recreate != nil {
		recreate = *opts.Recreate
	}
	return &Sink{path: opts.Path, analyzer: an, recreate: recreate, storeText: opts.StoreText}, nil
}

func (s *Sink) buildMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = s.analyzer
	text.Store = s.storeText
	stored := bleve.NewTextFieldMapping()
	stored.Analyzer = s.analyzer
	num := bleve.NewNumericFieldMapping()

	page := bleve.NewDocumentMapping()
	page.AddFieldMappingsAt("title", stored)
	page.AddFieldMappingsAt("redirect", stored)
	page.AddFieldMappingsAt("namespace", num)
	page.AddFieldMappingsAt("text", text)
	page.AddFieldMappingsAt("opening_text", stored)

	m := bleve.NewIndexMapping()
	m.DefaultType = "page"
	m.AddDocumentMapping("page", page)
	return m
}

// Prepare 打开（或重建）索引。
func (s *Sink) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.idx != nil {
		return nil
	}
	if s.recreate {
		if err := os.RemoveAll(s.path); err != nil {
			return err
		}
	}
	idx, err := bleve.Open(s.path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(s.path, s.buildMapping())
	}
	if err != nil {
		return fmt.Errorf("bleve open %s: %w", s.path, err)
	}
	s.idx = idx
	return nil
}

// Write 以单个 bleve batch 写入一批文档。
func (s *Sink) Write(ctx context.Context, b contract.Batch) error {
	if err := s.Prepare(ctx); err != nil {
		return err
	}
	batch := s.idx.NewBatch()
	for _, r := range b.Records {
		var src source
		if err := json.Unmarshal(r.Content, &src); err != nil {
			return fmt.Errorf("bleve: doc %s: %v: %w", r.ID, err, contract.ErrMalformedDocument)
		}
		p := Page{Title: src.Title, Namespace: src.Namespace, Text: src.Text, OpeningText: src.OpeningText}
		for _, rd := range src.Redirect {
			if rd.Namespace == int(contract.MainNamespace) {
				p.Redirect = append(p.Redirect, rd.Title)
			}
		}
		if err := batch.Index(r.ID, p); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.idx.Batch(batch)
}

// Count 返回索引内文档数。
func (s *Sink) Count() (uint64, error) {
	if s.idx == nil {
		return 0, nil
	}
	return s.idx.DocCount()
}

// SearchTitle 以 title 字段匹配查询，返回命中 ID（测试与抽查使用）。
func (s *Sink) SearchTitle(q string) ([]string, error) {
	if s.idx == nil {
		return nil, nil
	}
	mq := bleve.NewMatchQuery(q)
	mq.SetField("title")
	res, err := s.idx.Search(bleve.NewSearchRequest(mq))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, h.ID)
	}
	return out, nil
}

// Close 关闭索引。
func (s *Sink) Close() error {
	if s.idx == nil {
		return nil
	}
	err := s.idx.Close()
	s.idx = nil
	return err
}
