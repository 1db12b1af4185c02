package elastic

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/segmentio/encoding/json"

	"cirrusslice/pkg/contract"
)

const scrollKeepAlive = time.Minute

type scrollResp struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Export 以 scroll 遍历整个索引（match_all），对每个文档回调 field 的字符串值（缺失为空串）。
// 返回遍历的文档数。
func (s *Sink) Export(ctx context.Context, field string, pageSize int, fn func(id, value string) error) (int64, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	query := []byte(`{"query":{"match_all":{}}}`)
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(bytes.NewReader(query)),
		s.es.Search.WithScroll(scrollKeepAlive),
		s.es.Search.WithSize(pageSize),
		s.es.Search.WithSource(field),
	)
	if err != nil {
		return 0, ctxErr(ctx, err)
	}
	var n int64
	scrollID := ""
	defer func() {
		if scrollID != "" {
			if cr, err := s.es.ClearScroll(s.es.ClearScroll.WithScrollID(scrollID)); err == nil {
				cr.Body.Close()
			}
		}
	}()
	for {
		page, err := decodeScroll(res)
		if err != nil {
			return n, err
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
		if len(page.Hits.Hits) == 0 {
			return n, nil
		}
		for _, h := range page.Hits.Hits {
			v := ""
			if sv, ok := h.Source[field].(string); ok {
				v = sv
			} else if x, ok := h.Source[field]; ok && x != nil {
				v = fmt.Sprint(x)
			}
			if err := fn(h.ID, v); err != nil {
				return n, err
			}
			n++
		}
		res, err = s.es.Scroll(
			s.es.Scroll.WithContext(ctx),
			s.es.Scroll.WithScrollID(scrollID),
			s.es.Scroll.WithScroll(scrollKeepAlive),
		)
		if err != nil {
			return n, ctxErr(ctx, err)
		}
	}
}

func decodeScroll(res *esapi.Response) (*scrollResp, error) {
	defer res.Body.Close()
	if res.IsError() {
		return nil, asUpstream("scroll", res)
	}
	var page scrollResp
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode scroll response: %v: %w", err, contract.ErrUpstream)
	}
	return &page, nil
}
