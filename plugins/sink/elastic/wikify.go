package elastic

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"

	"cirrusslice/pkg/contract"
)

// DefaultWikifySize: 未指定时返回的候选条目数。
const DefaultWikifySize = 10

// Candidate: 一条维基化候选。
type Candidate struct {
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

type searchResp struct {
	Hits struct {
		Hits []struct {
			Score  float64 `json:"_score"`
			Source struct {
				Title string `json:"title"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Wikify 以 text 字段的 match 查询检索切片索引，按相关度返回前 n 个条目。
func (s *Sink) Wikify(ctx context.Context, text string, n int) ([]Candidate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("wikify: empty text: %w", contract.ErrInvalidInput)
	}
	if n <= 0 {
		n = DefaultWikifySize
	}
	body, err := json.Marshal(map[string]any{
		"query":   map[string]any{"match": map[string]any{"text": text}},
		"size":    n,
		"_source": []string{"title"},
	})
	if err != nil {
		return nil, err
	}
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, asUpstream("search", res)
	}
	var sr searchResp
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %v: %w", err, contract.ErrUpstream)
	}
	out := make([]Candidate, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		if len(out) == n {
			break
		}
		out = append(out, Candidate{Title: h.Source.Title, Score: h.Score})
	}
	return out, nil
}
