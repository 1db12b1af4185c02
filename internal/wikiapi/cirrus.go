package wikiapi

import (
	"context"
	"fmt"
	"net/url"

	"cirrusslice/pkg/contract"
)

type contentPage struct {
	Content struct {
		Page map[string]any `json:"page"`
	} `json:"content"`
}

// IndexSettings 拉取 cirrus-settings-dump，返回 content.page.index 下的 analysis 与 similarity。
func (c *Client) IndexSettings(ctx context.Context) (analysis, similarity any, err error) {
	var r contentPage
	p := url.Values{}
	p.Set("action", "cirrus-settings-dump")
	if err := c.get(ctx, p, &r); err != nil {
		return nil, nil, err
	}
	idx, ok := r.Content.Page["index"].(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("cirrus-settings-dump: missing content.page.index: %w", contract.ErrUpstream)
	}
	analysis, similarity = idx["analysis"], idx["similarity"]
	if analysis == nil {
		return nil, nil, fmt.Errorf("cirrus-settings-dump: missing analysis: %w", contract.ErrUpstream)
	}
	return analysis, similarity, nil
}

// PageMapping 拉取 cirrus-mapping-dump，返回 content.page 映射（无类型）。
func (c *Client) PageMapping(ctx context.Context) (map[string]any, error) {
	var r contentPage
	p := url.Values{}
	p.Set("action", "cirrus-mapping-dump")
	if err := c.get(ctx, p, &r); err != nil {
		return nil, err
	}
	if len(r.Content.Page) == 0 {
		return nil, fmt.Errorf("cirrus-mapping-dump: missing content.page: %w", contract.ErrUpstream)
	}
	return r.Content.Page, nil
}

// IndexBody 组装建索引请求体：{"settings":{"index":{analysis,similarity}},"mappings":<page>}。
func (c *Client) IndexBody(ctx context.Context) (map[string]any, error) {
	analysis, similarity, err := c.IndexSettings(ctx)
	if err != nil {
		return nil, err
	}
	mapping, err := c.PageMapping(ctx)
	if err != nil {
		return nil, err
	}
	index := map[string]any{"analysis": analysis}
	if similarity != nil {
		index["similarity"] = similarity
	}
	return map[string]any{
		"settings": map[string]any{"index": index},
		"mappings": mapping,
	}, nil
}
