package wikiapi

import (
	"context"
	"net/url"
	"sort"
	"strings"
)

const (
	nsMain     = 0
	nsCategory = 14
)

// Member: categorymembers 列表项。
type Member struct {
	PageID int64  `json:"pageid"`
	NS     int    `json:"ns"`
	Title  string `json:"title"`
}

type membersResp struct {
	Continue map[string]string `json:"continue"`
	Query    struct {
		Members []Member `json:"categorymembers"`
	} `json:"query"`
}

// CategoryMembers 列出分类的直接成员，自动跟随 continue 令牌。
func (c *Client) CategoryMembers(ctx context.Context, category string, fn func(Member) error) error {
	cont := map[string]string{}
	for {
		p := url.Values{}
		p.Set("action", "query")
		p.Set("list", "categorymembers")
		p.Set("cmtitle", CategoryTitle(category))
		p.Set("cmlimit", "max")
		p.Set("cmprop", "ids|title")
		for k, v := range cont {
			p.Set(k, v)
		}
		var r membersResp
		if err := c.get(ctx, p, &r); err != nil {
			return err
		}
		for _, m := range r.Query.Members {
			if err := fn(m); err != nil {
				return err
			}
		}
		if len(r.Continue) == 0 {
			return nil
		}
		cont = r.Continue
	}
}

// CategoryTitle 规范化分类名：补 "Category:" 前缀，下划线转空格。
func CategoryTitle(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	if strings.HasPrefix(name, "Category:") {
		return name
	}
	return "Category:" + name
}

// CategoryNode: 访问到的分类及其层级（根为 1）。
type CategoryNode struct {
	Level int
	Title string
}

// CrawlResult: 广度优先抓取结果。
type CrawlResult struct {
	// Pages: 主命名空间页面，按标题排序、去重。
	Pages []Member
	// Categories: 按访问顺序的分类树节点。
	Categories []CategoryNode
}

// Crawl 自根分类广度优先遍历；每个子分类只访问一次。
// maxDepth<=0 表示不限深度；maxDepth=1 仅列根分类的直接成员。
func (c *Client) Crawl(ctx context.Context, root string, maxDepth int) (*CrawlResult, error) {
	type item struct {
		title string
		level int
	}
	rootTitle := CategoryTitle(root)
	visited := map[string]bool{rootTitle: true}
	pages := map[string]Member{}
	res := &CrawlResult{}
	queue := []item{{rootTitle, 1}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		res.Categories = append(res.Categories, CategoryNode{Level: cur.level, Title: cur.title})
		err := c.CategoryMembers(ctx, cur.title, func(m Member) error {
			switch m.NS {
			case nsMain:
				if _, ok := pages[m.Title]; !ok {
					pages[m.Title] = m
				}
			case nsCategory:
				if visited[m.Title] || (maxDepth > 0 && cur.level >= maxDepth) {
					return nil
				}
				visited[m.Title] = true
				queue = append(queue, item{m.Title, cur.level + 1})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	res.Pages = make([]Member, 0, len(pages))
	for _, m := range pages {
		res.Pages = append(res.Pages, m)
	}
	sort.Slice(res.Pages, func(i, j int) bool { return res.Pages[i].Title < res.Pages[j].Title })
	return res, nil
}

// Titles 返回页面标题列表（已排序）。
func (r *CrawlResult) Titles() []string {
	out := make([]string, len(r.Pages))
	for i, p := range r.Pages {
		out[i] = p.Title
	}
	return out
}
