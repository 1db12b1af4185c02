package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cirrusslice/pkg/contract"
)

// LimitKey: 限流分组键（例如 elastic:<host>/<index>）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM           int // bulk 请求数/分钟
	DPM           int // 文档数/分钟
	MaxDocsPerReq int // 单次 bulk 文档数上限，0 表示不限制
}

// Ask: 一次 bulk 提交的放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Docs     int // 本批文档数（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait 阻塞直到两个维度的额度都可用或 ctx 取消；违反单请求上限时立即失败。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞；额度不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (reqAvail, docAvail int)
}

// NewGate 由静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, groups: make(map[LimitKey]*group, len(m))}
	now := clk()
	for k, lim := range m {
		g.groups[k] = newGroup(lim, now)
	}
	return g
}

type gate struct {
	clk    func() time.Time
	mu     sync.Mutex
	groups map[LimitKey]*group
}

// group: 一个分组的两个令牌桶。
type group struct {
	mu       sync.Mutex
	maxDocs  int
	requests tokens
	docs     tokens
}

// tokens: 每分钟补满 per 个令牌的桶；per<=0 表示不限。
type tokens struct {
	per   int
	avail float64
	at    time.Time
}

func newGroup(lim Limits, now time.Time) *group {
	return &group{
		maxDocs:  lim.MaxDocsPerReq,
		requests: tokens{per: lim.RPM, avail: float64(lim.RPM), at: now},
		docs:     tokens{per: lim.DPM, avail: float64(lim.DPM), at: now},
	}
}

func (t *tokens) advance(now time.Time) {
	if t.per <= 0 || !now.After(t.at) {
		// 时钟回拨视为无时间流逝
		return
	}
	t.avail += now.Sub(t.at).Seconds() * float64(t.per) / 60
	if t.avail > float64(t.per) {
		t.avail = float64(t.per)
	}
	t.at = now
}

// shortfall 返回取 n 个令牌还缺多久；超过容量的申请按容量计，桶满即放行。
func (t *tokens) shortfall(n int) time.Duration {
	if t.per <= 0 || n <= 0 {
		return 0
	}
	if n > t.per {
		n = t.per
	}
	missing := float64(n) - t.avail
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(t.per) * float64(time.Minute))
}

func (t *tokens) spend(n int) {
	if t.per <= 0 || n <= 0 {
		return
	}
	t.avail -= float64(n)
	if t.avail < 0 {
		t.avail = 0
	}
}

func (t *tokens) level() int {
	if t.per <= 0 || t.avail < 0 {
		return 0
	}
	return int(t.avail)
}

func (g *gate) lookup(key LimitKey) *group {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp := g.groups[key]
	if grp == nil {
		// 未配置的分组不限额
		grp = newGroup(Limits{}, g.clk())
		g.groups[key] = grp
	}
	return grp
}

func (g *gate) check(a Ask) (*group, error) {
	if a.Requests <= 0 || a.Docs < 0 {
		return nil, fmt.Errorf("rate ask %+v: %w", a, contract.ErrInvalidInput)
	}
	grp := g.lookup(a.Key)
	if grp.maxDocs > 0 && a.Docs > grp.maxDocs {
		return nil, fmt.Errorf("bulk of %d docs exceeds %d: %w", a.Docs, grp.maxDocs, contract.ErrInvalidInput)
	}
	return grp, nil
}

// reserve 尝试扣减两个维度；不足时不扣减并返回需等待的时长。
func (grp *group) reserve(a Ask, now time.Time) time.Duration {
	grp.mu.Lock()
	defer grp.mu.Unlock()
	grp.requests.advance(now)
	grp.docs.advance(now)
	wait := grp.requests.shortfall(a.Requests)
	if d := grp.docs.shortfall(a.Docs); d > wait {
		wait = d
	}
	if wait > 0 {
		return wait
	}
	grp.requests.spend(a.Requests)
	grp.docs.spend(a.Docs)
	return 0
}

func (g *gate) Try(a Ask) bool {
	grp, err := g.check(a)
	if err != nil {
		return false
	}
	return grp.reserve(a, g.clk()) == 0
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	grp, err := g.check(a)
	if err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := grp.reserve(a, g.clk())
		if wait == 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait+minSleep); err != nil {
			return err
		}
	}
}

// sleepCtx 以不超过 200ms 的步长睡眠，及时响应取消。
func sleepCtx(ctx context.Context, d time.Duration) error {
	const step = 200 * time.Millisecond
	for d > 0 {
		s := min(d, step)
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot 返回两维度当前可用额度（向下取整，仅诊断）；未启用的维度为 0。
func (g *gate) Snapshot(key LimitKey) (reqAvail, docAvail int) {
	grp := g.lookup(key)
	now := g.clk()
	grp.mu.Lock()
	defer grp.mu.Unlock()
	grp.requests.advance(now)
	grp.docs.advance(now)
	return grp.requests.level(), grp.docs.level()
}

var (
	_ Gate       = (*gate)(nil)
	_ Snapshoter = (*gate)(nil)
)
