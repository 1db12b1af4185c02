package rate

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyFor 由目标集群地址与索引名构造限流分组键：<sink>:<hosts>/<index>。
// 地址中的用户信息不进入键名；多个地址排序后以 sha256 摘要合并，保证同一集群同一键。
func KeyFor(sink string, addresses []string, index string) LimitKey {
	hosts := make([]string, 0, len(addresses))
	for _, a := range addresses {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Host
		}
		hosts = append(hosts, strings.ToLower(a))
	}
	sort.Strings(hosts)
	host := "default"
	switch len(hosts) {
	case 0:
	case 1:
		host = hosts[0]
	default:
		sum := sha256.Sum256([]byte(strings.Join(hosts, ",")))
		host = fmt.Sprintf("%x", sum[:6])
	}
	return LimitKey(fmt.Sprintf("%s:%s/%s", sink, host, strings.ToLower(index)))
}
