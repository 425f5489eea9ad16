package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/logger"
	"go4.org/netipx"
)

const (
	minCacheTTL = 30 * time.Second
	maxCacheTTL = time.Hour
)

type cacheEntry struct {
	addrs     []netip.Addr
	expiresAt time.Time
}

// Resolver 把已知主机和黑名单中的条目解析为地址或网段
type Resolver struct {
	servers []string
	client  *dns.Client
	mu      sync.Mutex
	cache   map[string]cacheEntry
	now     func() time.Time
	log     *logrus.Entry
}

// NewResolver 使用resolv.conf中的服务器
func NewResolver(resolvConf string) (*Resolver, error) {
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", resolvConf, err)
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return NewResolverWithServers(servers), nil
}

// NewResolverWithServers 使用指定的服务器(host:port)
func NewResolverWithServers(servers []string) *Resolver {
	return &Resolver{
		servers: servers,
		client:  &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
		log:     logger.GetDiscoveryLogger(),
	}
}

// Lookup 查询主机的A和AAAA记录，结果按TTL缓存
func (r *Resolver) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	name := dns.Fqdn(strings.ToLower(host))

	r.mu.Lock()
	if e, ok := r.cache[name]; ok && r.now().Before(e.expiresAt) {
		r.mu.Unlock()
		return e.addrs, nil
	}
	r.mu.Unlock()

	var addrs []netip.Addr
	ttl := maxCacheTTL
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, name, qtype)
		if err != nil {
			return nil, err
		}
		for _, ans := range resp.Answer {
			var ip net.IP
			switch rr := ans.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, addr.Unmap())
			}
			if d := time.Duration(ans.Header().Ttl) * time.Second; d < ttl {
				ttl = d
			}
		}
	}
	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}

	r.mu.Lock()
	r.cache[name] = cacheEntry{addrs: addrs, expiresAt: r.now().Add(ttl)}
	r.mu.Unlock()
	return addrs, nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	if len(r.servers) == 0 {
		return nil, fmt.Errorf("没有可用的DNS服务器")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("%s 返回 %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("解析 %s 失败: %w", name, lastErr)
}

// Expand 把IP、CIDR(前缀或掩码形式)和主机名统一为排序去重后的网段。
// 以0.0.0.0开头的条目被跳过，无法解析的条目记录日志后跳过
func (r *Resolver) Expand(ctx context.Context, entries []string) []string {
	seen := make(map[netip.Prefix]bool)
	var prefixes []netip.Prefix
	add := func(p netip.Prefix) {
		if !seen[p] {
			seen[p] = true
			prefixes = append(prefixes, p)
		}
	}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" || strings.HasPrefix(entry, "0.0.0.0") {
			continue
		}

		if addr, err := netip.ParseAddr(entry); err == nil {
			addr = addr.Unmap().WithZone("")
			add(netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := ParseCIDR(entry)
			if err != nil {
				r.log.WithField("entry", entry).WithError(err).Warn("忽略无效的网段")
				continue
			}
			add(p)
			continue
		}

		addrs, err := r.Lookup(ctx, entry)
		if err != nil {
			r.log.WithField("host", entry).WithError(err).Warn("主机名解析失败")
			continue
		}
		if len(addrs) == 0 {
			r.log.WithField("host", entry).Warn("主机名没有地址记录")
		}
		for _, a := range addrs {
			add(netip.PrefixFrom(a, a.BitLen()))
		}
	}

	sort.Slice(prefixes, func(i, j int) bool {
		return netipx.ComparePrefix(prefixes[i], prefixes[j]) < 0
	})
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = p.String()
	}
	return out
}

// ParseCIDR 解析 addr/bits 或 addr/netmask，前缀长度需在8到地址位数之间
func ParseCIDR(entry string) (netip.Prefix, error) {
	addrPart, maskPart, _ := strings.Cut(entry, "/")
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("无效的地址 %q", addrPart)
	}
	addr = addr.Unmap().WithZone("")

	if mask, err := netip.ParseAddr(maskPart); err == nil {
		mask = mask.Unmap()
		if mask.BitLen() != addr.BitLen() {
			return netip.Prefix{}, fmt.Errorf("掩码 %s 与地址族不符", mask)
		}
		p, ok := netipx.FromStdIPNet(&net.IPNet{IP: addr.AsSlice(), Mask: net.IPMask(mask.AsSlice())})
		if !ok {
			return netip.Prefix{}, fmt.Errorf("无效的掩码 %s", mask)
		}
		return checkBits(p.Masked())
	}

	bits, err := strconv.Atoi(maskPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("无效的前缀 %q", maskPart)
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, err
	}
	return checkBits(p)
}

func checkBits(p netip.Prefix) (netip.Prefix, error) {
	if p.Bits() < 8 || p.Bits() > p.Addr().BitLen() {
		return netip.Prefix{}, fmt.Errorf("前缀 /%d 超出范围", p.Bits())
	}
	return p, nil
}
