package iptables

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"
)

// 媒体端口的允许范围
const (
	RtpMin = 1024
	RtpMax = 30000
)

// DefaultRtpRange 未声明媒体端口时使用的范围
var DefaultRtpRange = PortRange{Start: 10000, End: 20000}

// NormalizeRtp 纠正颠倒的区间并限制在[RtpMin, RtpMax]
func NormalizeRtp(r PortRange) PortRange {
	if r.Start == 0 && r.End == 0 {
		return DefaultRtpRange
	}
	if r.Start > r.End {
		r.Start, r.End = r.End, r.Start
	}
	r.Start = clamp(r.Start, RtpMin, RtpMax)
	r.End = clamp(r.End, RtpMin, RtpMax)
	return r
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const (
	rtpRulePrefix = "-p udp -m udp --dport "
	rtpRuleSuffix = " -j ACCEPT"
)

// rtpRule 区间收缩为单个端口时与iptables-save一致，写作 "--dport a"
func rtpRule(r PortRange) string {
	return rtpRulePrefix + Port(r.String()).Canonical() + rtpRuleSuffix
}

// isRtpRule 根链中 "-p udp -m udp --dport a[:b] -j ACCEPT" 形式的规则
func isRtpRule(rule string) bool {
	if !strings.HasPrefix(rule, rtpRulePrefix) || !strings.HasSuffix(rule, rtpRuleSuffix) {
		return false
	}
	port := Port(strings.TrimSuffix(strings.TrimPrefix(rule, rtpRulePrefix), rtpRuleSuffix))
	return !port.IsList() && port.Validate() == nil
}

// SetRtpPorts 在根链中smarthosts跳转之前开放媒体端口，返回实际使用的区间
func (d *Driver) SetRtpPorts(ctx context.Context, r PortRange) (PortRange, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r = NormalizeRtp(r)
	if err := d.prepare(ctx); err != nil {
		return r, err
	}

	rule := rtpRule(r)
	anchor := "-j " + ChainSmartHosts
	for _, f := range Families {
		entries := d.mirror.Entries(f, ChainFirewall)
		var existing []RuleID
		inPlace := false
		for i, e := range entries {
			if !isRtpRule(e.Rule) {
				continue
			}
			existing = append(existing, e.ID)
			if e.Rule == rule && i+1 < len(entries) && entries[i+1].Rule == anchor {
				inPlace = true
			}
		}
		if inPlace && len(existing) == 1 {
			continue
		}

		if err := d.chains.RemoveIDs(ctx, f, ChainFirewall, existing); err != nil {
			return r, err
		}

		var err error
		if id, ok := d.mirror.Find(f, ChainFirewall, anchor); ok {
			_, err = d.chains.InsertBefore(ctx, f, ChainFirewall, id, rule)
		} else {
			d.log.WithField("family", f).Warn("根链中没有smarthosts跳转，媒体端口规则追加到末尾")
			_, err = d.chains.Append(ctx, f, ChainFirewall, rule)
		}
		if err != nil {
			return r, err
		}
		d.log.WithFields(logrus.Fields{
			"family": f,
			"range":  r.String(),
		}).Info("媒体端口已更新")
	}
	return r, nil
}

// parseHost 解析主机地址，无前缀时为/32或/128
func parseHost(host string) (netip.Prefix, error) {
	if strings.Contains(host, "/") {
		p, err := netip.ParsePrefix(strings.TrimSpace(host))
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: 无效的地址 %q", ErrConfig, host)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: 无效的地址 %q", ErrConfig, host)
	}
	addr = addr.Unmap().WithZone("")
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// hostRules 按地址族生成 "-s <host> -j <target>"
func hostRules(hosts []string, target string) (map[Family][]string, error) {
	out := make(map[Family][]string, len(Families))
	for _, f := range Families {
		out[f] = []string{}
	}
	for _, h := range hosts {
		p, err := parseHost(h)
		if err != nil {
			return nil, err
		}
		f := FamilyOf(p.Addr())
		out[f] = append(out[f], fmt.Sprintf("-s %s -j %s", p, target))
	}
	return out, nil
}

func targetRule(dest netip.Addr, proto string, port Port) string {
	var b strings.Builder
	if dest.IsValid() {
		fmt.Fprintf(&b, "-d %s ", netip.PrefixFrom(dest, dest.BitLen()))
	}
	if port.IsList() {
		fmt.Fprintf(&b, "-p %s -m multiport --dports %s -j ACCEPT", proto, port.Canonical())
	} else {
		fmt.Fprintf(&b, "-p %s -m %s --dport %s -j ACCEPT", proto, proto, port.Canonical())
	}
	return b.String()
}

// targetRules 按地址族生成信令端口规则，指定了目标地址的只进入对应地址族
func targetRules(ports SignalingPorts) (map[Family][]string, error) {
	out := make(map[Family][]string, len(Families))
	for _, f := range Families {
		out[f] = []string{}
	}
	add := func(proto string, targets []SignalingTarget) error {
		for _, t := range targets {
			if err := t.DPort.Validate(); err != nil {
				return err
			}
			if t.Dest == "" {
				for _, f := range Families {
					out[f] = append(out[f], targetRule(netip.Addr{}, proto, t.DPort))
				}
				continue
			}
			dest, err := netip.ParseAddr(t.Dest)
			if err != nil {
				return fmt.Errorf("%w: 无效的目标地址 %q", ErrConfig, t.Dest)
			}
			dest = dest.Unmap().WithZone("")
			f := FamilyOf(dest)
			out[f] = append(out[f], targetRule(dest, proto, t.DPort))
		}
		return nil
	}
	if err := add("udp", ports.UDP); err != nil {
		return nil, err
	}
	if err := add("tcp", ports.TCP); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTargets 同步信令端口(targets链)和已知主机(smarthosts链)
func (d *Driver) UpdateTargets(ctx context.Context, ports SignalingPorts, hosts []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets, err := targetRules(ports)
	if err != nil {
		return err
	}
	smart, err := hostRules(hosts, ChainTargets)
	if err != nil {
		return err
	}
	if err := d.prepare(ctx); err != nil {
		return err
	}

	for _, chain := range []string{ChainTargets, ChainSmartHosts} {
		if err := d.chains.EnsureChain(ctx, chain); err != nil {
			return err
		}
	}

	for _, f := range Families {
		if err := d.reconcileChain(ctx, f, ChainTargets, targets[f]); err != nil {
			return err
		}
		if err := d.reconcileChain(ctx, f, ChainSmartHosts, smart[f]); err != nil {
			return err
		}
	}
	return nil
}

// UpdateBlacklist 同步黑名单，黑名单中的地址在已知主机之前被丢弃
func (d *Driver) UpdateBlacklist(ctx context.Context, hosts []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rules, err := hostRules(hosts, "DROP")
	if err != nil {
		return err
	}
	if err := d.prepare(ctx); err != nil {
		return err
	}
	if err := d.chains.EnsureChain(ctx, ChainBlacklist); err != nil {
		return err
	}

	for _, f := range Families {
		if err := d.reconcileChain(ctx, f, ChainBlacklist, rules[f]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) reconcileChain(ctx context.Context, f Family, chain string, desired []string) error {
	added, removed, err := d.chains.ReconcileSet(ctx, f, chain, desired)
	if err != nil {
		return err
	}
	if added > 0 || removed > 0 {
		d.log.WithFields(logrus.Fields{
			"family":  f,
			"chain":   chain,
			"added":   added,
			"removed": removed,
		}).Info("链已同步")
	}
	return nil
}
