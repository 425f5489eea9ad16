package iptables

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

// 地址族允许的前缀范围，短于/8的前缀视为配置错误
const (
	minPrefix   = 8
	maxPrefixV4 = 32
	maxPrefixV6 = 128
)

// NetworkEntry 网络与区域的对应关系
type NetworkEntry struct {
	Network netip.Prefix `json:"network"`
	Zone    Zone         `json:"zone"`
}

// FamilyOf 地址所属的地址族
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// ParseNetwork 解析网络地址。prefix为0时接受 "addr/prefix" 形式，
// 仍为0且hostDefault为真时使用/32或/128。结果已按前缀对齐。
func ParseNetwork(network string, prefix int, hostDefault bool) (netip.Prefix, error) {
	network = strings.TrimSpace(network)
	if addrPart, bitsPart, ok := strings.Cut(network, "/"); ok {
		if prefix == 0 {
			n, err := strconv.Atoi(bitsPart)
			if err != nil {
				return netip.Prefix{}, fmt.Errorf("%w: 无效的前缀 %q", ErrConfig, network)
			}
			prefix = n
		}
		network = addrPart
	}

	addr, err := netip.ParseAddr(network)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: 不是IP地址 %q", ErrConfig, network)
	}
	addr = addr.Unmap().WithZone("")

	maxBits := maxPrefixV4
	if addr.Is6() {
		maxBits = maxPrefixV6
	}
	if prefix == 0 && hostDefault {
		prefix = maxBits
	}
	if prefix < minPrefix || prefix > maxBits {
		return netip.Prefix{}, fmt.Errorf("%w: %s 的前缀 /%d 超出范围 %d-%d", ErrConfig, addr, prefix, minPrefix, maxBits)
	}

	p, err := addr.Prefix(prefix)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return p, nil
}

func networkRule(p netip.Prefix, z Zone) string {
	return fmt.Sprintf("-s %s -j %s", p, z.Chain())
}

func networkPrefix(p netip.Prefix) string {
	return fmt.Sprintf("-s %s -j %s", p, ZoneChainPrefix)
}

// AddNetworkToZone 把网络加入区域，按前缀长度降序插入networks链
func (d *Driver) AddNetworkToZone(ctx context.Context, network string, prefix int, zone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addNetwork(ctx, network, prefix, zone)
}

func (d *Driver) addNetwork(ctx context.Context, network string, prefix int, zone string) error {
	z, err := ParseZone(zone)
	if err != nil {
		return err
	}
	p, err := ParseNetwork(network, prefix, false)
	if err != nil {
		return err
	}
	if err := d.prepare(ctx); err != nil {
		return err
	}
	if err := d.chains.EnsureChain(ctx, z.Chain()); err != nil {
		return err
	}

	f := FamilyOf(p.Addr())
	pos, err := d.chains.InsertOrdered(ctx, f, ChainNetworks, networkRule(p, z), p.Bits())
	if err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"network":  p.String(),
		"zone":     z,
		"family":   f,
		"position": pos,
	}).Debug("网络已加入区域")
	return nil
}

// RemoveNetworkFromZone 从区域移除网络，不存在时返回false
func (d *Driver) RemoveNetworkFromZone(ctx context.Context, zone, network string, prefix int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	z, err := ParseZone(zone)
	if err != nil {
		return false, err
	}
	p, err := ParseNetwork(network, prefix, true)
	if err != nil {
		return false, err
	}
	if err := d.prepare(ctx); err != nil {
		return false, err
	}

	found, err := d.chains.RemoveExact(ctx, FamilyOf(p.Addr()), ChainNetworks, networkRule(p, z))
	if err != nil {
		return false, err
	}
	if !found {
		d.log.WithFields(logrus.Fields{
			"network": p.String(),
			"zone":    z,
		}).Debug("区域中没有该网络")
	}
	return found, nil
}

// ChangeNetworksZone 删除网络的所有区域归属后重新加入新区域。
// 删除成功而加入失败时，网络不再属于任何区域，回落到网卡默认区域。
func (d *Driver) ChangeNetworksZone(ctx context.Context, newZone, network string, prefix int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := ParseZone(newZone); err != nil {
		return err
	}
	p, err := ParseNetwork(network, prefix, true)
	if err != nil {
		return err
	}
	if err := d.prepare(ctx); err != nil {
		return err
	}

	removed, err := d.chains.RemoveAllWithPrefix(ctx, FamilyOf(p.Addr()), ChainNetworks, networkPrefix(p))
	if err != nil {
		return err
	}

	if err := d.addNetwork(ctx, p.Addr().String(), p.Bits(), newZone); err != nil {
		if removed > 0 {
			logger.LogError(err, "网络已从原区域移除但加入新区域失败，当前未分类", logrus.Fields{
				"network":  p.String(),
				"new_zone": newZone,
			})
		}
		return err
	}
	return nil
}

// SyncNetworks 使networks链与desired一致: 区域不同的网络重新分类，未列出的网络删除。
// 已经一致时不执行任何命令
func (d *Driver) SyncNetworks(ctx context.Context, desired []NetworkEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := make(map[netip.Prefix]Zone, len(desired))
	for _, e := range desired {
		z, err := ParseZone(string(e.Zone))
		if err != nil {
			return err
		}
		if !e.Network.IsValid() {
			return fmt.Errorf("%w: 无效的网络", ErrConfig)
		}
		want[e.Network.Masked()] = z
	}
	if err := d.prepare(ctx); err != nil {
		return err
	}

	for _, f := range Families {
		removed, err := d.chains.RemoveMatching(ctx, f, ChainNetworks, func(rule string) bool {
			m := networkRuleRe.FindStringSubmatch(rule)
			if m == nil {
				return true
			}
			p, err := netip.ParsePrefix(m[1])
			if err != nil {
				return true
			}
			_, ok := want[p]
			return !ok
		})
		if err != nil {
			return err
		}
		if removed > 0 {
			d.log.WithFields(logrus.Fields{
				"family":  f,
				"removed": removed,
			}).Info("已删除未配置的网络")
		}
	}

	prefixes := make([]netip.Prefix, 0, len(want))
	for p := range want {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return prefixes[i].String() < prefixes[j].String() })

	for _, p := range prefixes {
		z := want[p]
		f := FamilyOf(p.Addr())
		if d.classifiedAs(f, p, z) {
			continue
		}
		if _, err := d.chains.RemoveAllWithPrefix(ctx, f, ChainNetworks, networkPrefix(p)); err != nil {
			return err
		}
		if err := d.addNetwork(ctx, p.Addr().String(), p.Bits(), string(z)); err != nil {
			return err
		}
	}
	return nil
}

// classifiedAs 网络在链中恰好有一条规则且指向z
func (d *Driver) classifiedAs(f Family, p netip.Prefix, z Zone) bool {
	prefix := networkPrefix(p)
	n := 0
	exact := false
	for _, rule := range d.mirror.Rules(f, ChainNetworks) {
		if strings.HasPrefix(rule, prefix) {
			n++
			exact = exact || rule == networkRule(p, z)
		}
	}
	return n == 1 && exact
}

var networkRuleRe = regexp.MustCompile(`^-s (\S+) -j ` + ZoneChainPrefix + `(\S+)$`)

// KnownNetworks 镜像中所有网络的区域归属
func (d *Driver) KnownNetworks(ctx context.Context) ([]NetworkEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.load(ctx); err != nil {
		return nil, err
	}

	var out []NetworkEntry
	for _, f := range Families {
		for _, rule := range d.mirror.Rules(f, ChainNetworks) {
			m := networkRuleRe.FindStringSubmatch(rule)
			if m == nil {
				continue
			}
			p, err := netip.ParsePrefix(m[1])
			if err != nil {
				continue
			}
			out = append(out, NetworkEntry{Network: p, Zone: Zone(m[2])})
		}
	}
	return out, nil
}
