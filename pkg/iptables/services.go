package iptables

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// returnRule 服务保留但不开放端口时的唯一规则
const returnRule = "-j RETURN"

func serviceRule(sp ServicePort) string {
	if sp.Port.IsList() {
		return fmt.Sprintf("-p %s -m multiport --dports %s -j ACCEPT", sp.Protocol, sp.Port.Canonical())
	}
	return fmt.Sprintf("-p %s -m %s --dport %s -j ACCEPT", sp.Protocol, sp.Protocol, sp.Port.Canonical())
}

// serviceRules 期望的服务链内容，去重并保持顺序
func serviceRules(ports []ServicePort) []string {
	if len(ports) == 0 {
		return []string{returnRule}
	}
	seen := make(map[string]bool, len(ports))
	rules := make([]string, 0, len(ports))
	for _, sp := range ports {
		r := serviceRule(sp)
		if seen[r] {
			continue
		}
		seen[r] = true
		rules = append(rules, r)
	}
	return rules
}

func sameRules(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func serviceJump(chain string) string {
	return "-j " + chain
}

// UpdateService 同步服务链内容。ports为空时服务链只有一条RETURN。
// 只有内容不同时才清空重写。
func (d *Driver) UpdateService(ctx context.Context, id string, ports []ServicePort) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, " \t/") {
		return fmt.Errorf("%w: 无效的服务id %q", ErrConfig, id)
	}
	for _, sp := range ports {
		if err := sp.Validate(); err != nil {
			return fmt.Errorf("服务 %s: %w", id, err)
		}
	}
	if err := d.prepare(ctx); err != nil {
		return err
	}

	chain := ServiceChain(id)
	if err := d.chains.EnsureChain(ctx, chain); err != nil {
		return err
	}

	desired := serviceRules(ports)
	for _, f := range Families {
		if sameRules(d.mirror.Rules(f, chain), desired) {
			continue
		}
		if err := d.chains.Flush(ctx, f, chain); err != nil {
			return err
		}
		for _, rule := range desired {
			if _, err := d.chains.Append(ctx, f, chain, rule); err != nil {
				return err
			}
		}
		d.log.WithFields(logrus.Fields{
			"service": id,
			"chain":   chain,
			"family":  f,
			"rules":   len(desired),
		}).Info("服务链已更新")
	}
	return nil
}

// UpdateServiceZones 调整服务所属区域: 从RemoveFrom中删除跳转，向AddTo中补充缺少的跳转
func (d *Driver) UpdateServiceZones(ctx context.Context, id string, change ZoneChange) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	addTo, err := normalizeZones(change.AddTo)
	if err != nil {
		return err
	}
	removeFrom, err := normalizeZones(change.RemoveFrom)
	if err != nil {
		return err
	}
	if err := d.prepare(ctx); err != nil {
		return err
	}

	chain := ServiceChain(id)
	for _, f := range Families {
		if !d.mirror.HasChain(f, chain) {
			return fmt.Errorf("%w: 服务 %s 的 %s 链不存在", ErrConfig, id, f)
		}
	}
	jump := serviceJump(chain)

	for _, z := range removeFrom {
		if err := d.chains.EnsureChain(ctx, z.Chain()); err != nil {
			return err
		}
		for _, f := range Families {
			n, err := d.chains.RemoveMatching(ctx, f, z.Chain(), func(rule string) bool { return rule == jump })
			if err != nil {
				return err
			}
			if n > 0 {
				d.log.WithFields(logrus.Fields{
					"service": id,
					"zone":    z,
					"family":  f,
				}).Debug("服务已从区域移除")
			}
		}
	}

	for _, z := range addTo {
		if err := d.chains.EnsureChain(ctx, z.Chain()); err != nil {
			return err
		}
		for _, f := range Families {
			added, err := d.addZoneJump(ctx, f, z, jump)
			if err != nil {
				return err
			}
			if added {
				d.log.WithFields(logrus.Fields{
					"service": id,
					"zone":    z,
					"family":  f,
				}).Debug("服务已加入区域")
			}
		}
	}
	return nil
}

// addZoneJump 追加跳转，zone-trusted 中插入到结尾的ACCEPT之前
func (d *Driver) addZoneJump(ctx context.Context, f Family, z Zone, jump string) (bool, error) {
	if _, ok := d.mirror.Find(f, z.Chain(), jump); ok {
		return false, nil
	}
	entries := d.mirror.Entries(f, z.Chain())
	if z == ZoneTrusted && len(entries) > 0 && entries[len(entries)-1].Rule == trustedAccept {
		_, err := d.chains.InsertBefore(ctx, f, z.Chain(), entries[len(entries)-1].ID, jump)
		return err == nil, err
	}
	_, err := d.chains.Append(ctx, f, z.Chain(), jump)
	return err == nil, err
}

// PurgeServices 删除不在keep中的服务链，先删除所有区域中指向它的跳转。返回被删除的链名。
func (d *Driver) PurgeServices(ctx context.Context, keep []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.prepare(ctx); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		wanted[ServiceChain(id)] = true
	}

	stale := make(map[string]bool)
	for _, f := range Families {
		for _, chain := range d.mirror.Chains(f) {
			if strings.HasPrefix(chain, ServiceChainPrefix) && !wanted[chain] {
				stale[chain] = true
			}
		}
	}

	var purged []string
	for chain := range stale {
		purged = append(purged, chain)
	}
	sort.Strings(purged)

	for _, chain := range purged {
		jump := serviceJump(chain)
		for _, f := range Families {
			for _, name := range d.mirror.Chains(f) {
				if !strings.HasPrefix(name, ZoneChainPrefix) {
					continue
				}
				if _, err := d.chains.RemoveMatching(ctx, f, name, func(rule string) bool { return rule == jump }); err != nil {
					return nil, err
				}
			}
		}
		if err := d.chains.DeleteChain(ctx, chain); err != nil {
			return nil, err
		}
		d.log.WithField("chain", chain).Info("已删除未声明的服务链")
	}
	return purged, nil
}
