package iptables

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// ZoneDetails 区域当前包含的网卡、来源网络和服务
type ZoneDetails struct {
	Interfaces []string `json:"interfaces"`
	Sources    []string `json:"sources"`
	Services   []string `json:"services"`
}

var interfaceRuleRe = regexp.MustCompile(`^-i (\S+) -j ` + ZoneChainPrefix + `(\S+)$`)

// Describe 按区域汇总当前规则。尚未接管INPUT时所有网卡都视为trusted。
func (d *Driver) Describe(ctx context.Context, ifaces []string) (map[Zone]*ZoneDetails, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.load(ctx); err != nil {
		return nil, err
	}

	zones := make(map[Zone]*ZoneDetails, len(AllZones))
	for _, z := range AllZones {
		zones[z] = &ZoneDetails{Interfaces: []string{}, Sources: []string{}, Services: []string{}}
	}

	if !d.isConfigured(FamilyIPv4) {
		zones[ZoneTrusted].Interfaces = append(zones[ZoneTrusted].Interfaces, ifaces...)
		sort.Strings(zones[ZoneTrusted].Interfaces)
		return zones, nil
	}

	seenIface := make(map[string]bool)
	for _, rule := range d.mirror.Rules(FamilyIPv4, ChainInterfaces) {
		m := interfaceRuleRe.FindStringSubmatch(rule)
		if m == nil || seenIface[m[1]] {
			continue
		}
		if details, ok := zones[Zone(m[2])]; ok {
			details.Interfaces = append(details.Interfaces, m[1])
			seenIface[m[1]] = true
		}
	}
	for _, iface := range ifaces {
		if !seenIface[iface] {
			zones[ZoneTrusted].Interfaces = append(zones[ZoneTrusted].Interfaces, iface)
		}
	}

	for _, f := range Families {
		for _, rule := range d.mirror.Rules(f, ChainNetworks) {
			m := networkRuleRe.FindStringSubmatch(rule)
			if m == nil {
				continue
			}
			if details, ok := zones[Zone(m[2])]; ok {
				details.Sources = append(details.Sources, m[1])
			}
		}
	}

	for _, z := range AllZones {
		for _, rule := range d.mirror.Rules(FamilyIPv4, z.Chain()) {
			if target, ok := strings.CutPrefix(rule, "-j "+ServiceChainPrefix); ok {
				zones[z].Services = append(zones[z].Services, target)
			}
		}
		sort.Strings(zones[z].Interfaces)
	}
	return zones, nil
}

// Snapshot 当前镜像的转储格式
func (d *Driver) Snapshot(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return d.mirror.Snapshot(), nil
}

// Mirror 当前镜像，未加载时为nil
func (d *Driver) Mirror() *Mirror {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mirror
}
