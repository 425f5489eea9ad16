package iptables

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

var ifaceNameRe = regexp.MustCompile(`^[A-Za-z0-9_.:@+-]{1,15}$`)

// InterfaceBinding 网卡与区域的对应关系
type InterfaceBinding struct {
	Iface string `json:"iface"`
	Zone  Zone   `json:"zone"`
}

// BindInterface 解析网卡的区域设置，未设置或无法识别时回落到trusted并告警
func BindInterface(iface, zone string) InterfaceBinding {
	z, err := ParseZone(zone)
	if err != nil {
		logger.GetDriverLogger().WithFields(logrus.Fields{
			"iface": iface,
			"zone":  zone,
		}).Warn("网卡没有有效的区域设置，默认为trusted")
		z = ZoneTrusted
	}
	return InterfaceBinding{Iface: iface, Zone: z}
}

func interfaceRule(iface string, z Zone) string {
	return fmt.Sprintf("-i %s -j %s", iface, z.Chain())
}

func interfacePrefix(iface string) string {
	return fmt.Sprintf("-i %s -j %s", iface, ZoneChainPrefix)
}

// ChangeInterfaceZone 删除网卡所有已有的区域规则后追加新规则，已经正确时不做改动
func (d *Driver) ChangeInterfaceZone(ctx context.Context, iface, zone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !ifaceNameRe.MatchString(iface) {
		return fmt.Errorf("%w: 无效的网卡名称 %q", ErrConfig, iface)
	}
	z, err := ParseZone(zone)
	if err != nil {
		return err
	}
	if err := d.prepare(ctx); err != nil {
		return err
	}
	if err := d.chains.EnsureChain(ctx, z.Chain()); err != nil {
		return err
	}

	rule := interfaceRule(iface, z)
	prefix := interfacePrefix(iface)
	for _, f := range Families {
		var existing []string
		for _, r := range d.mirror.Rules(f, ChainInterfaces) {
			if strings.HasPrefix(r, prefix) {
				existing = append(existing, r)
			}
		}
		if len(existing) == 1 && existing[0] == rule {
			continue
		}

		removed, err := d.chains.RemoveAllWithPrefix(ctx, f, ChainInterfaces, prefix)
		if err != nil {
			return err
		}
		if _, err := d.chains.Append(ctx, f, ChainInterfaces, rule); err != nil {
			return err
		}
		d.log.WithFields(logrus.Fields{
			"iface":   iface,
			"zone":    z,
			"family":  f,
			"removed": removed,
		}).Info("网卡区域已更新")
	}
	return nil
}
