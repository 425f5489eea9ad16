// Package reconcile 周期性地把期望的区域策略写入内核
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/config"
	"github.com/voipfw/voipfw-agent/pkg/discovery"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
	"github.com/voipfw/voipfw-agent/pkg/logger"
	"github.com/voipfw/voipfw-agent/pkg/metrics"
	"github.com/voipfw/voipfw-agent/pkg/netif"
	"github.com/voipfw/voipfw-agent/pkg/utils"
)

// Engine 协调过程用到的驱动操作，由 *iptables.Driver 实现
type Engine interface {
	Invalidate()
	ChangeInterfaceZone(ctx context.Context, iface, zone string) error
	SyncNetworks(ctx context.Context, desired []iptables.NetworkEntry) error
	UpdateService(ctx context.Context, id string, ports []iptables.ServicePort) error
	UpdateServiceZones(ctx context.Context, id string, change iptables.ZoneChange) error
	SetRtpPorts(ctx context.Context, r iptables.PortRange) (iptables.PortRange, error)
	UpdateTargets(ctx context.Context, ports iptables.SignalingPorts, hosts []string) error
	UpdateBlacklist(ctx context.Context, hosts []string) error
	PurgeServices(ctx context.Context, keep []string) ([]string, error)
	RuleCounts() map[iptables.Family]int
}

// Expander 把IP、网段和主机名展开为网段列表
type Expander interface {
	Expand(ctx context.Context, entries []string) []string
}

// Options 协调循环的依赖
type Options struct {
	LoadConfig func() (*config.Config, error)
	Sources    func(cfg config.DiscoveryConfig) (discovery.Source, error)
	Engine     Engine
	Resolver   Expander
	Interfaces netif.Lister
	Metrics    *metrics.Registry // 可以为nil
	Lock       *utils.PIDLock    // 管理关闭时释放，可以为nil
}

// Loop 协调循环。所有协调都在调用Run的goroutine中执行
type Loop struct {
	opts   Options
	wake   chan struct{}
	redump atomic.Bool
	last   *config.Config
	log    *logrus.Entry
}

// New 创建协调循环
func New(opts Options) *Loop {
	return &Loop{
		opts: opts,
		wake: make(chan struct{}, 1),
		log:  logger.GetReconcileLogger(),
	}
}

// Trigger 请求立即协调，并在协调前重新转储规则。
// 只做非阻塞发送，可以在信号处理中调用
func (l *Loop) Trigger() {
	l.redump.Store(true)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run 执行协调直到ctx取消或管理开关被关闭
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("启动协调循环")

	for {
		cfg, err := l.reload()
		if err != nil {
			return err
		}

		if !cfg.Firewall.Enabled {
			logger.LogStateChange("reconcile", "enabled", "disabled", "firewall.enabled=false")
			if l.opts.Lock != nil {
				if err := l.opts.Lock.Release(); err != nil {
					logger.LogError(err, "释放锁文件失败", logrus.Fields{"lock_file": l.opts.Lock.Path()})
				}
			}
			return nil
		}

		if err := l.RunOnce(ctx, cfg); err != nil {
			logger.LogError(err, "协调失败，等待下个周期", logrus.Fields{
				"redump": iptables.NeedsRedump(err),
			})
		}

		period := cfg.Firewall.Period()
		timer := time.NewTimer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.log.Info("收到停止信号，退出协调循环")
			return nil
		case <-l.wake:
			timer.Stop()
			l.log.Info("收到协调请求")
		case <-timer.C:
			l.log.WithField("period", period).Debug("开始定时协调")
		}
	}
}

// reload 每个周期重新读取配置，读取失败时沿用上一次的配置
func (l *Loop) reload() (*config.Config, error) {
	cfg, err := l.opts.LoadConfig()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		if l.last == nil {
			return nil, fmt.Errorf("加载配置失败: %w", err)
		}
		logger.LogError(err, "重新加载配置失败，沿用上一次的配置", nil)
		return l.last, nil
	}
	l.last = cfg
	return cfg, nil
}

// RunOnce 执行一次完整的协调
func (l *Loop) RunOnce(ctx context.Context, cfg *config.Config) error {
	start := time.Now()

	if l.redump.Swap(false) {
		l.invalidate("收到协调请求")
	}

	err := l.pass(ctx, cfg)
	if iptables.NeedsRedump(err) {
		l.invalidate("内核命令失败")
	}

	duration := time.Since(start)
	counts := l.opts.Engine.RuleCounts()
	if l.opts.Metrics != nil {
		l.opts.Metrics.ObservePass(duration, err)
		l.opts.Metrics.SetRuleCounts(counts)
	}
	logger.LogPerformance("reconcile_pass", duration, logrus.Fields{
		"ipv4_rules": counts[iptables.FamilyIPv4],
		"ipv6_rules": counts[iptables.FamilyIPv6],
		"success":    err == nil,
	})
	return err
}

func (l *Loop) invalidate(reason string) {
	l.log.WithField("reason", reason).Info("丢弃规则镜像，下次调用重新转储")
	l.opts.Engine.Invalidate()
	if l.opts.Metrics != nil {
		l.opts.Metrics.Redumps.Inc()
	}
}

// pass 任何一步失败都终止本轮，后续步骤和服务链清理留到下个周期
func (l *Loop) pass(ctx context.Context, cfg *config.Config) error {
	if err := l.syncInterfaces(ctx, cfg); err != nil {
		return fmt.Errorf("interfaces: %w", err)
	}
	if err := l.syncNetworks(ctx, cfg); err != nil {
		return fmt.Errorf("networks: %w", err)
	}

	source, err := l.opts.Sources(cfg.Discovery)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	state, err := source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	if err := l.syncServices(ctx, state); err != nil {
		return fmt.Errorf("services: %w", err)
	}

	rtp, err := l.opts.Engine.SetRtpPorts(ctx, state.Rtp)
	if err != nil {
		return fmt.Errorf("rtp: %w", err)
	}
	if rtp != state.Rtp {
		l.log.WithFields(logrus.Fields{
			"requested": state.Rtp.String(),
			"applied":   rtp.String(),
		}).Debug("RTP端口范围已规范化")
	}

	hosts := l.opts.Resolver.Expand(ctx, state.Known)
	if err := l.opts.Engine.UpdateTargets(ctx, state.Signaling, hosts); err != nil {
		return fmt.Errorf("targets: %w", err)
	}

	blacklist := l.opts.Resolver.Expand(ctx, state.Blacklist)
	if err := l.opts.Engine.UpdateBlacklist(ctx, blacklist); err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}

	purged, err := l.opts.Engine.PurgeServices(ctx, state.ServiceIDs())
	if len(purged) > 0 {
		logger.LogAudit("purge_services", logrus.Fields{"chains": purged})
	}
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	return nil
}

// syncInterfaces 系统中的每块网卡都绑定到配置的区域，未配置时为trusted
func (l *Loop) syncInterfaces(ctx context.Context, cfg *config.Config) error {
	names, err := l.opts.Interfaces.Interfaces()
	if err != nil {
		logger.LogError(err, "获取网卡列表失败，只处理配置中的网卡", nil)
		names = make([]string, 0, len(cfg.Firewall.Interfaces))
		for name := range cfg.Firewall.Interfaces {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	for _, name := range names {
		b := iptables.BindInterface(name, cfg.Firewall.Interfaces[name])
		if err := l.opts.Engine.ChangeInterfaceZone(ctx, b.Iface, string(b.Zone)); err != nil {
			return fmt.Errorf("网卡 %s: %w", name, err)
		}
	}
	return nil
}

// syncNetworks 配置文件是networks链的唯一来源，未列出的网络会被删除
func (l *Loop) syncNetworks(ctx context.Context, cfg *config.Config) error {
	networks := make([]string, 0, len(cfg.Firewall.Networks))
	for n := range cfg.Firewall.Networks {
		networks = append(networks, n)
	}
	sort.Strings(networks)

	desired := make([]iptables.NetworkEntry, 0, len(networks))
	for _, n := range networks {
		p, err := iptables.ParseNetwork(n, 0, true)
		if err != nil {
			return err
		}
		z, err := iptables.ParseZone(cfg.Firewall.Networks[n])
		if err != nil {
			return fmt.Errorf("网络 %s: %w", n, err)
		}
		desired = append(desired, iptables.NetworkEntry{Network: p, Zone: z})
	}
	return l.opts.Engine.SyncNetworks(ctx, desired)
}

func (l *Loop) syncServices(ctx context.Context, state *discovery.DesiredState) error {
	for _, spec := range state.Specs() {
		err := l.opts.Engine.UpdateService(ctx, spec.ID, spec.Ports)
		if err == nil {
			err = l.opts.Engine.UpdateServiceZones(ctx, spec.ID, spec.Change)
		}
		if err != nil {
			return fmt.Errorf("服务 %s: %w", spec.ID, err)
		}
	}
	return nil
}
