package iptables

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

// Dumper 读取当前内核规则。root下直接执行iptables-save，否则经由特权执行器
type Dumper interface {
	Dump(ctx context.Context) (Snapshot, error)
}

// Driver 把区域策略编译成有序的内核规则
//
// 镜像在第一次调用时从Dumper加载，之后与每条内核命令同步修改。
// 每个变更操作之前都会检查引导状态。
type Driver struct {
	mu     sync.Mutex
	exec   Executor
	dumper Dumper
	mirror *Mirror
	chains *ChainManager
	state  map[Family]State
	log    *logrus.Entry
}

// NewDriver 创建驱动
func NewDriver(exec Executor, dumper Dumper) *Driver {
	return &Driver{
		exec:   exec,
		dumper: dumper,
		state:  newStateMap(),
		log:    logger.GetDriverLogger(),
	}
}

func newStateMap() map[Family]State {
	state := make(map[Family]State, len(Families))
	for _, f := range Families {
		state[f] = StateUnconfigured
	}
	return state
}

// Invalidate 丢弃镜像，下一次调用重新转储
func (d *Driver) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mirror != nil {
		d.log.Info("丢弃规则镜像，下次操作时重新读取内核状态")
	}
	d.mirror = nil
	d.chains = nil
	d.state = newStateMap()
}

// State 某个地址族的引导状态
func (d *Driver) State(f Family) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[f]
}

// Loaded 镜像是否已加载
func (d *Driver) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mirror != nil
}

// RuleCounts 每个地址族filter表的规则数量，镜像未加载时为空
func (d *Driver) RuleCounts() map[Family]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := make(map[Family]int)
	if d.mirror == nil {
		return counts
	}
	for _, f := range Families {
		counts[f] = d.mirror.RuleCount(f)
	}
	return counts
}

// load 懒加载镜像
func (d *Driver) load(ctx context.Context) error {
	if d.mirror != nil {
		return nil
	}

	startTime := time.Now()
	snap, err := d.dumper.Dump(ctx)
	if err != nil {
		return fmt.Errorf("读取当前规则失败: %w", err)
	}

	d.mirror = MirrorFromSnapshot(snap)
	d.chains = NewChainManager(d.exec, d.mirror)
	d.state = newStateMap()

	logger.LogPerformance("iptables_dump", time.Since(startTime), logrus.Fields{
		"ipv4_rules": d.mirror.RuleCount(FamilyIPv4),
		"ipv6_rules": d.mirror.RuleCount(FamilyIPv6),
	})
	return nil
}

// prepare 每个变更操作的前置步骤: 加载镜像并确保已引导
func (d *Driver) prepare(ctx context.Context) error {
	if err := d.load(ctx); err != nil {
		return err
	}
	return d.ensureConfigured(ctx)
}

// delegationRule INPUT 中跳转到根链的规则
var delegationRule = "-j " + ChainFirewall

// isConfigured INPUT 中任意位置存在跳转到根链即视为已配置，不在首位时告警
func (d *Driver) isConfigured(f Family) bool {
	id, ok := d.mirror.Find(f, ChainInput, delegationRule)
	if !ok {
		return false
	}
	if pos, _ := d.mirror.Position(f, ChainInput, id); pos != 1 {
		d.log.WithFields(logrus.Fields{
			"family":   f,
			"position": pos,
		}).Warn("INPUT 中跳转到根链的规则不在首位，其前面的规则会先于防火墙生效")
	}
	return true
}

// managedChains 引导时创建的链
func managedChains() []string {
	chains := []string{ChainFirewall, ChainBlacklist, ChainSmartHosts, ChainTargets, ChainNetworks, ChainInterfaces}
	for _, z := range AllZones {
		chains = append(chains, z.Chain())
	}
	return chains
}

// defaultRules 根链的默认规则，顺序决定优先级: 黑名单 > 已知主机 > 网络 > 网卡
func defaultRules(f Family) []string {
	icmp := "-p icmp -j ACCEPT"
	if f == FamilyIPv6 {
		icmp = "-p ipv6-icmp -j ACCEPT"
	}
	return []string{
		"-i lo -j ACCEPT",
		"-m state --state RELATED,ESTABLISHED -j ACCEPT",
		icmp,
		"-j " + ChainBlacklist,
		"-j " + ChainSmartHosts,
		"-j " + ChainNetworks,
		"-j " + ChainInterfaces,
	}
}

// trustedAccept zone-trusted 的结尾规则
const trustedAccept = "-j ACCEPT"

func (d *Driver) ensureConfigured(ctx context.Context) error {
	for _, f := range Families {
		if d.state[f] == StateConfigured {
			continue
		}
		if d.isConfigured(f) {
			d.state[f] = StateConfigured
			continue
		}

		d.state[f] = StateBootstrapping
		logger.LogStateChange("driver", string(StateUnconfigured), string(StateBootstrapping), string(f)+" 未接管INPUT")
		if err := d.bootstrap(ctx, f); err != nil {
			d.state[f] = StateUnconfigured
			return fmt.Errorf("%s 引导失败: %w", f, err)
		}
		d.state[f] = StateConfigured
		logger.LogStateChange("driver", string(StateBootstrapping), string(StateConfigured), string(f)+" 默认规则已安装")
	}
	return nil
}

func (d *Driver) bootstrap(ctx context.Context, f Family) error {
	for _, chain := range managedChains() {
		if err := d.chains.EnsureChain(ctx, chain); err != nil {
			return err
		}
	}

	// 残留的根链规则无法确定顺序，清空后重建
	if len(d.mirror.Rules(f, ChainFirewall)) > 0 {
		if err := d.chains.Flush(ctx, f, ChainFirewall); err != nil {
			return err
		}
	}

	if _, err := d.chains.InsertFirst(ctx, f, ChainInput, delegationRule); err != nil {
		return err
	}
	for _, rule := range defaultRules(f) {
		if _, err := d.chains.Append(ctx, f, ChainFirewall, rule); err != nil {
			return err
		}
	}

	rules := d.mirror.Rules(f, ZoneTrusted.Chain())
	if len(rules) == 0 || rules[len(rules)-1] != trustedAccept {
		if _, err := d.chains.RemoveExact(ctx, f, ZoneTrusted.Chain(), trustedAccept); err != nil {
			return err
		}
		if _, err := d.chains.Append(ctx, f, ZoneTrusted.Chain(), trustedAccept); err != nil {
			return err
		}
	}
	return nil
}
