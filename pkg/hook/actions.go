package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
	"github.com/voipfw/voipfw-agent/pkg/logger"
	"github.com/voipfw/voipfw-agent/pkg/utils"
)

// RFCNetworks addrfcnetworks加入trusted的私有网段
var RFCNetworks = []string{"192.168.0.0/16", "172.16.0.0/12", "10.0.0.0/8", "fc00::/8", "fd00::/8"}

// ZoneDriver 动作需要的驱动操作
type ZoneDriver interface {
	Invalidate()
	AddNetworkToZone(ctx context.Context, network string, prefix int, zone string) error
	RemoveNetworkFromZone(ctx context.Context, zone, network string, prefix int) (bool, error)
	ChangeNetworksZone(ctx context.Context, newZone, network string, prefix int) error
	ChangeInterfaceZone(ctx context.Context, iface, zone string) error
}

// Actions 特权动作的实现
type Actions struct {
	driver    ZoneDriver
	exec      iptables.Executor
	dumpPath  string
	pidFile   string
	fileUtils *utils.FileUtils
	log       *logrus.Entry
}

// NewActions 创建动作集合，pidFile为守护进程的PID文件
func NewActions(driver ZoneDriver, exec iptables.Executor, dumpPath, pidFile string) *Actions {
	return &Actions{
		driver:    driver,
		exec:      exec,
		dumpPath:  dumpPath,
		pidFile:   pidFile,
		fileUtils: utils.NewFileUtils("hook"),
		log:       logger.GetHookLogger(),
	}
}

// Register 把所有动作注册到监听器
func (a *Actions) Register(w *Watcher) {
	w.Handle(ActionGetIPTables, a.getIPTables)
	w.Handle(ActionAddNetwork, a.mutating(a.addNetwork))
	w.Handle(ActionRemoveNetwork, a.mutating(a.removeNetwork))
	w.Handle(ActionChangeNetwork, a.mutating(a.changeNetwork))
	w.Handle(ActionUpdateInterface, a.mutating(a.updateInterface))
	w.Handle(ActionAddRFCNetworks, a.mutating(a.addRFCNetworks))
	w.Handle(ActionFirewall, func(context.Context, json.RawMessage) error {
		a.notifyDaemon()
		return nil
	})
}

// mutating 守护进程可能已经改过内核，执行前丢弃镜像，执行后通知守护进程重新读取
func (a *Actions) mutating(h Handler) Handler {
	return func(ctx context.Context, params json.RawMessage) error {
		a.driver.Invalidate()
		if err := h(ctx, params); err != nil {
			return err
		}
		a.notifyDaemon()
		return nil
	}
}

func (a *Actions) notifyDaemon() {
	if err := utils.SignalProcess(a.pidFile, syscall.SIGHUP); err != nil {
		a.log.WithError(err).Debug("守护进程未运行，跳过通知")
	}
}

// getIPTables 以JSON写出当前规则，原子替换
func (a *Actions) getIPTables(ctx context.Context, _ json.RawMessage) error {
	snap, err := iptables.SaveSnapshot(ctx, a.exec)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化规则失败: %w", err)
	}
	return a.fileUtils.WriteFileAtomic(a.dumpPath, data, 0644)
}

// addNetwork 参数 {"<zone>": ["<net>", ...]}，不带前缀的地址视为主机
func (a *Actions) addNetwork(ctx context.Context, params json.RawMessage) error {
	var req map[string][]string
	if err := unmarshalParams(params, &req); err != nil {
		return err
	}
	for zone, nets := range req {
		for _, n := range nets {
			if err := a.addHostOrNetwork(ctx, n, zone); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Actions) addHostOrNetwork(ctx context.Context, network, zone string) error {
	p, err := iptables.ParseNetwork(network, 0, true)
	if err != nil {
		return err
	}
	return a.driver.AddNetworkToZone(ctx, p.String(), 0, zone)
}

// removeNetwork 参数 {"network": "...", "zone": "..."}
func (a *Actions) removeNetwork(ctx context.Context, params json.RawMessage) error {
	var req struct {
		Network string `json:"network"`
		Zone    string `json:"zone"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return err
	}
	found, err := a.driver.RemoveNetworkFromZone(ctx, req.Zone, req.Network, 0)
	if err != nil {
		return err
	}
	if !found {
		a.log.WithFields(logrus.Fields{
			"network": req.Network,
			"zone":    req.Zone,
		}).Info("网络不在该区域中")
	}
	return nil
}

// changeNetwork 参数 {"network": "...", "newzone": "..."}
func (a *Actions) changeNetwork(ctx context.Context, params json.RawMessage) error {
	var req struct {
		Network string `json:"network"`
		NewZone string `json:"newzone"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return err
	}
	p, err := iptables.ParseNetwork(req.Network, 0, true)
	if err != nil {
		return err
	}
	return a.driver.ChangeNetworksZone(ctx, req.NewZone, p.String(), 0)
}

// updateInterface 参数 {"iface": "...", "newzone": "..."}
func (a *Actions) updateInterface(ctx context.Context, params json.RawMessage) error {
	var req struct {
		Iface   string `json:"iface"`
		NewZone string `json:"newzone"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return err
	}
	return a.driver.ChangeInterfaceZone(ctx, req.Iface, req.NewZone)
}

func (a *Actions) addRFCNetworks(ctx context.Context, _ json.RawMessage) error {
	for _, n := range RFCNetworks {
		if err := a.driver.AddNetworkToZone(ctx, n, 0, string(iptables.ZoneTrusted)); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: 缺少参数", iptables.ErrConfig)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: 参数格式错误: %v", iptables.ErrConfig, err)
	}
	return nil
}
