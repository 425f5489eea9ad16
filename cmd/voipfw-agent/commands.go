package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/spf13/cobra"
	"github.com/voipfw/voipfw-agent/pkg/hook"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
	"github.com/voipfw/voipfw-agent/pkg/logger"
	"github.com/voipfw/voipfw-agent/pkg/netif"
	"github.com/voipfw/voipfw-agent/pkg/utils"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDumpCmd() *cobra.Command {
	format := "json"
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "输出当前的filter表",
		Long:  "以root运行时直接读取iptables-save，否则通过特权执行器获取",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			driver, _ := newDriver(cfg, nil)
			snap, err := driver.Snapshot(ctx)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				return printJSON(snap)
			case "save":
				for _, f := range iptables.Families {
					fmt.Printf("# %s\n%s", f, iptables.FormatSave(snap[f]))
				}
				return nil
			default:
				return fmt.Errorf("不支持的输出格式: %s", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", format, "输出格式 (json, save)")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "以root身份处理spool目录中的触发文件",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if os.Geteuid() != 0 {
				return fmt.Errorf("%w: watch 必须以root运行", iptables.ErrPrivilege)
			}

			ctx, cancel := signalContext()
			defer cancel()

			driver, exec := newDriver(cfg, nil)
			w := hook.NewWatcher(cfg.Hook)
			hook.NewActions(driver, exec, cfg.Hook.DumpPath, cfg.Firewall.LockFile).Register(w)

			logger.LogStartup("voipfw-watch", Version, map[string]interface{}{
				"spool_dir": cfg.Hook.SpoolDir,
				"prefix":    cfg.Hook.Prefix,
			})
			return w.Run(ctx)
		},
	}
}

func newHookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hook <action> [json参数]",
		Short: "向特权执行器投递请求",
		Long: fmt.Sprintf("支持的动作: %s, %s, %s, %s, %s, %s, %s",
			hook.ActionGetIPTables, hook.ActionAddNetwork, hook.ActionRemoveNetwork,
			hook.ActionChangeNetwork, hook.ActionUpdateInterface, hook.ActionAddRFCNetworks,
			hook.ActionFirewall),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			var params interface{}
			if len(args) == 2 {
				raw := json.RawMessage(args[1])
				if !json.Valid(raw) {
					return fmt.Errorf("%w: 参数不是有效的JSON", iptables.ErrConfig)
				}
				params = raw
			}
			return hook.NewClient(cfg.Hook).Trigger(ctx, args[0], params)
		},
	}
}

type statusReport struct {
	Running   bool                                    `json:"running"`
	PID       int                                     `json:"pid,omitempty"`
	Hostname  string                                  `json:"hostname,omitempty"`
	Kernel    string                                  `json:"kernel,omitempty"`
	Load1     float64                                 `json:"load1"`
	Rules     map[iptables.Family]int                 `json:"rules"`
	Zones     map[iptables.Zone]*iptables.ZoneDetails `json:"zones"`
	Networks  []string                                `json:"networks"`
	Unmanaged []string                                `json:"unmanaged_interfaces,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "按区域显示当前的网卡、网络和服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			report := statusReport{
				Running: utils.IsProcessRunning(cfg.Firewall.LockFile),
				PID:     utils.ReadPIDFile(cfg.Firewall.LockFile),
			}
			if info, err := host.InfoWithContext(ctx); err == nil {
				report.Hostname = info.Hostname
				report.Kernel = info.KernelVersion
			}
			if avg, err := load.AvgWithContext(ctx); err == nil {
				report.Load1 = avg.Load1
			}

			ifaces, err := netif.NewNetlinkLister().Interfaces()
			if err != nil {
				logger.GetSystemLogger().WithError(err).Warn("获取网卡列表失败")
			}

			driver, _ := newDriver(cfg, nil)
			zones, err := driver.Describe(ctx, ifaces)
			if err != nil {
				return err
			}
			report.Zones = zones
			report.Rules = driver.RuleCounts()

			known, err := driver.KnownNetworks(ctx)
			if err != nil {
				return err
			}
			for _, n := range known {
				report.Networks = append(report.Networks, fmt.Sprintf("%s %s", n.Network, n.Zone))
			}

			for _, iface := range ifaces {
				if _, ok := cfg.Firewall.Interfaces[iface]; !ok {
					report.Unmanaged = append(report.Unmanaged, iface)
				}
			}
			sort.Strings(report.Unmanaged)

			return printJSON(report)
		},
	}
}
