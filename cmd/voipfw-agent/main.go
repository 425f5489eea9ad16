package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/voipfw/voipfw-agent/pkg/bridge"
	"github.com/voipfw/voipfw-agent/pkg/config"
	"github.com/voipfw/voipfw-agent/pkg/discovery"
	"github.com/voipfw/voipfw-agent/pkg/hook"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
	"github.com/voipfw/voipfw-agent/pkg/logger"
	"github.com/voipfw/voipfw-agent/pkg/metrics"
	"github.com/voipfw/voipfw-agent/pkg/netif"
	"github.com/voipfw/voipfw-agent/pkg/reconcile"
	"github.com/voipfw/voipfw-agent/pkg/utils"
)

var (
	configPath = "/etc/voipfw/config.yaml"
	logLevel   = "info"

	// 构建时注入的版本信息
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "voipfw-agent",
		Short:   "主机防火墙区域协调服务",
		Long:    "voipfw-agent 按区域策略维护 iptables/ip6tables 的 filter 表，周期执行并在收到 SIGHUP 时立即协调",
		Version: getVersionInfo(),
		RunE:    runAgent,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "配置文件路径")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", logLevel, "日志级别 (debug, info, warn, error)")

	rootCmd.AddCommand(newDumpCmd(), newWatchCmd(), newHookCmd(), newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		// 在logger初始化之前，使用基础输出
		logrus.Fatal(err)
	}
}

func getVersionInfo() string {
	return "版本: " + Version + "\n提交: " + Commit + "\n构建时间: " + BuildTime
}

// setup 先使用基础日志配置加载配置文件，再按配置重新初始化日志
func setup() (*config.Config, error) {
	basicConfig := logger.DefaultConfig()
	basicConfig.Level = logLevel
	basicConfig.Output = "stdout"
	if err := logger.Initialize(basicConfig); err != nil {
		return nil, fmt.Errorf("初始化基础日志失败: %w", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.LogError(err, "加载配置文件失败", logrus.Fields{
			"config_path": configPath,
		})
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}

	if err := logger.Initialize(cfg.Logger); err != nil {
		logger.GetSystemLogger().WithError(err).Warn("根据配置重新初始化日志失败，继续使用基础配置")
	}
	return cfg, nil
}

// newDriver 组装 执行器 -> 指标 -> 转储桥 -> 驱动
func newDriver(cfg *config.Config, reg *metrics.Registry) (*iptables.Driver, iptables.Executor) {
	var exec iptables.Executor = iptables.NewCommandExecutor(iptables.ExecRunner{}, cfg.IPTables)
	if reg != nil {
		exec = reg.Instrument(exec)
	}
	dumper := bridge.New(exec, hook.NewClient(cfg.Hook), cfg.Hook)
	return iptables.NewDriver(exec, dumper), exec
}

// signalContext SIGINT/SIGTERM时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runAgent(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	cfg, err := setup()
	if err != nil {
		return err
	}
	systemLogger := logger.GetSystemLogger()

	logger.LogStartup("voipfw-agent", Version, logrus.Fields{
		"config_path": configPath,
		"commit":      Commit,
		"build_time":  BuildTime,
		"refresh":     cfg.Firewall.Refresh,
		"discovery":   cfg.Discovery.Source,
		"metrics":     cfg.Metrics.Listen,
	})

	if !cfg.Firewall.Enabled {
		systemLogger.Info("防火墙管理已关闭，退出")
		return nil
	}

	lock := utils.NewPIDLock(cfg.Firewall.LockFile)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, utils.ErrAlreadyRunning) {
			systemLogger.WithError(err).Error("已有实例在运行")
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.LogError(err, "释放锁文件失败", nil)
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()

	reg := metrics.New()
	driver, _ := newDriver(cfg, reg)

	resolver, err := discovery.NewResolver(cfg.Discovery.ResolvConf)
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := reg.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.LogError(err, "指标服务退出", logrus.Fields{"listen": cfg.Metrics.Listen})
			}
		}()
	}

	loop := reconcile.New(reconcile.Options{
		LoadConfig: func() (*config.Config, error) { return config.LoadConfig(configPath) },
		Sources: func(dc config.DiscoveryConfig) (discovery.Source, error) {
			return discovery.NewSource(dc, iptables.ExecRunner{})
		},
		Engine:     driver,
		Resolver:   resolver,
		Interfaces: netif.NewNetlinkLister(),
		Metrics:    reg,
		Lock:       lock,
	})

	// SIGHUP 只唤醒协调循环
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				loop.Trigger()
			}
		}
	}()

	runErr := loop.Run(ctx)

	logger.LogShutdown("voipfw-agent", time.Since(startTime))
	return runErr
}
