package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voipfw/voipfw-agent/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Firewall  FirewallConfig  `yaml:"firewall" json:"firewall"`
	IPTables  IPTablesConfig  `yaml:"iptables" json:"iptables"`
	Hook      HookConfig      `yaml:"hook" json:"hook"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logger    logger.Config   `yaml:"logger" json:"logger"`
	LogLevel  string          `yaml:"log_level" json:"log_level"`
}

// FirewallConfig 防火墙策略配置，每个周期重新读取
type FirewallConfig struct {
	Enabled    bool              `yaml:"enabled" json:"enabled"`       // 管理开关，关闭后守护进程释放锁并退出
	Refresh    string            `yaml:"refresh" json:"refresh"`       // 刷新频率: fast, normal, slow
	LockFile   string            `yaml:"lock_file" json:"lock_file"`   // 进程互斥锁文件
	Interfaces map[string]string `yaml:"interfaces" json:"interfaces"` // 网卡 -> 区域
	Networks   map[string]string `yaml:"networks" json:"networks"`     // 网络(addr/prefix) -> 区域
}

// IPTablesConfig iptables命令配置
type IPTablesConfig struct {
	IPTables      string `yaml:"iptables" json:"iptables"`
	IP6Tables     string `yaml:"ip6tables" json:"ip6tables"`
	IPTablesSave  string `yaml:"iptables_save" json:"iptables_save"`
	IP6TablesSave string `yaml:"ip6tables_save" json:"ip6tables_save"`
	Wait          bool   `yaml:"wait" json:"wait"` // 追加 -w，等待xtables锁
}

// HookConfig 特权执行器(spool目录)配置
type HookConfig struct {
	SpoolDir       string `yaml:"spool_dir" json:"spool_dir"`
	Prefix         string `yaml:"prefix" json:"prefix"`
	ConsumeTimeout int    `yaml:"consume_timeout" json:"consume_timeout"` // 毫秒
	DumpPath       string `yaml:"dump_path" json:"dump_path"`
	DumpTimeout    int    `yaml:"dump_timeout" json:"dump_timeout"`   // 秒
	PollInterval   int    `yaml:"poll_interval" json:"poll_interval"` // 毫秒
}

// DiscoveryConfig 期望状态来源配置
type DiscoveryConfig struct {
	Source     string   `yaml:"source" json:"source"`   // command, file, http
	Command    []string `yaml:"command" json:"command"` // source=command 时执行的命令
	User       string   `yaml:"user" json:"user"`       // 以该用户身份执行命令(su -c)
	File       string   `yaml:"file" json:"file"`
	URL        string   `yaml:"url" json:"url"`
	Token      string   `yaml:"token" json:"token"`
	Timeout    int      `yaml:"timeout" json:"timeout"` // 秒
	RetryCount int      `yaml:"retry_count" json:"retry_count"`
	RetryDelay int      `yaml:"retry_delay" json:"retry_delay"` // 秒
	ResolvConf string   `yaml:"resolv_conf" json:"resolv_conf"`
}

// MetricsConfig 监控指标配置
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"` // 为空时不启动 /metrics
}

// 刷新周期
const (
	RefreshFast   = "fast"
	RefreshNormal = "normal"
	RefreshSlow   = "slow"
)

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	setDefaults(&config)

	if config.LogLevel != "" && config.Logger.Level == "" {
		config.Logger.Level = config.LogLevel
	}

	logger.GetConfigLogger().WithFields(map[string]interface{}{
		"path":       path,
		"enabled":    config.Firewall.Enabled,
		"refresh":    config.Firewall.Refresh,
		"interfaces": len(config.Firewall.Interfaces),
		"networks":   len(config.Firewall.Networks),
	}).Debug("配置已加载")

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(config *Config) {
	if config.Firewall.Refresh == "" {
		config.Firewall.Refresh = RefreshNormal
	}
	if config.Firewall.LockFile == "" {
		config.Firewall.LockFile = "/var/run/voipfw-agent.pid"
	}

	if config.IPTables.IPTables == "" {
		config.IPTables.IPTables = "/sbin/iptables"
	}
	if config.IPTables.IP6Tables == "" {
		config.IPTables.IP6Tables = "/sbin/ip6tables"
	}
	if config.IPTables.IPTablesSave == "" {
		config.IPTables.IPTablesSave = "/sbin/iptables-save"
	}
	if config.IPTables.IP6TablesSave == "" {
		config.IPTables.IP6TablesSave = "/sbin/ip6tables-save"
	}

	if config.Hook.SpoolDir == "" {
		config.Hook.SpoolDir = "/var/spool/asterisk/incron"
	}
	if config.Hook.Prefix == "" {
		config.Hook.Prefix = "firewall"
	}
	if config.Hook.ConsumeTimeout == 0 {
		config.Hook.ConsumeTimeout = 500
	}
	if config.Hook.DumpPath == "" {
		config.Hook.DumpPath = "/tmp/iptables.out"
	}
	if config.Hook.DumpTimeout == 0 {
		config.Hook.DumpTimeout = 5
	}
	if config.Hook.PollInterval == 0 {
		config.Hook.PollInterval = 200
	}

	if config.Discovery.Source == "" {
		config.Discovery.Source = "command"
	}
	if config.Discovery.Timeout == 0 {
		config.Discovery.Timeout = 30
	}
	if config.Discovery.RetryCount == 0 {
		config.Discovery.RetryCount = 3
	}
	if config.Discovery.RetryDelay == 0 {
		config.Discovery.RetryDelay = 2
	}
	if config.Discovery.ResolvConf == "" {
		config.Discovery.ResolvConf = "/etc/resolv.conf"
	}

	// 日志配置默认值
	defaults := logger.DefaultConfig()
	if config.Logger.Level == "" {
		if config.LogLevel != "" {
			config.Logger.Level = config.LogLevel
		} else {
			config.Logger.Level = defaults.Level
		}
	}
	if config.Logger.Format == "" {
		config.Logger.Format = defaults.Format
	}
	if config.Logger.Output == "" {
		config.Logger.Output = defaults.Output
	}
	if config.Logger.File == "" {
		config.Logger.File = defaults.File
	}
	if config.Logger.MaxSize == 0 {
		config.Logger.MaxSize = defaults.MaxSize
	}
	if config.Logger.MaxBackups == 0 {
		config.Logger.MaxBackups = defaults.MaxBackups
	}
	if config.Logger.MaxAge == 0 {
		config.Logger.MaxAge = defaults.MaxAge
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	switch c.Firewall.Refresh {
	case RefreshFast, RefreshNormal, RefreshSlow:
	default:
		return fmt.Errorf("refresh必须是 fast, normal 或 slow: %q", c.Firewall.Refresh)
	}

	switch c.Discovery.Source {
	case "command":
		if len(c.Discovery.Command) == 0 {
			return fmt.Errorf("discovery.source=command 时 discovery.command 不能为空")
		}
	case "file":
		if c.Discovery.File == "" {
			return fmt.Errorf("discovery.source=file 时 discovery.file 不能为空")
		}
	case "http":
		if c.Discovery.URL == "" {
			return fmt.Errorf("discovery.source=http 时 discovery.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的discovery.source: %s", c.Discovery.Source)
	}

	if c.Hook.SpoolDir == "" || c.Hook.DumpPath == "" {
		return fmt.Errorf("hook.spool_dir 和 hook.dump_path 不能为空")
	}

	return nil
}

// Period 返回两次协调之间的间隔
func (f FirewallConfig) Period() time.Duration {
	switch f.Refresh {
	case RefreshFast:
		return 15 * time.Second
	case RefreshSlow:
		return 120 * time.Second
	default:
		return 30 * time.Second
	}
}

func (h HookConfig) ConsumeWait() time.Duration {
	return time.Duration(h.ConsumeTimeout) * time.Millisecond
}

func (h HookConfig) DumpWait() time.Duration {
	return time.Duration(h.DumpTimeout) * time.Second
}

func (h HookConfig) PollEvery() time.Duration {
	return time.Duration(h.PollInterval) * time.Millisecond
}

// SaveConfig 保存配置文件
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
