package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	Level      string `yaml:"level" json:"level"`             // 日志级别: debug, info, warn, error
	Format     string `yaml:"format" json:"format"`           // 日志格式: json, text
	Output     string `yaml:"output" json:"output"`           // 输出方式: stdout, file, both
	File       string `yaml:"file" json:"file"`               // 日志文件路径
	MaxSize    int    `yaml:"max_size" json:"max_size"`       // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // 保留的旧日志文件数量
	MaxAge     int    `yaml:"max_age" json:"max_age"`         // 日志文件保留天数
	Compress   bool   `yaml:"compress" json:"compress"`       // 是否压缩旧日志文件
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		Output:     "stdout",
		File:       "/var/log/voipfw/agent.log",
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

var (
	// 全局logger实例
	globalLogger *logrus.Logger
	// 组件专用logger映射
	componentLoggers = make(map[string]*logrus.Entry)
	mu               sync.Mutex
)

// Initialize 初始化全局日志器
func Initialize(config Config) error {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(config.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
				logrus.FieldKeyFile:  "file",
			},
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	default:
		return fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	switch strings.ToLower(config.Output) {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	case "file":
		output, err := setupFileOutput(config)
		if err != nil {
			return fmt.Errorf("设置文件输出失败: %w", err)
		}
		logger.SetOutput(output)
	case "both":
		fileOutput, err := setupFileOutput(config)
		if err != nil {
			return fmt.Errorf("设置文件输出失败: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, fileOutput))
	default:
		return fmt.Errorf("不支持的输出方式: %s", config.Output)
	}

	// debug级别时显示调用位置
	logger.SetReportCaller(level == logrus.DebugLevel)

	mu.Lock()
	globalLogger = logger
	// 组件logger持有旧实例，重新初始化后需要重建
	componentLoggers = make(map[string]*logrus.Entry)
	mu.Unlock()
	return nil
}

// setupFileOutput 设置文件输出
func setupFileOutput(config Config) (io.Writer, error) {
	logDir := filepath.Dir(config.File)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	// 使用lumberjack进行日志轮转
	return &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
		LocalTime:  true,
	}, nil
}

// GetLogger 获取全局logger实例
func GetLogger() *logrus.Logger {
	mu.Lock()
	l := globalLogger
	mu.Unlock()
	if l != nil {
		return l
	}

	config := DefaultConfig()
	if err := Initialize(config); err != nil {
		mu.Lock()
		globalLogger = logrus.New()
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	return globalLogger
}

// GetComponentLogger 获取组件专用logger
func GetComponentLogger(component string) *logrus.Entry {
	base := GetLogger()

	mu.Lock()
	defer mu.Unlock()
	if componentLoggers[component] == nil {
		componentLoggers[component] = base.WithField("component", component)
	}
	return componentLoggers[component]
}

// 便捷方法 - 获取各个组件的logger
func GetDriverLogger() *logrus.Entry    { return GetComponentLogger("driver") }
func GetBridgeLogger() *logrus.Entry    { return GetComponentLogger("bridge") }
func GetHookLogger() *logrus.Entry      { return GetComponentLogger("hook") }
func GetReconcileLogger() *logrus.Entry { return GetComponentLogger("reconcile") }
func GetDiscoveryLogger() *logrus.Entry { return GetComponentLogger("discovery") }
func GetConfigLogger() *logrus.Entry    { return GetComponentLogger("config") }
func GetSystemLogger() *logrus.Entry    { return GetComponentLogger("system") }

// LogPerformance 性能指标日志
func LogPerformance(operation string, duration time.Duration, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["operation"] = operation
	fields["duration_ms"] = duration.Milliseconds()
	fields["performance"] = true

	GetLogger().WithFields(fields).Info("性能指标")
}

// LogAudit 审计日志，记录每一条改动内核规则的命令
func LogAudit(action string, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["action"] = action
	fields["audit"] = true

	GetLogger().WithFields(fields).Debug("审计日志")
}

// LogError 错误日志增强
func LogError(err error, message string, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["error_type"] = fmt.Sprintf("%T", err)

	GetLogger().WithError(err).WithFields(fields).Error(message)
}

// LogStartup 启动日志，fields 与生命周期字段合并后输出
func LogStartup(component string, version string, fields logrus.Fields) {
	entry := logrus.Fields{}
	for k, v := range fields {
		entry[k] = v
	}
	entry["component"] = component
	entry["version"] = version
	entry["lifecycle"] = "startup"

	GetLogger().WithFields(entry).Info("组件启动")
}

func LogShutdown(component string, duration time.Duration) {
	GetLogger().WithFields(logrus.Fields{
		"component":   component,
		"duration_ms": duration.Milliseconds(),
		"lifecycle":   "shutdown",
	}).Info("组件关闭")
}

// LogStateChange 状态变更日志
func LogStateChange(component string, from string, to string, reason string) {
	GetLogger().WithFields(logrus.Fields{
		"component":    component,
		"state_from":   from,
		"state_to":     to,
		"reason":       reason,
		"state_change": true,
	}).Info("状态变更")
}
