package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/config"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

// Handler 处理一个动作，params为解码后的JSON，没有参数时为nil
type Handler func(ctx context.Context, params json.RawMessage) error

// Watcher 以root运行，监听spool目录并执行触发的动作
type Watcher struct {
	cfg      config.HookConfig
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *logrus.Entry
}

// NewWatcher 创建监听器
func NewWatcher(cfg config.HookConfig) *Watcher {
	return &Watcher{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		log:      logger.GetHookLogger(),
	}
}

// Handle 注册动作处理函数
func (w *Watcher) Handle(action string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[action] = h
}

// Actions 已注册的动作，按名称排序
func (w *Watcher) Actions() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run 处理已存在的触发文件，然后持续监听直到ctx取消
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.cfg.SpoolDir); err != nil {
		return fmt.Errorf("监听spool目录失败: %w", err)
	}

	w.log.WithFields(logrus.Fields{
		"spool":   w.cfg.SpoolDir,
		"prefix":  w.cfg.Prefix,
		"actions": w.Actions(),
	}).Info("开始监听触发文件")

	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("停止监听触发文件")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.Process(ctx, filepath.Base(event.Name))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("文件监听出错")
		}
	}
}

// drain 处理启动前已经存在的触发文件
func (w *Watcher) drain(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.SpoolDir)
	if err != nil {
		w.log.WithError(err).Warn("读取spool目录失败")
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.Process(ctx, e.Name())
		}
	}
}

// Process 取走一个触发文件并执行对应的动作。前缀不匹配的文件不处理
func (w *Watcher) Process(ctx context.Context, name string) bool {
	action, encoded, ok := ParseTriggerName(w.cfg.Prefix, name)
	if !ok {
		return false
	}

	// 先删除文件，请求方以此判断已被接收
	path := filepath.Join(w.cfg.SpoolDir, name)
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			w.log.WithError(err).WithField("file", name).Warn("删除触发文件失败")
		}
		return false
	}

	log := w.log.WithField("action", action)

	w.mu.RLock()
	h, known := w.handlers[action]
	w.mu.RUnlock()
	if !known {
		log.Warn("未知的动作，已忽略")
		return true
	}

	var params json.RawMessage
	if encoded != "" {
		var err error
		if params, err = DecodeParams(encoded); err != nil {
			logger.LogError(err, "触发参数无效", logrus.Fields{"action": action})
			return true
		}
	}

	start := time.Now()
	if err := h(ctx, params); err != nil {
		logger.LogError(err, "动作执行失败", logrus.Fields{"action": action})
		return true
	}
	logger.LogPerformance("hook_"+action, time.Since(start), nil)
	return true
}
