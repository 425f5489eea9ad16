// Package bridge 读取当前内核规则。root下直接执行iptables-save，
// 否则通过spool目录请求特权执行器写出JSON，再轮询读取
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/config"
	"github.com/voipfw/voipfw-agent/pkg/hook"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
	"github.com/voipfw/voipfw-agent/pkg/logger"
	"github.com/voipfw/voipfw-agent/pkg/utils"
)

// Trigger 投递特权请求
type Trigger interface {
	Trigger(ctx context.Context, action string, params interface{}) error
}

// Bridge 实现 iptables.Dumper
type Bridge struct {
	exec      iptables.Executor
	trigger   Trigger
	cfg       config.HookConfig
	isRoot    func() bool
	fileUtils *utils.FileUtils
	log       *logrus.Entry
}

// New 创建Bridge
func New(exec iptables.Executor, trigger Trigger, cfg config.HookConfig) *Bridge {
	return &Bridge{
		exec:      exec,
		trigger:   trigger,
		cfg:       cfg,
		isRoot:    func() bool { return os.Geteuid() == 0 },
		fileUtils: utils.NewFileUtils("bridge"),
		log:       logger.GetBridgeLogger(),
	}
}

// Dump 读取两个地址族的filter表
func (b *Bridge) Dump(ctx context.Context) (iptables.Snapshot, error) {
	start := time.Now()
	defer func() {
		logger.LogPerformance("bridge_dump", time.Since(start), logrus.Fields{"root": b.isRoot()})
	}()

	if b.isRoot() {
		return iptables.SaveSnapshot(ctx, b.exec)
	}
	return b.dumpViaHook(ctx)
}

func (b *Bridge) dumpViaHook(ctx context.Context) (iptables.Snapshot, error) {
	// 删除旧文件，避免读到上一次的结果
	if err := b.fileUtils.RemoveFileIfExists(b.cfg.DumpPath); err != nil {
		return nil, fmt.Errorf("%w: %v", iptables.ErrPrivilege, err)
	}

	if err := b.trigger.Trigger(ctx, hook.ActionGetIPTables, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", iptables.ErrPrivilege, err)
	}

	snap, err := awaitJSON[iptables.Snapshot](ctx, b.cfg.DumpPath, b.cfg.PollEvery(), b.cfg.DumpWait())
	if err != nil {
		return nil, err
	}
	if len(snap) == 0 {
		return nil, fmt.Errorf("%w: %s 中没有规则", iptables.ErrPrivilege, b.cfg.DumpPath)
	}

	b.log.WithField("path", b.cfg.DumpPath).Debug("已通过特权执行器读取规则")
	return snap, nil
}

// errNotReady 文件不存在或尚未写完
var errNotReady = errors.New("结果尚未就绪")

// awaitJSON 轮询读取path直到能解析为T，超时返回 ErrPrivilege
func awaitJSON[T any](ctx context.Context, path string, every, timeout time.Duration) (T, error) {
	var zero T
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	lastErr := errNotReady
	for {
		v, err := readJSON[T](path)
		if err == nil {
			return v, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline.C:
			return zero, fmt.Errorf("%w: 等待 %s 超时(%s): %v", iptables.ErrPrivilege, path, timeout, lastErr)
		case <-ticker.C:
		}
	}
}

func readJSON[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, errNotReady
		}
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", errNotReady, err)
	}
	return v, nil
}
