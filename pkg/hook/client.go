package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/config"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

// 特权执行器支持的动作
const (
	ActionGetIPTables     = "getiptables"
	ActionAddNetwork      = "addnetwork"
	ActionRemoveNetwork   = "removenetwork"
	ActionChangeNetwork   = "changenetwork"
	ActionUpdateInterface = "updateinterface"
	ActionAddRFCNetworks  = "addrfcnetworks"
	ActionFirewall        = "firewall"
)

// ErrNotConsumed 触发文件在等待时间内没有被取走
var ErrNotConsumed = errors.New("触发文件未被特权执行器处理")

// Client 向spool目录投递触发文件
type Client struct {
	cfg config.HookConfig
	log *logrus.Entry
}

// NewClient 创建客户端
func NewClient(cfg config.HookConfig) *Client {
	return &Client{
		cfg: cfg,
		log: logger.GetHookLogger(),
	}
}

// Trigger 写入触发文件，等待ConsumeWait后确认文件已被取走
func (c *Client) Trigger(ctx context.Context, action string, params interface{}) error {
	encoded := ""
	if params != nil {
		var err error
		if encoded, err = EncodeParams(params); err != nil {
			return err
		}
	}

	info, err := os.Stat(c.cfg.SpoolDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("spool目录不可用: %s", c.cfg.SpoolDir)
	}

	path := filepath.Join(c.cfg.SpoolDir, TriggerName(c.cfg.Prefix, action, encoded))
	requestID := uuid.NewString()
	if err := os.WriteFile(path, []byte(requestID+"\n"), 0644); err != nil {
		return fmt.Errorf("创建触发文件失败: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"action":     action,
		"request_id": requestID,
	}).Debug("已投递触发文件")

	timer := time.NewTimer(c.cfg.ConsumeWait())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrNotConsumed, path)
	}
	return nil
}
