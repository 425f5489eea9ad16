package iptables

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/config"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

// OpKind 内核操作类型
type OpKind int

const (
	OpNewChain OpKind = iota
	OpFlush
	OpDeleteChain
	OpAppend
	OpInsert
	OpDelete
)

var opNames = map[OpKind]string{
	OpNewChain:    "new-chain",
	OpFlush:       "flush",
	OpDeleteChain: "delete-chain",
	OpAppend:      "append",
	OpInsert:      "insert",
	OpDelete:      "delete",
}

func (k OpKind) String() string {
	if name, ok := opNames[k]; ok {
		return name
	}
	return "unknown"
}

// Op 一次内核变更，Position从1开始，只对Insert/Delete有意义
type Op struct {
	Kind     OpKind
	Family   Family
	Table    string
	Chain    string
	Position int
	Rule     string
}

// Args 生成iptables命令参数
func (o Op) Args(wait bool) []string {
	table := o.Table
	if table == "" {
		table = TableFilter
	}

	var args []string
	if wait {
		args = append(args, "-w")
	}
	args = append(args, "-t", table)

	switch o.Kind {
	case OpNewChain:
		args = append(args, "-N", o.Chain)
	case OpFlush:
		args = append(args, "-F", o.Chain)
	case OpDeleteChain:
		args = append(args, "-X", o.Chain)
	case OpAppend:
		args = append(args, "-A", o.Chain)
		args = append(args, strings.Fields(o.Rule)...)
	case OpInsert:
		args = append(args, "-I", o.Chain, strconv.Itoa(o.Position))
		args = append(args, strings.Fields(o.Rule)...)
	case OpDelete:
		args = append(args, "-D", o.Chain, strconv.Itoa(o.Position))
	}
	return args
}

func (o Op) String() string {
	return fmt.Sprintf("%s %s", o.Family, strings.Join(o.Args(false), " "))
}

// Executor 下发内核变更并读取当前规则
type Executor interface {
	Apply(ctx context.Context, op Op) error
	Save(ctx context.Context, family Family) ([]byte, error)
}

// CommandExecutor 通过iptables/ip6tables命令执行变更
type CommandExecutor struct {
	runner Runner
	cfg    config.IPTablesConfig
	log    *logrus.Entry
}

// NewCommandExecutor 创建命令执行器
func NewCommandExecutor(runner Runner, cfg config.IPTablesConfig) *CommandExecutor {
	return &CommandExecutor{
		runner: runner,
		cfg:    cfg,
		log:    logger.GetDriverLogger(),
	}
}

func (e *CommandExecutor) binary(f Family) string {
	if f == FamilyIPv6 {
		return e.cfg.IP6Tables
	}
	return e.cfg.IPTables
}

func (e *CommandExecutor) saveBinary(f Family) string {
	if f == FamilyIPv6 {
		return e.cfg.IP6TablesSave
	}
	return e.cfg.IPTablesSave
}

// Apply 执行一次变更，非零退出码包装为 ErrCommand
func (e *CommandExecutor) Apply(ctx context.Context, op Op) error {
	bin := e.binary(op.Family)
	args := op.Args(e.cfg.Wait)

	logger.LogAudit(op.Kind.String(), logrus.Fields{
		"family":  op.Family,
		"command": bin + " " + strings.Join(args, " "),
	})

	if _, err := e.runner.Run(ctx, bin, args...); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrCommand, bin, strings.Join(args, " "), err)
	}
	return nil
}

// Save 执行iptables-save
func (e *CommandExecutor) Save(ctx context.Context, family Family) ([]byte, error) {
	bin := e.saveBinary(family)
	out, err := e.runner.Output(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCommand, bin, err)
	}
	e.log.WithFields(logrus.Fields{
		"family": family,
		"size":   len(out),
	}).Debug("读取当前规则完成")
	return out, nil
}
