package iptables

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner 外部命令执行接口，测试中替换为mock
type Runner interface {
	// Run 执行命令，返回合并的stdout/stderr
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Output 执行命令，只返回stdout
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner 基于os/exec的真实实现
type ExecRunner struct{}

// Run executes a command and returns combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("command %s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Output executes a command and returns its stdout.
func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return out, fmt.Errorf("command %s failed: %w: %s", name, err, strings.TrimSpace(string(ee.Stderr)))
		}
		return out, fmt.Errorf("command %s failed: %w", name, err)
	}
	return out, nil
}
