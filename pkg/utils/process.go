package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

// ErrAlreadyRunning 锁文件由另一个存活进程持有
var ErrAlreadyRunning = errors.New("另一个实例正在运行")

// PIDLock 基于PID文件的进程互斥锁
type PIDLock struct {
	path      string
	logger    *logrus.Entry
	fileUtils *FileUtils
	held      bool
}

// NewPIDLock 创建PID锁
func NewPIDLock(path string) *PIDLock {
	return &PIDLock{
		path:      path,
		logger:    logger.GetComponentLogger("system-process"),
		fileUtils: NewFileUtils("system"),
	}
}

// Path 锁文件路径
func (l *PIDLock) Path() string {
	return l.path
}

// Acquire 获取锁。锁文件属于存活进程时返回 ErrAlreadyRunning，陈旧的锁文件直接接管
func (l *PIDLock) Acquire() error {
	if pid := ReadPIDFile(l.path); pid != 0 && pid != os.Getpid() {
		alive, err := process.PidExists(int32(pid))
		if err != nil {
			return fmt.Errorf("检查进程状态失败: %w", err)
		}
		if alive {
			return fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, pid, l.path)
		}
		l.logger.WithFields(logrus.Fields{
			"pid":      pid,
			"pid_file": l.path,
		}).Warn("接管陈旧的锁文件")
	}

	if err := l.fileUtils.WriteFileAtomic(l.path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return err
	}
	l.held = true
	return nil
}

// Release 释放锁，只删除自己写入的锁文件
func (l *PIDLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if ReadPIDFile(l.path) != os.Getpid() {
		return nil
	}
	return l.fileUtils.RemoveFileIfExists(l.path)
}

// ReadPIDFile 从PID文件获取进程ID，文件不存在或内容无效时返回0
func ReadPIDFile(pidFile string) int {
	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// IsProcessRunning 检查PID文件对应的进程是否在运行
func IsProcessRunning(pidFile string) bool {
	pid := ReadPIDFile(pidFile)
	if pid == 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// SignalProcess 向PID文件记录的进程发送信号
func SignalProcess(pidFile string, sig syscall.Signal) error {
	pid := ReadPIDFile(pidFile)
	if pid == 0 {
		return fmt.Errorf("进程未运行: %s", pidFile)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("找不到进程: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("发送信号失败: %w", err)
	}

	logger.GetSystemLogger().WithFields(logrus.Fields{
		"pid":    pid,
		"signal": sig.String(),
	}).Debug("已发送信号")
	return nil
}
