package iptables

import "errors"

var (
	// ErrConfig 配置错误: 未知区域、无效地址、前缀越界等，下个周期重试
	ErrConfig = errors.New("配置错误")
	// ErrCommand 内核命令执行失败，镜像位置不再可信，需要重新转储
	ErrCommand = errors.New("iptables命令失败")
	// ErrPrivilege 无法获得特权状态(转储未生成、触发文件未被消费)
	ErrPrivilege = errors.New("特权操作失败")
)

// NeedsRedump 判断错误是否要求下个周期重新转储内核状态
func NeedsRedump(err error) bool {
	return errors.Is(err, ErrCommand) || errors.Is(err, ErrPrivilege)
}
