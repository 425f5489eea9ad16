// Package netif 列出本机网卡
package netif

import (
	"fmt"
	"net"
	"sort"

	"github.com/vishvananda/netlink"
)

// Lister 返回需要分配区域的网卡名称
type Lister interface {
	Interfaces() ([]string, error)
}

// NetlinkLister 通过netlink读取网卡，回环网卡被排除
type NetlinkLister struct {
	links func() ([]netlink.Link, error)
}

// NewNetlinkLister 创建列表器
func NewNetlinkLister() *NetlinkLister {
	return &NetlinkLister{links: netlink.LinkList}
}

// Interfaces 按名称排序的网卡列表
func (l *NetlinkLister) Interfaces() ([]string, error) {
	links, err := l.links()
	if err != nil {
		return nil, fmt.Errorf("读取网卡列表失败: %w", err)
	}

	names := make([]string, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Name == "" || attrs.Name == "lo" || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Static 固定的网卡列表，用于测试和没有netlink的环境
type Static []string

// Interfaces 返回副本
func (s Static) Interfaces() ([]string, error) {
	return append([]string(nil), s...), nil
}
