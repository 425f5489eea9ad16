package iptables

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Family 地址族
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// Families 所有受管理的地址族，顺序固定
var Families = []Family{FamilyIPv4, FamilyIPv6}

// TableFilter 唯一受管理的表
const TableFilter = "filter"

// 受管理的链
const (
	ChainInput         = "INPUT"
	ChainFirewall      = "fpbxfirewall"
	ChainSmartHosts    = "fpbxsmarthosts"
	ChainTargets       = "fpbxtargets"
	ChainNetworks      = "fpbxnets"
	ChainInterfaces    = "fpbxinterfaces"
	ChainBlacklist     = "fpbxblacklist"
	ServiceChainPrefix = "fpbxsvc-"
	ZoneChainPrefix    = "zone-"

	// 内核链名长度上限
	maxChainName = 28
)

// Zone 信任区域
type Zone string

const (
	ZoneReject   Zone = "reject"
	ZoneExternal Zone = "external"
	ZoneOther    Zone = "other"
	ZoneInternal Zone = "internal"
	ZoneTrusted  Zone = "trusted"
)

// AllZones 所有已知区域
var AllZones = []Zone{ZoneReject, ZoneExternal, ZoneOther, ZoneInternal, ZoneTrusted}

// ParseZone 解析区域名称，未知名称返回 ErrConfig
func ParseZone(name string) (Zone, error) {
	z := Zone(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range AllZones {
		if z == known {
			return z, nil
		}
	}
	return "", fmt.Errorf("%w: 未知区域 %q", ErrConfig, name)
}

func normalizeZones(zones []Zone) ([]Zone, error) {
	out := make([]Zone, 0, len(zones))
	for _, z := range zones {
		parsed, err := ParseZone(string(z))
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// Chain 区域对应的链名
func (z Zone) Chain() string {
	return ZoneChainPrefix + string(z)
}

// ServiceChain 服务对应的链名，超出内核长度限制时使用id的哈希
func ServiceChain(id string) string {
	name := ServiceChainPrefix + id
	if len(name) <= maxChainName {
		return name
	}
	sum := sha256.Sum256([]byte(id))
	return ServiceChainPrefix + hex.EncodeToString(sum[:])[:20]
}

// Port 端口，JSON中可以是数字或字符串，支持 "a:b" 区间和 "a,b" 列表
type Port string

// UnmarshalJSON 同时接受数字和字符串
func (p *Port) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Port(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("无效的端口: %s", string(data))
	}
	*p = Port(strings.TrimSpace(s))
	return nil
}

// Validate 校验端口格式
func (p Port) Validate() error {
	s := string(p)
	if s == "" {
		return fmt.Errorf("%w: 端口为空", ErrConfig)
	}
	for _, part := range strings.Split(s, ",") {
		bounds := strings.Split(part, ":")
		if len(bounds) > 2 {
			return fmt.Errorf("%w: 无效的端口 %q", ErrConfig, s)
		}
		for _, b := range bounds {
			n, err := strconv.Atoi(b)
			if err != nil || n < 1 || n > 65535 {
				return fmt.Errorf("%w: 无效的端口 %q", ErrConfig, s)
			}
		}
	}
	return nil
}

// Canonical iptables-save 打印的形式: 去掉前导零，"a:a" 写作 "a"。只对通过Validate的端口有意义
func (p Port) Canonical() string {
	parts := strings.Split(string(p), ",")
	for i, part := range parts {
		lo, hi, isRange := strings.Cut(part, ":")
		a, _ := strconv.Atoi(lo)
		parts[i] = strconv.Itoa(a)
		if isRange {
			if b, _ := strconv.Atoi(hi); b != a {
				parts[i] += ":" + strconv.Itoa(b)
			}
		}
	}
	return strings.Join(parts, ",")
}

// IsList 是否为逗号分隔的端口列表，需要使用 multiport 匹配
func (p Port) IsList() bool {
	return strings.Contains(string(p), ",")
}

// ServicePort 服务开放的协议与端口
type ServicePort struct {
	Protocol string `json:"protocol"`
	Port     Port   `json:"port"`
}

// Validate 校验协议与端口
func (sp ServicePort) Validate() error {
	switch sp.Protocol {
	case "tcp", "udp":
	default:
		return fmt.Errorf("%w: 不支持的协议 %q", ErrConfig, sp.Protocol)
	}
	return sp.Port.Validate()
}

// SignalingTarget 信令目标端口，Dest为空时匹配任意本机地址
type SignalingTarget struct {
	Dest  string `json:"dest,omitempty"`
	DPort Port   `json:"dport"`
}

// SignalingPorts 已知主机可以直接访问的信令端口
type SignalingPorts struct {
	UDP []SignalingTarget `json:"udp"`
	TCP []SignalingTarget `json:"tcp"`
}

// PortRange 媒体端口区间
type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.End)
}

// ZoneChange 服务所属区域的变更
type ZoneChange struct {
	AddTo      []Zone `json:"addTo"`
	RemoveFrom []Zone `json:"removeFrom"`
}

// State 引导状态
type State string

const (
	StateUnconfigured  State = "UNCONFIGURED"
	StateBootstrapping State = "BOOTSTRAPPING"
	StateConfigured    State = "CONFIGURED"
)

// Snapshot 规则转储格式: 地址族 -> 表 -> 链 -> 有序规则
type Snapshot map[Family]map[string]map[string][]string

// isBuiltinTarget ACCEPT、DROP 等内置目标以及全大写名称总是存在
func isBuiltinTarget(name string) bool {
	if name == "" {
		return true
	}
	return strings.ToUpper(name) == name
}
