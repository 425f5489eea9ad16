// Package discovery 获取期望的防火墙状态并整理成驱动可以直接使用的形式
package discovery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

// DesiredState 服务发现的输出
type DesiredState struct {
	Signaling iptables.SignalingPorts  `json:"signaling"`
	Rtp       iptables.PortRange       `json:"rtp"`
	Known     []string                 `json:"known"`
	Services  map[string]Service       `json:"services"`
	Custom    map[string]CustomService `json:"custom"`
	Blacklist []string                 `json:"blacklist"`
}

// Service 核心服务
type Service struct {
	Fw    []iptables.ServicePort `json:"fw"`
	Zones []string               `json:"zones"`
}

// CustomRule 自定义服务的端口，Protocol可以是tcp、udp或both，Port可以是逗号分隔的列表
type CustomRule struct {
	Protocol string        `json:"protocol"`
	Port     iptables.Port `json:"port"`
}

// CustomService 用户定义的服务
type CustomService struct {
	CustFw CustomRule `json:"custfw"`
	Zones  []string   `json:"zones"`
}

// ServiceSpec 一个服务最终的端口与区域
type ServiceSpec struct {
	ID     string
	Ports  []iptables.ServicePort
	Change iptables.ZoneChange
	Custom bool
}

// Parse 解析服务发现输出
func Parse(data []byte) (*DesiredState, error) {
	var state DesiredState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: 无法解析服务发现输出: %v", iptables.ErrConfig, err)
	}
	return &state, nil
}

// ExpandCustom 把自定义规则展开为逐个端口或 "a:b" 区间，无效或越界的项被跳过
func ExpandCustom(rule CustomRule) []iptables.ServicePort {
	var protocols []string
	switch strings.ToLower(rule.Protocol) {
	case "both":
		protocols = []string{"tcp", "udp"}
	case "tcp", "udp":
		protocols = []string{strings.ToLower(rule.Protocol)}
	default:
		return nil
	}

	var ports []string
	for _, p := range strings.Split(string(rule.Port), ",") {
		port := iptables.Port(strings.TrimSpace(p))
		if port.Validate() != nil {
			continue
		}
		ports = append(ports, port.Canonical())
	}

	out := make([]iptables.ServicePort, 0, len(protocols)*len(ports))
	for _, proto := range protocols {
		for _, p := range ports {
			out = append(out, iptables.ServicePort{Protocol: proto, Port: iptables.Port(p)})
		}
	}
	return out
}

// zoneChange 声明的区域作为AddTo，其余区域作为RemoveFrom。无法识别的区域被忽略
func zoneChange(id string, zones []string, fallback []iptables.Zone) iptables.ZoneChange {
	addTo := make(map[iptables.Zone]bool)
	for _, name := range zones {
		z, err := iptables.ParseZone(name)
		if err != nil {
			logger.GetDiscoveryLogger().WithField("service", id).WithError(err).Warn("忽略无效的区域")
			continue
		}
		addTo[z] = true
	}
	if len(zones) == 0 {
		for _, z := range fallback {
			addTo[z] = true
		}
	}

	var change iptables.ZoneChange
	for _, z := range iptables.AllZones {
		if addTo[z] {
			change.AddTo = append(change.AddTo, z)
		} else {
			change.RemoveFrom = append(change.RemoveFrom, z)
		}
	}
	return change
}

// Specs 核心服务与自定义服务，按ID排序。自定义服务未声明区域时默认为internal
func (s *DesiredState) Specs() []ServiceSpec {
	log := logger.GetDiscoveryLogger()
	specs := make([]ServiceSpec, 0, len(s.Services)+len(s.Custom))

	for id, svc := range s.Services {
		specs = append(specs, ServiceSpec{
			ID:     id,
			Ports:  svc.Fw,
			Change: zoneChange(id, svc.Zones, nil),
		})
	}
	for id, svc := range s.Custom {
		if _, dup := s.Services[id]; dup {
			log.WithField("service", id).Warn("自定义服务与核心服务重名，已忽略")
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			log.WithField("service", id).Debug("自定义服务ID不是UUID")
		}
		specs = append(specs, ServiceSpec{
			ID:     id,
			Ports:  ExpandCustom(svc.CustFw),
			Change: zoneChange(id, svc.Zones, []iptables.Zone{iptables.ZoneInternal}),
			Custom: true,
		})
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// ServiceIDs 所有声明的服务ID
func (s *DesiredState) ServiceIDs() []string {
	specs := s.Specs()
	ids := make([]string, len(specs))
	for i, spec := range specs {
		ids[i] = spec.ID
	}
	return ids
}
