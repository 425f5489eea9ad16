package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/voipfw/voipfw-agent/pkg/config"
	"github.com/voipfw/voipfw-agent/pkg/discovery"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
	"github.com/voipfw/voipfw-agent/pkg/metrics"
	"github.com/voipfw/voipfw-agent/pkg/netif"
	"github.com/voipfw/voipfw-agent/pkg/utils"
)

// MockEngine 模拟驱动
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Invalidate() {
	m.Called()
}

func (m *MockEngine) ChangeInterfaceZone(ctx context.Context, iface, zone string) error {
	return m.Called(ctx, iface, zone).Error(0)
}

func (m *MockEngine) SyncNetworks(ctx context.Context, desired []iptables.NetworkEntry) error {
	return m.Called(ctx, desired).Error(0)
}

func (m *MockEngine) UpdateService(ctx context.Context, id string, ports []iptables.ServicePort) error {
	return m.Called(ctx, id, ports).Error(0)
}

func (m *MockEngine) UpdateServiceZones(ctx context.Context, id string, change iptables.ZoneChange) error {
	return m.Called(ctx, id, change).Error(0)
}

func (m *MockEngine) SetRtpPorts(ctx context.Context, r iptables.PortRange) (iptables.PortRange, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(iptables.PortRange), args.Error(1)
}

func (m *MockEngine) UpdateTargets(ctx context.Context, ports iptables.SignalingPorts, hosts []string) error {
	return m.Called(ctx, ports, hosts).Error(0)
}

func (m *MockEngine) UpdateBlacklist(ctx context.Context, hosts []string) error {
	return m.Called(ctx, hosts).Error(0)
}

func (m *MockEngine) PurgeServices(ctx context.Context, keep []string) ([]string, error) {
	args := m.Called(ctx, keep)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockEngine) RuleCounts() map[iptables.Family]int {
	return m.Called().Get(0).(map[iptables.Family]int)
}

type stubSource struct {
	state *discovery.DesiredState
	err   error
}

func (s stubSource) Fetch(context.Context) (*discovery.DesiredState, error) {
	return s.state, s.err
}

// fakeExpander 按表替换主机名，其余条目原样返回
type fakeExpander map[string]string

func (f fakeExpander) Expand(_ context.Context, entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if addr, ok := f[e]; ok {
			e = addr
		}
		out = append(out, e)
	}
	return out
}

const customID = "3f2c7a9e-1b4d-4c8e-9f10-2a3b4c5d6e7f"

func testConfig() *config.Config {
	return &config.Config{
		Firewall: config.FirewallConfig{
			Enabled:    true,
			Refresh:    config.RefreshFast,
			Interfaces: map[string]string{"eth0": "external"},
			Networks:   map[string]string{"10.0.0.0/8": "internal", "192.0.2.5": "trusted"},
		},
		Discovery: config.DiscoveryConfig{Source: "file", File: "discovery.json"},
		Hook:      config.HookConfig{SpoolDir: "/tmp/spool", DumpPath: "/tmp/dump.json"},
	}
}

func testState() *discovery.DesiredState {
	return &discovery.DesiredState{
		Signaling: iptables.SignalingPorts{UDP: []iptables.SignalingTarget{{DPort: "5060"}}},
		Rtp:       iptables.PortRange{Start: 10000, End: 20000},
		Known:     []string{"198.51.100.7", "pbx.example.com"},
		Services: map[string]discovery.Service{
			"sip": {Fw: []iptables.ServicePort{{Protocol: "udp", Port: "5060"}}, Zones: []string{"external", "internal"}},
		},
		Custom: map[string]discovery.CustomService{
			customID: {CustFw: discovery.CustomRule{Protocol: "tcp", Port: "8443"}},
		},
		Blacklist: []string{"192.0.2.66"},
	}
}

func networkEntries(pairs ...string) []iptables.NetworkEntry {
	out := make([]iptables.NetworkEntry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, iptables.NetworkEntry{Network: netip.MustParsePrefix(pairs[i]), Zone: iptables.Zone(pairs[i+1])})
	}
	return out
}

func newTestLoop(engine *MockEngine, cfg *config.Config, source discovery.Source) *Loop {
	return New(Options{
		LoadConfig: func() (*config.Config, error) { return cfg, nil },
		Sources:    func(config.DiscoveryConfig) (discovery.Source, error) { return source, nil },
		Engine:     engine,
		Resolver:   fakeExpander{"pbx.example.com": "203.0.113.9/32"},
		Interfaces: netif.Static{"eth0", "eth1"},
	})
}

// expectAny 接受任意参数的完整一轮调用
func expectAny(e *MockEngine) {
	e.On("Invalidate").Return()
	e.On("ChangeInterfaceZone", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e.On("SyncNetworks", mock.Anything, mock.Anything).Return(nil)
	e.On("UpdateService", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e.On("UpdateServiceZones", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e.On("SetRtpPorts", mock.Anything, mock.Anything).Return(iptables.PortRange{Start: 10000, End: 20000}, nil)
	e.On("UpdateTargets", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e.On("UpdateBlacklist", mock.Anything, mock.Anything).Return(nil)
	e.On("PurgeServices", mock.Anything, mock.Anything).Return([]string(nil), nil)
	e.On("RuleCounts").Return(map[iptables.Family]int{iptables.FamilyIPv4: 3, iptables.FamilyIPv6: 2})
}

func TestRunOncePassOrder(t *testing.T) {
	ctx := context.Background()
	state := testState()
	specs := state.Specs()
	require.Len(t, specs, 2)

	e := new(MockEngine)
	c := mock.Anything
	mock.InOrder(
		e.On("ChangeInterfaceZone", c, "eth0", "external").Return(nil),
		e.On("ChangeInterfaceZone", c, "eth1", "trusted").Return(nil),
		e.On("SyncNetworks", c, networkEntries("10.0.0.0/8", "internal", "192.0.2.5/32", "trusted")).Return(nil),
		e.On("UpdateService", c, customID, specs[0].Ports).Return(nil),
		e.On("UpdateServiceZones", c, customID, specs[0].Change).Return(nil),
		e.On("UpdateService", c, "sip", specs[1].Ports).Return(nil),
		e.On("UpdateServiceZones", c, "sip", specs[1].Change).Return(nil),
		e.On("SetRtpPorts", c, state.Rtp).Return(state.Rtp, nil),
		e.On("UpdateTargets", c, state.Signaling, []string{"198.51.100.7", "203.0.113.9/32"}).Return(nil),
		e.On("UpdateBlacklist", c, []string{"192.0.2.66"}).Return(nil),
		e.On("PurgeServices", c, []string{customID, "sip"}).Return([]string{"fpbxsvc-old"}, nil),
		e.On("RuleCounts").Return(map[iptables.Family]int{}),
	)

	l := newTestLoop(e, testConfig(), stubSource{state: state})
	require.NoError(t, l.RunOnce(ctx, testConfig()))
	e.AssertExpectations(t)
	e.AssertNotCalled(t, "Invalidate")

	// 自定义服务默认加入internal
	assert.Equal(t, []iptables.Zone{iptables.ZoneInternal}, specs[0].Change.AddTo)
	assert.Equal(t, []iptables.Zone{iptables.ZoneExternal, iptables.ZoneInternal}, specs[1].Change.AddTo)
}

func TestRunOnceCommandErrorStopsPass(t *testing.T) {
	ctx := context.Background()
	e := new(MockEngine)
	e.On("ChangeInterfaceZone", mock.Anything, "eth0", "external").
		Return(fmt.Errorf("%w: exit status 4", iptables.ErrCommand))
	e.On("Invalidate").Return()
	e.On("RuleCounts").Return(map[iptables.Family]int{})

	m := metrics.New()
	l := newTestLoop(e, testConfig(), stubSource{state: testState()})
	l.opts.Metrics = m

	err := l.RunOnce(ctx, testConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, iptables.ErrCommand)

	e.AssertNumberOfCalls(t, "Invalidate", 1)
	e.AssertNotCalled(t, "ChangeInterfaceZone", mock.Anything, "eth1", mock.Anything)
	e.AssertNotCalled(t, "SyncNetworks", mock.Anything, mock.Anything)
	e.AssertNotCalled(t, "PurgeServices", mock.Anything, mock.Anything)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Passes.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Redumps))
}

func TestRunOnceConfigErrorStopsPass(t *testing.T) {
	ctx := context.Background()

	t.Run("网络的区域未知", func(t *testing.T) {
		cfg := testConfig()
		cfg.Firewall.Networks["172.16.0.0/12"] = "dmz"

		e := new(MockEngine)
		expectAny(e)
		m := metrics.New()
		l := newTestLoop(e, cfg, stubSource{state: testState()})
		l.opts.Metrics = m

		err := l.RunOnce(ctx, cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, iptables.ErrConfig)
		assert.False(t, iptables.NeedsRedump(err))

		e.AssertNumberOfCalls(t, "ChangeInterfaceZone", 2)
		e.AssertNotCalled(t, "SyncNetworks", mock.Anything, mock.Anything)
		e.AssertNotCalled(t, "UpdateService", mock.Anything, mock.Anything, mock.Anything)
		e.AssertNotCalled(t, "PurgeServices", mock.Anything, mock.Anything)
		e.AssertNotCalled(t, "Invalidate")

		assert.Equal(t, 1.0, testutil.ToFloat64(m.Passes.WithLabelValues("error")))
		assert.Equal(t, 0.0, testutil.ToFloat64(m.Redumps))
		assert.Equal(t, 3.0, testutil.ToFloat64(m.Rules.WithLabelValues("ipv4")))
	})

	t.Run("网络地址无效", func(t *testing.T) {
		cfg := testConfig()
		cfg.Firewall.Networks["not-an-ip"] = "internal"

		e := new(MockEngine)
		expectAny(e)
		l := newTestLoop(e, cfg, stubSource{state: testState()})

		assert.ErrorIs(t, l.RunOnce(ctx, cfg), iptables.ErrConfig)
		e.AssertNotCalled(t, "SyncNetworks", mock.Anything, mock.Anything)
		e.AssertNotCalled(t, "PurgeServices", mock.Anything, mock.Anything)
	})

	t.Run("服务端口无效", func(t *testing.T) {
		e := new(MockEngine)
		e.On("UpdateService", mock.Anything, customID, mock.Anything).
			Return(fmt.Errorf("%w: 无效端口", iptables.ErrConfig))
		expectAny(e)
		l := newTestLoop(e, testConfig(), stubSource{state: testState()})

		err := l.RunOnce(ctx, testConfig())
		assert.ErrorIs(t, err, iptables.ErrConfig)

		// 出错的服务之后的步骤都不执行，服务链保留到下个周期
		e.AssertNumberOfCalls(t, "SyncNetworks", 1)
		e.AssertNotCalled(t, "UpdateServiceZones", mock.Anything, mock.Anything, mock.Anything)
		e.AssertNotCalled(t, "UpdateService", mock.Anything, "sip", mock.Anything)
		e.AssertNotCalled(t, "SetRtpPorts", mock.Anything, mock.Anything)
		e.AssertNotCalled(t, "UpdateTargets", mock.Anything, mock.Anything, mock.Anything)
		e.AssertNotCalled(t, "UpdateBlacklist", mock.Anything, mock.Anything)
		e.AssertNotCalled(t, "PurgeServices", mock.Anything, mock.Anything)
		e.AssertNotCalled(t, "Invalidate")
	})

	t.Run("下个周期配置修正后完成", func(t *testing.T) {
		cfg := testConfig()
		cfg.Firewall.Networks["172.16.0.0/12"] = "dmz"

		e := new(MockEngine)
		expectAny(e)
		l := newTestLoop(e, cfg, stubSource{state: testState()})
		require.Error(t, l.RunOnce(ctx, cfg))

		cfg.Firewall.Networks["172.16.0.0/12"] = "other"
		require.NoError(t, l.RunOnce(ctx, cfg))
		e.AssertNumberOfCalls(t, "PurgeServices", 1)
	})
}

func TestRunOnceNetworksFollowConfig(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	e := new(MockEngine)
	expectAny(e)
	l := newTestLoop(e, cfg, stubSource{state: testState()})
	require.NoError(t, l.RunOnce(ctx, cfg))

	// 改变区域并删除一个网络，整份期望列表交给驱动
	cfg.Firewall.Networks = map[string]string{"10.0.0.0/8": "trusted"}
	require.NoError(t, l.RunOnce(ctx, cfg))

	e.AssertCalled(t, "SyncNetworks", mock.Anything, networkEntries("10.0.0.0/8", "internal", "192.0.2.5/32", "trusted"))
	e.AssertCalled(t, "SyncNetworks", mock.Anything, networkEntries("10.0.0.0/8", "trusted"))

	cfg.Firewall.Networks = map[string]string{}
	require.NoError(t, l.RunOnce(ctx, cfg))
	e.AssertCalled(t, "SyncNetworks", mock.Anything, []iptables.NetworkEntry{})
}

func TestRunOnceDiscoveryFailure(t *testing.T) {
	ctx := context.Background()
	e := new(MockEngine)
	expectAny(e)

	l := newTestLoop(e, testConfig(), stubSource{err: errors.New("命令执行失败")})
	require.Error(t, l.RunOnce(ctx, testConfig()))

	// 网卡和网络仍然生效，服务链不能被清理
	e.AssertNumberOfCalls(t, "ChangeInterfaceZone", 2)
	e.AssertNumberOfCalls(t, "SyncNetworks", 1)
	e.AssertNotCalled(t, "UpdateService", mock.Anything, mock.Anything, mock.Anything)
	e.AssertNotCalled(t, "PurgeServices", mock.Anything, mock.Anything)
}

func TestRunOnceInterfaceListFailure(t *testing.T) {
	ctx := context.Background()
	e := new(MockEngine)
	expectAny(e)

	l := newTestLoop(e, testConfig(), stubSource{state: testState()})
	l.opts.Interfaces = failingLister{}
	require.NoError(t, l.RunOnce(ctx, testConfig()))

	e.AssertNumberOfCalls(t, "ChangeInterfaceZone", 1)
	e.AssertCalled(t, "ChangeInterfaceZone", mock.Anything, "eth0", "external")
}

type failingLister struct{}

func (failingLister) Interfaces() ([]string, error) {
	return nil, errors.New("netlink不可用")
}

func TestTriggerInvalidatesBeforePass(t *testing.T) {
	ctx := context.Background()
	e := new(MockEngine)
	expectAny(e)
	l := newTestLoop(e, testConfig(), stubSource{state: testState()})

	// 多次触发不会阻塞
	l.Trigger()
	l.Trigger()
	l.Trigger()

	require.NoError(t, l.RunOnce(ctx, testConfig()))
	e.AssertNumberOfCalls(t, "Invalidate", 1)
	require.Equal(t, "Invalidate", e.Calls[0].Method)

	require.NoError(t, l.RunOnce(ctx, testConfig()))
	e.AssertNumberOfCalls(t, "Invalidate", 1)
}

func TestRunDisabledReleasesLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "voipfw.pid")
	lock := utils.NewPIDLock(lockPath)
	require.NoError(t, lock.Acquire())
	require.FileExists(t, lockPath)

	cfg := testConfig()
	cfg.Firewall.Enabled = false

	e := new(MockEngine)
	l := newTestLoop(e, cfg, stubSource{state: testState()})
	l.opts.Lock = lock

	require.NoError(t, l.Run(context.Background()))
	assert.NoFileExists(t, lockPath)
	e.AssertNotCalled(t, "ChangeInterfaceZone", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunWakesOnTrigger(t *testing.T) {
	cfg := testConfig()
	cfg.Firewall.Refresh = config.RefreshSlow

	e := new(MockEngine)
	expectAny(e)
	l := newTestLoop(e, cfg, stubSource{state: testState()})

	var loads atomic.Int32
	l.opts.LoadConfig = func() (*config.Config, error) {
		loads.Add(1)
		return cfg, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return loads.Load() >= 1 }, time.Second, 10*time.Millisecond)
	l.Trigger()
	require.Eventually(t, func() bool { return loads.Load() >= 2 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("协调循环没有退出")
	}
}

func TestRunKeepsLastConfig(t *testing.T) {
	t.Run("首次加载失败", func(t *testing.T) {
		l := newTestLoop(new(MockEngine), testConfig(), stubSource{})
		l.opts.LoadConfig = func() (*config.Config, error) { return nil, errors.New("文件不存在") }
		assert.Error(t, l.Run(context.Background()))
	})

	t.Run("之后失败沿用上一次", func(t *testing.T) {
		cfg := testConfig()
		l := newTestLoop(new(MockEngine), cfg, stubSource{})

		got, err := l.reload()
		require.NoError(t, err)
		assert.Same(t, cfg, got)

		broken := testConfig()
		broken.Firewall.Refresh = "sometimes"
		l.opts.LoadConfig = func() (*config.Config, error) { return broken, nil }
		got, err = l.reload()
		require.NoError(t, err)
		assert.Same(t, cfg, got)
	})
}
