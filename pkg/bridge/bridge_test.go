package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/voipfw/voipfw-agent/pkg/config"
	"github.com/voipfw/voipfw-agent/pkg/hook"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
)

// MockTrigger 模拟特权请求
type MockTrigger struct {
	mock.Mock
}

func (m *MockTrigger) Trigger(ctx context.Context, action string, params interface{}) error {
	return m.Called(ctx, action, params).Error(0)
}

type saveOnly map[iptables.Family]string

func (s saveOnly) Apply(context.Context, iptables.Op) error { return nil }

func (s saveOnly) Save(_ context.Context, f iptables.Family) ([]byte, error) {
	return []byte(s[f]), nil
}

func testConfig(t *testing.T) config.HookConfig {
	t.Helper()
	dir := t.TempDir()
	return config.HookConfig{
		SpoolDir:       dir,
		Prefix:         "firewall",
		ConsumeTimeout: 10,
		DumpPath:       filepath.Join(dir, "iptables.out"),
		DumpTimeout:    1,
		PollInterval:   10,
	}
}

const dumpJSON = `{"ipv4":{"filter":{"INPUT":["-j fpbxfirewall"]}},"ipv6":{"filter":{"INPUT":[]}}}`

func TestDumpAsRoot(t *testing.T) {
	trigger := new(MockTrigger)
	b := New(saveOnly{
		iptables.FamilyIPv4: "*filter\n:INPUT ACCEPT [0:0]\n-A INPUT -j fpbxfirewall\nCOMMIT\n",
		iptables.FamilyIPv6: "*filter\n:INPUT ACCEPT [0:0]\nCOMMIT\n",
	}, trigger, testConfig(t))
	b.isRoot = func() bool { return true }

	snap, err := b.Dump(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"-j fpbxfirewall"}, snap[iptables.FamilyIPv4]["filter"]["INPUT"])
	trigger.AssertNotCalled(t, "Trigger", mock.Anything, mock.Anything, mock.Anything)
}

func TestDumpViaHook(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	// 上一次的结果必须被删除
	require.NoError(t, os.WriteFile(cfg.DumpPath, []byte(`{"ipv4":{"filter":{"INPUT":["stale"]}}}`), 0644))

	trigger := new(MockTrigger)
	trigger.On("Trigger", ctx, hook.ActionGetIPTables, nil).Run(func(mock.Arguments) {
		assert.NoFileExists(t, cfg.DumpPath)
		go func() {
			// 先写入不完整的内容，读取方需要继续等待
			_ = os.WriteFile(cfg.DumpPath, []byte(`{"ipv4":`), 0644)
			time.Sleep(50 * time.Millisecond)
			_ = os.WriteFile(cfg.DumpPath, []byte(dumpJSON), 0644)
		}()
	}).Return(nil).Once()

	b := New(nil, trigger, cfg)
	b.isRoot = func() bool { return false }

	snap, err := b.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"-j fpbxfirewall"}, snap[iptables.FamilyIPv4]["filter"]["INPUT"])
	trigger.AssertExpectations(t)
}

func TestDumpViaHookFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("请求未被处理", func(t *testing.T) {
		cfg := testConfig(t)
		trigger := new(MockTrigger)
		trigger.On("Trigger", ctx, hook.ActionGetIPTables, nil).Return(hook.ErrNotConsumed).Once()

		b := New(nil, trigger, cfg)
		b.isRoot = func() bool { return false }
		_, err := b.Dump(ctx)
		assert.ErrorIs(t, err, iptables.ErrPrivilege)
		assert.True(t, iptables.NeedsRedump(err))
	})

	t.Run("结果超时", func(t *testing.T) {
		cfg := testConfig(t)
		trigger := new(MockTrigger)
		trigger.On("Trigger", ctx, hook.ActionGetIPTables, nil).Return(nil).Once()

		b := New(nil, trigger, cfg)
		b.isRoot = func() bool { return false }
		start := time.Now()
		_, err := b.Dump(ctx)
		assert.ErrorIs(t, err, iptables.ErrPrivilege)
		assert.GreaterOrEqual(t, time.Since(start), cfg.DumpWait())
	})
}

func TestAwaitJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":[1,2]}`), 0644))

	v, err := awaitJSON[map[string][]int](context.Background(), path, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, v["a"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = awaitJSON[map[string]int](ctx, filepath.Join(t.TempDir(), "missing"), 10*time.Millisecond, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))

	// 类型不符同样视为尚未就绪
	_, err = readJSON[map[string]int](path)
	assert.ErrorIs(t, err, errNotReady)
}
