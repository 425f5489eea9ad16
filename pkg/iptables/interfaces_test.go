package iptables

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeInterfaceZone(t *testing.T) {
	ctx := context.Background()

	t.Run("未识别的区域默认为trusted", func(t *testing.T) {
		b := BindInterface("eth1", "")
		assert.Equal(t, InterfaceBinding{Iface: "eth1", Zone: ZoneTrusted}, b)
		assert.Equal(t, ZoneTrusted, BindInterface("eth1", "bogus").Zone)
		assert.Equal(t, ZoneExternal, BindInterface("eth1", "External").Zone)
	})

	t.Run("清除所有旧规则", func(t *testing.T) {
		k := newFakeKernel()
		require.NoError(t, newTestDriver(k).ChangeInterfaceZone(ctx, "eth9", "trusted"))
		for _, f := range Families {
			k.chains[f][ChainInterfaces] = []string{
				"-i eth0 -j zone-external",
				"-i eth1 -j zone-internal",
				"-i eth0 -j zone-trusted",
				"-i eth9 -j zone-trusted",
			}
		}

		d := newTestDriver(k)
		require.NoError(t, d.ChangeInterfaceZone(ctx, "eth0", "internal"))
		for _, f := range Families {
			assert.Equal(t, []string{
				"-i eth1 -j zone-internal",
				"-i eth9 -j zone-trusted",
				"-i eth0 -j zone-internal",
			}, k.chains[f][ChainInterfaces])
		}
		requireInSync(t, d, k)

		k.resetOps()
		require.NoError(t, d.ChangeInterfaceZone(ctx, "eth0", "internal"))
		assert.Empty(t, k.ops)
	})

	t.Run("无效输入", func(t *testing.T) {
		k := newFakeKernel()
		d := newTestDriver(k)
		assert.ErrorIs(t, d.ChangeInterfaceZone(ctx, "eth0 -j ACCEPT", "internal"), ErrConfig)
		assert.ErrorIs(t, d.ChangeInterfaceZone(ctx, "eth0", "dmz"), ErrConfig)
		assert.Empty(t, k.ops)
	})
}
