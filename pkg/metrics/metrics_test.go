package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
)

type stubExecutor struct {
	fail bool
}

func (s stubExecutor) Apply(context.Context, iptables.Op) error {
	if s.fail {
		return iptables.ErrCommand
	}
	return nil
}

func (s stubExecutor) Save(context.Context, iptables.Family) ([]byte, error) {
	return []byte("*filter\nCOMMIT\n"), nil
}

func TestInstrumentedExecutor(t *testing.T) {
	r := New()
	ctx := context.Background()
	op := iptables.Op{Kind: iptables.OpAppend, Family: iptables.FamilyIPv4, Chain: "fpbxnets", Rule: "-s 10.0.0.0/8 -j zone-trusted"}

	require.NoError(t, r.Instrument(stubExecutor{}).Apply(ctx, op))
	require.NoError(t, r.Instrument(stubExecutor{}).Apply(ctx, op))
	assert.ErrorIs(t, r.Instrument(stubExecutor{fail: true}).Apply(ctx, op), iptables.ErrCommand)
	_, err := r.Instrument(stubExecutor{}).Save(ctx, iptables.FamilyIPv6)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Commands.WithLabelValues("ipv4", "append", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Commands.WithLabelValues("ipv4", "append", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Commands.WithLabelValues("ipv6", "save", "success")))
}

func TestObservePass(t *testing.T) {
	r := New()
	r.ObservePass(120*time.Millisecond, nil)
	r.ObservePass(time.Second, errors.New("boom"))
	r.SetRuleCounts(map[iptables.Family]int{iptables.FamilyIPv4: 14, iptables.FamilyIPv6: 12})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Passes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Passes.WithLabelValues("error")))
	assert.Equal(t, 14.0, testutil.ToFloat64(r.Rules.WithLabelValues("ipv4")))
	assert.Greater(t, testutil.ToFloat64(r.LastSuccess), 0.0)

	n, err := testutil.GatherAndCount(r.Gatherer(), "voipfw_reconcile_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
