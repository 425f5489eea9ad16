package iptables

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeKernel 内存中的filter表，独立实现位置语义，用于校验镜像与内核一致
type fakeKernel struct {
	chains map[Family]map[string][]string
	ops    []Op
	dumps  int
	failOn func(Op) bool
}

func newFakeKernel() *fakeKernel {
	k := &fakeKernel{chains: make(map[Family]map[string][]string)}
	for _, f := range Families {
		k.chains[f] = map[string][]string{
			"INPUT":   {},
			"FORWARD": {},
			"OUTPUT":  {},
		}
	}
	return k
}

// seed 直接写入内核，不经过驱动
func (k *fakeKernel) seed(f Family, chain string, rules ...string) {
	k.chains[f][chain] = append(k.chains[f][chain], rules...)
}

func jumpTarget(rule string) string {
	fields := strings.Fields(rule)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "-j" {
			return fields[i+1]
		}
	}
	return ""
}

func (k *fakeKernel) Apply(_ context.Context, op Op) error {
	k.ops = append(k.ops, op)
	if k.failOn != nil && k.failOn(op) {
		return fmt.Errorf("%w: injected failure on %s", ErrCommand, op)
	}

	chains := k.chains[op.Family]
	rules, exists := chains[op.Chain]
	if op.Kind != OpNewChain && !exists {
		return fmt.Errorf("%w: No chain/target/match by that name: %s", ErrCommand, op.Chain)
	}
	if op.Kind == OpAppend || op.Kind == OpInsert {
		if t := jumpTarget(op.Rule); !isBuiltinTarget(t) {
			if _, ok := chains[t]; !ok {
				return fmt.Errorf("%w: jump to missing chain %s", ErrCommand, t)
			}
		}
	}

	switch op.Kind {
	case OpNewChain:
		if exists {
			return fmt.Errorf("%w: Chain already exists: %s", ErrCommand, op.Chain)
		}
		chains[op.Chain] = []string{}
	case OpFlush:
		chains[op.Chain] = []string{}
	case OpDeleteChain:
		if len(rules) > 0 {
			return fmt.Errorf("%w: Directory not empty: %s", ErrCommand, op.Chain)
		}
		for name, rs := range chains {
			for _, r := range rs {
				if jumpTarget(r) == op.Chain {
					return fmt.Errorf("%w: Too many links: %s referenced from %s", ErrCommand, op.Chain, name)
				}
			}
		}
		delete(chains, op.Chain)
	case OpAppend:
		chains[op.Chain] = append(rules, op.Rule)
	case OpInsert:
		if op.Position < 1 || op.Position > len(rules)+1 {
			return fmt.Errorf("%w: Index of insertion too big: %d", ErrCommand, op.Position)
		}
		out := make([]string, 0, len(rules)+1)
		out = append(out, rules[:op.Position-1]...)
		out = append(out, op.Rule)
		out = append(out, rules[op.Position-1:]...)
		chains[op.Chain] = out
	case OpDelete:
		if op.Position < 1 || op.Position > len(rules) {
			return fmt.Errorf("%w: Index of deletion too big: %d", ErrCommand, op.Position)
		}
		out := make([]string, 0, len(rules)-1)
		out = append(out, rules[:op.Position-1]...)
		out = append(out, rules[op.Position:]...)
		chains[op.Chain] = out
	}
	return nil
}

func (k *fakeKernel) Save(_ context.Context, f Family) ([]byte, error) {
	tables := map[string]map[string][]string{TableFilter: k.chains[f]}
	return []byte(FormatSave(tables)), nil
}

// Dump 经过 iptables-save 格式往返，与root下的转储路径一致
func (k *fakeKernel) Dump(ctx context.Context) (Snapshot, error) {
	k.dumps++
	return SaveSnapshot(ctx, k)
}

func (k *fakeKernel) chainNames(f Family) []string {
	var names []string
	for name := range k.chains[f] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (k *fakeKernel) resetOps() {
	k.ops = nil
}

func newTestDriver(k *fakeKernel) *Driver {
	return NewDriver(k, k)
}

// requireInSync 镜像必须与内核完全一致
func requireInSync(t *testing.T, d *Driver, k *fakeKernel) {
	t.Helper()
	m := d.Mirror()
	require.NotNil(t, m, "镜像未加载")
	for _, f := range Families {
		require.Equal(t, k.chainNames(f), m.Chains(f), "%s 链集合不一致", f)
		for _, chain := range k.chainNames(f) {
			require.Equal(t, k.chains[f][chain], m.Rules(f, chain), "%s/%s 内容不一致", f, chain)
		}
	}
}

// requireSymmetric 两个地址族的链名集合必须相同
func requireSymmetric(t *testing.T, d *Driver) {
	t.Helper()
	m := d.Mirror()
	require.Equal(t, m.Chains(FamilyIPv4), m.Chains(FamilyIPv6))
}
