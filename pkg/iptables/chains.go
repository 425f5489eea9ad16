package iptables

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

var sourcePrefixRe = regexp.MustCompile(`^-s \S+/(\d+) `)

// sourcePrefixLen 规则中 "-s addr/len" 的前缀长度
func sourcePrefixLen(rule string) (int, bool) {
	m := sourcePrefixRe.FindStringSubmatch(rule)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ChainManager 在两个地址族中维护链和链内规则的顺序
//
// 所有变更先下发内核命令，成功后才修改镜像。位置由规则ID在下发前从镜像计算。
type ChainManager struct {
	exec   Executor
	mirror *Mirror
	log    *logrus.Entry
}

// NewChainManager 创建链管理器
func NewChainManager(exec Executor, mirror *Mirror) *ChainManager {
	return &ChainManager{
		exec:   exec,
		mirror: mirror,
		log:    logger.GetDriverLogger(),
	}
}

func (c *ChainManager) apply(ctx context.Context, op Op) error {
	if op.Table == "" {
		op.Table = TableFilter
	}
	return c.exec.Apply(ctx, op)
}

// EnsureChain 确保链在两个地址族中都存在，内置目标直接跳过
func (c *ChainManager) EnsureChain(ctx context.Context, name string) error {
	if isBuiltinTarget(name) {
		return nil
	}
	for _, f := range Families {
		if c.mirror.HasChain(f, name) {
			continue
		}
		if err := c.apply(ctx, Op{Kind: OpNewChain, Family: f, Chain: name}); err != nil {
			return err
		}
		c.mirror.addChain(f, name)
		c.log.WithFields(logrus.Fields{
			"family": f,
			"chain":  name,
		}).Debug("创建链")
	}
	return nil
}

// Append 追加规则
func (c *ChainManager) Append(ctx context.Context, f Family, chain, rule string) (RuleID, error) {
	if err := c.apply(ctx, Op{Kind: OpAppend, Family: f, Chain: chain, Rule: rule}); err != nil {
		return 0, err
	}
	return c.mirror.appendRule(f, chain, rule), nil
}

// AppendIfAbsent 规则不存在时追加，返回是否追加
func (c *ChainManager) AppendIfAbsent(ctx context.Context, f Family, chain, rule string) (bool, error) {
	if _, ok := c.mirror.Find(f, chain, rule); ok {
		return false, nil
	}
	if _, err := c.Append(ctx, f, chain, rule); err != nil {
		return false, err
	}
	return true, nil
}

func (c *ChainManager) insertAt(ctx context.Context, f Family, chain string, pos int, rule string) (RuleID, error) {
	if err := c.apply(ctx, Op{Kind: OpInsert, Family: f, Chain: chain, Position: pos, Rule: rule}); err != nil {
		return 0, err
	}
	return c.mirror.insertAt(f, chain, pos, rule), nil
}

// InsertFirst 插入到链首
func (c *ChainManager) InsertFirst(ctx context.Context, f Family, chain, rule string) (RuleID, error) {
	return c.insertAt(ctx, f, chain, 1, rule)
}

// InsertBefore 插入到anchor之前，anchor不存在时追加
func (c *ChainManager) InsertBefore(ctx context.Context, f Family, chain string, anchor RuleID, rule string) (RuleID, error) {
	pos, ok := c.mirror.Position(f, chain, anchor)
	if !ok {
		return c.Append(ctx, f, chain, rule)
	}
	return c.insertAt(ctx, f, chain, pos, rule)
}

// InsertOrdered 按前缀长度降序插入: 放在第一条前缀更短的规则之前，否则追加。
// 相同规则已存在时直接返回其位置。
func (c *ChainManager) InsertOrdered(ctx context.Context, f Family, chain, rule string, prefixLen int) (int, error) {
	if id, ok := c.mirror.Find(f, chain, rule); ok {
		pos, _ := c.mirror.Position(f, chain, id)
		return pos, nil
	}

	var id RuleID
	var err error
	anchor, found := RuleID(0), false
	for _, e := range c.mirror.Entries(f, chain) {
		if n, ok := sourcePrefixLen(e.Rule); ok && n < prefixLen {
			anchor, found = e.ID, true
			break
		}
	}
	if found {
		id, err = c.InsertBefore(ctx, f, chain, anchor, rule)
	} else {
		id, err = c.Append(ctx, f, chain, rule)
	}
	if err != nil {
		return 0, err
	}

	pos, _ := c.mirror.Position(f, chain, id)
	return pos, nil
}

// RemoveIDs 按位置从大到小删除，避免删除导致后续位置变化
func (c *ChainManager) RemoveIDs(ctx context.Context, f Family, chain string, ids []RuleID) error {
	type target struct {
		id  RuleID
		pos int
	}
	targets := make([]target, 0, len(ids))
	for _, id := range ids {
		if pos, ok := c.mirror.Position(f, chain, id); ok {
			targets = append(targets, target{id: id, pos: pos})
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].pos > targets[j].pos })

	for _, t := range targets {
		pos, ok := c.mirror.Position(f, chain, t.id)
		if !ok {
			continue
		}
		if err := c.apply(ctx, Op{Kind: OpDelete, Family: f, Chain: chain, Position: pos}); err != nil {
			return err
		}
		c.mirror.remove(f, chain, t.id)
	}
	return nil
}

// RemoveMatching 删除所有满足条件的规则，返回删除数量
func (c *ChainManager) RemoveMatching(ctx context.Context, f Family, chain string, match func(rule string) bool) (int, error) {
	var ids []RuleID
	for _, e := range c.mirror.Entries(f, chain) {
		if match(e.Rule) {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := c.RemoveIDs(ctx, f, chain, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RemoveExact 删除与规则文本完全相同的第一条规则，不存在时返回false
func (c *ChainManager) RemoveExact(ctx context.Context, f Family, chain, rule string) (bool, error) {
	id, ok := c.mirror.Find(f, chain, rule)
	if !ok {
		return false, nil
	}
	if err := c.RemoveIDs(ctx, f, chain, []RuleID{id}); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveAllWithPrefix 删除所有以prefix开头的规则
func (c *ChainManager) RemoveAllWithPrefix(ctx context.Context, f Family, chain, prefix string) (int, error) {
	return c.RemoveMatching(ctx, f, chain, func(rule string) bool {
		return strings.HasPrefix(rule, prefix)
	})
}

// Flush 清空链
func (c *ChainManager) Flush(ctx context.Context, f Family, chain string) error {
	if err := c.apply(ctx, Op{Kind: OpFlush, Family: f, Chain: chain}); err != nil {
		return err
	}
	c.mirror.flush(f, chain)
	return nil
}

// DeleteChain 在两个地址族中清空并删除链
func (c *ChainManager) DeleteChain(ctx context.Context, name string) error {
	for _, f := range Families {
		if !c.mirror.HasChain(f, name) {
			continue
		}
		if err := c.Flush(ctx, f, name); err != nil {
			return err
		}
		if err := c.apply(ctx, Op{Kind: OpDeleteChain, Family: f, Chain: name}); err != nil {
			return err
		}
		c.mirror.removeChain(f, name)
	}
	return nil
}

// ReconcileSet 让链内容等于desired集合: 多余和重复的规则从后往前删除，缺少的追加
func (c *ChainManager) ReconcileSet(ctx context.Context, f Family, chain string, desired []string) (added, removed int, err error) {
	want := make(map[string]bool, len(desired))
	for _, r := range desired {
		want[r] = true
	}

	seen := make(map[string]bool)
	var stale []RuleID
	for _, e := range c.mirror.Entries(f, chain) {
		if !want[e.Rule] || seen[e.Rule] {
			stale = append(stale, e.ID)
			continue
		}
		seen[e.Rule] = true
	}
	if err := c.RemoveIDs(ctx, f, chain, stale); err != nil {
		return 0, 0, err
	}
	removed = len(stale)

	for _, r := range desired {
		if seen[r] {
			continue
		}
		if _, err := c.Append(ctx, f, chain, r); err != nil {
			return added, removed, err
		}
		seen[r] = true
		added++
	}
	return added, removed, nil
}
