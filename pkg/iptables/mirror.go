package iptables

import (
	"sort"
)

// RuleID 镜像中规则的稳定标识，内核位置在下发命令前由镜像计算
type RuleID uint64

// Entry 镜像中的一条规则
type Entry struct {
	ID   RuleID
	Rule string
}

// Mirror 内核规则的内存镜像: 地址族 -> 表 -> 链 -> 有序规则
//
// 只有对应的内核命令成功后才修改镜像。外部进程对规则表的修改无法感知。
type Mirror struct {
	nextID RuleID
	tables map[Family]map[string]map[string][]Entry
}

// NewMirror 创建空镜像
func NewMirror() *Mirror {
	return &Mirror{tables: make(map[Family]map[string]map[string][]Entry)}
}

// MirrorFromSnapshot 由转储结果构建镜像，每个地址族保证至少存在 filter/INPUT
func MirrorFromSnapshot(s Snapshot) *Mirror {
	m := NewMirror()
	for family, tables := range s {
		for table, chains := range tables {
			for chain, rules := range chains {
				m.ensure(family, table, chain)
				for _, rule := range rules {
					m.tables[family][table][chain] = append(m.tables[family][table][chain], m.newEntry(rule))
				}
			}
		}
	}
	for _, family := range Families {
		m.ensure(family, TableFilter, ChainInput)
	}
	return m
}

func (m *Mirror) newEntry(rule string) Entry {
	m.nextID++
	return Entry{ID: m.nextID, Rule: rule}
}

func (m *Mirror) ensure(f Family, table, chain string) {
	if m.tables[f] == nil {
		m.tables[f] = make(map[string]map[string][]Entry)
	}
	if m.tables[f][table] == nil {
		m.tables[f][table] = make(map[string][]Entry)
	}
	if _, ok := m.tables[f][table][chain]; !ok {
		m.tables[f][table][chain] = []Entry{}
	}
}

func (m *Mirror) filter(f Family) map[string][]Entry {
	return m.tables[f][TableFilter]
}

// HasChain filter表中是否存在该链
func (m *Mirror) HasChain(f Family, chain string) bool {
	_, ok := m.filter(f)[chain]
	return ok
}

// Chains filter表中的所有链名，已排序
func (m *Mirror) Chains(f Family) []string {
	names := make([]string, 0, len(m.filter(f)))
	for name := range m.filter(f) {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries 链中规则的副本
func (m *Mirror) Entries(f Family, chain string) []Entry {
	entries := m.filter(f)[chain]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Rules 链中的规则文本
func (m *Mirror) Rules(f Family, chain string) []string {
	entries := m.filter(f)[chain]
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Rule
	}
	return out
}

// Find 查找与规则文本完全相同的第一条规则
func (m *Mirror) Find(f Family, chain, rule string) (RuleID, bool) {
	for _, e := range m.filter(f)[chain] {
		if e.Rule == rule {
			return e.ID, true
		}
	}
	return 0, false
}

// Position 规则当前的内核位置(从1开始)
func (m *Mirror) Position(f Family, chain string, id RuleID) (int, bool) {
	for i, e := range m.filter(f)[chain] {
		if e.ID == id {
			return i + 1, true
		}
	}
	return 0, false
}

// RuleCount 该地址族filter表中的规则总数
func (m *Mirror) RuleCount(f Family) int {
	n := 0
	for _, entries := range m.filter(f) {
		n += len(entries)
	}
	return n
}

func (m *Mirror) addChain(f Family, chain string) {
	m.ensure(f, TableFilter, chain)
}

func (m *Mirror) removeChain(f Family, chain string) {
	delete(m.filter(f), chain)
}

func (m *Mirror) flush(f Family, chain string) {
	if m.HasChain(f, chain) {
		m.filter(f)[chain] = []Entry{}
	}
}

// insertAt 在位置pos(从1开始)插入，返回新规则的ID
func (m *Mirror) insertAt(f Family, chain string, pos int, rule string) RuleID {
	m.ensure(f, TableFilter, chain)
	entries := m.filter(f)[chain]
	e := m.newEntry(rule)
	idx := pos - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(entries) {
		idx = len(entries)
	}
	entries = append(entries, Entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	m.filter(f)[chain] = entries
	return e.ID
}

func (m *Mirror) appendRule(f Family, chain string, rule string) RuleID {
	return m.insertAt(f, chain, len(m.filter(f)[chain])+1, rule)
}

func (m *Mirror) remove(f Family, chain string, id RuleID) {
	entries := m.filter(f)[chain]
	for i, e := range entries {
		if e.ID == id {
			m.filter(f)[chain] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Snapshot 导出为转储格式
func (m *Mirror) Snapshot() Snapshot {
	out := make(Snapshot, len(m.tables))
	for family, tables := range m.tables {
		out[family] = make(map[string]map[string][]string, len(tables))
		for table, chains := range tables {
			out[family][table] = make(map[string][]string, len(chains))
			for chain, entries := range chains {
				rules := make([]string, len(entries))
				for i, e := range entries {
					rules[i] = e.Rule
				}
				out[family][table][chain] = rules
			}
		}
	}
	return out
}
