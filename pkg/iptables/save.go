package iptables

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"
)

// ParseSave 解析iptables-save格式的内容: 表 -> 链 -> 有序规则(去掉 "-A <链>" 前缀)
func ParseSave(content []byte) (map[string]map[string][]string, error) {
	tables := make(map[string]map[string][]string)

	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var current map[string][]string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// 跳过注释和空行
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// 表头
		if strings.HasPrefix(line, "*") {
			name := strings.TrimPrefix(line, "*")
			current = tables[name]
			if current == nil {
				current = make(map[string][]string)
				tables[name] = current
			}
			continue
		}

		// 表结束
		if line == "COMMIT" {
			current = nil
			continue
		}

		if current == nil {
			continue
		}

		// 链定义
		if strings.HasPrefix(line, ":") {
			parts := strings.Fields(line)
			chain := strings.TrimPrefix(parts[0], ":")
			if _, ok := current[chain]; !ok {
				current[chain] = []string{}
			}
			continue
		}

		// 规则行
		if strings.HasPrefix(line, "-A ") {
			parts := strings.SplitN(line, " ", 3)
			if len(parts) < 2 {
				return nil, fmt.Errorf("无效的规则行: %q", line)
			}
			rule := ""
			if len(parts) == 3 {
				rule = strings.TrimSpace(parts[2])
			}
			current[parts[1]] = append(current[parts[1]], rule)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取iptables-save输出失败: %w", err)
	}

	// 至少要有 filter/INPUT
	if tables[TableFilter] == nil {
		tables[TableFilter] = map[string][]string{ChainInput: {}}
	}
	return tables, nil
}

// FormatSave 生成iptables-save格式的内容，用于status输出
func FormatSave(tables map[string]map[string][]string) string {
	var content strings.Builder

	// 按固定顺序输出表
	tableOrder := []string{"raw", "mangle", "nat", "filter"}
	seen := make(map[string]bool)
	for _, name := range tableOrder {
		seen[name] = true
	}
	var extra []string
	for name := range tables {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)

	for _, tableName := range append(tableOrder, extra...) {
		chains, exists := tables[tableName]
		if !exists {
			continue
		}

		content.WriteString(fmt.Sprintf("*%s\n", tableName))

		// 链定义 - 按名称排序
		chainNames := make([]string, 0, len(chains))
		for chainName := range chains {
			chainNames = append(chainNames, chainName)
		}
		sort.Strings(chainNames)

		for _, chainName := range chainNames {
			policy := "-"
			if isBuiltinTarget(chainName) {
				policy = "ACCEPT"
			}
			content.WriteString(fmt.Sprintf(":%s %s [0:0]\n", chainName, policy))
		}
		for _, chainName := range chainNames {
			for _, rule := range chains[chainName] {
				content.WriteString(fmt.Sprintf("-A %s %s\n", chainName, rule))
			}
		}

		content.WriteString("COMMIT\n")
	}

	return content.String()
}

// SaveSnapshot 通过iptables-save读取两个地址族的当前规则，需要root权限
func SaveSnapshot(ctx context.Context, exec Executor) (Snapshot, error) {
	snap := make(Snapshot, len(Families))
	for _, f := range Families {
		out, err := exec.Save(ctx, f)
		if err != nil {
			return nil, err
		}
		tables, err := ParseSave(out)
		if err != nil {
			return nil, fmt.Errorf("%w: 解析%s规则失败: %v", ErrCommand, f, err)
		}
		snap[f] = tables
	}
	return snap, nil
}
