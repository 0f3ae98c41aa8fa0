package risk

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSymbolLimits 解析形如 "GC=2, ES=3" 的按合约上限串。
// 合法条目进入结果映射；非法条目不终止解析，以文本形式返回给调用方记录。
func ParseSymbolLimits(value string) (map[string]int, []string) {
	limits := make(map[string]int)
	var anomalies []string

	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			anomalies = append(anomalies, fmt.Sprintf("缺少等号: %q", part))
			continue
		}

		symbol := strings.ToUpper(strings.TrimSpace(kv[0]))
		if symbol == "" {
			anomalies = append(anomalies, fmt.Sprintf("合约名为空: %q", part))
			continue
		}

		limit, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || limit <= 0 {
			anomalies = append(anomalies, fmt.Sprintf("上限无效: %q", part))
			continue
		}

		limits[symbol] = limit
	}

	return limits, anomalies
}

// ParseSymbolList 解析逗号分隔的合约列表，统一为大写并去重。
func ParseSymbolList(value string) []string {
	seen := make(map[string]struct{})
	var symbols []string

	for _, part := range strings.Split(value, ",") {
		symbol := strings.ToUpper(strings.TrimSpace(part))
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}

	return symbols
}
