package filter

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nickproject/uidscope/internal/appinfo"
)

// Filter 应用过滤器，按应用名、包名或 UID 匹配
type Filter struct {
	includePatterns []string
	excludePatterns []string
}

// New 创建过滤器
func New(include, exclude []string) *Filter {
	return &Filter{
		includePatterns: normalizePatterns(include),
		excludePatterns: normalizePatterns(exclude),
	}
}

// normalizePatterns 规范化通配符模式
func normalizePatterns(patterns []string) []string {
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// MatchApp 判断应用是否应该显示
func (f *Filter) MatchApp(info appinfo.AppInfo) bool {
	return f.Match(info.Name, info.Package, strconv.FormatInt(int64(info.UID), 10))
}

// Match 任一候选名命中排除规则即过滤；
// 没有包含规则时默认显示，否则需要任一候选名命中包含规则
func (f *Filter) Match(candidates ...string) bool {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != "" {
			names = append(names, strings.ToLower(c))
		}
	}

	for _, pattern := range f.excludePatterns {
		for _, name := range names {
			if matchPattern(pattern, name) {
				return false
			}
		}
	}

	if len(f.includePatterns) == 0 {
		return true
	}

	for _, pattern := range f.includePatterns {
		for _, name := range names {
			if matchPattern(pattern, name) {
				return true
			}
		}
	}
	return false
}

// matchPattern 使用通配符匹配
// 支持 * 和 ? 通配符
// 例如: com.google.* 匹配 com.google.android.gms 和 com.google
func matchPattern(pattern, name string) bool {
	if strings.HasSuffix(pattern, ".*") {
		prefix := pattern[:len(pattern)-1] // com.google.
		return strings.HasPrefix(name, prefix) || name == pattern[:len(pattern)-2]
	}

	matched, err := filepath.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}

// IsEmpty 检查过滤器是否为空（无任何规则）
func (f *Filter) IsEmpty() bool {
	return len(f.includePatterns) == 0 && len(f.excludePatterns) == 0
}
