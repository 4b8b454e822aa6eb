package tui

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nickproject/uidscope/internal/aggregator"
)

// FormatBytes 格式化字节数为人类可读格式
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatRate 格式化速率为人类可读格式
func FormatRate(bytesPerSec uint64) string {
	return FormatBytes(bytesPerSec) + "/s"
}

// TruncateString 截断字符串
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// PadRight 右填充字符串到指定宽度
func PadRight(s string, width int) string {
	runeCount := utf8.RuneCountInString(s)
	if runeCount >= width {
		return s
	}
	return s + strings.Repeat(" ", width-runeCount)
}

// PadLeft 左填充字符串到指定宽度
func PadLeft(s string, width int) string {
	runeCount := utf8.RuneCountInString(s)
	if runeCount >= width {
		return s
	}
	return strings.Repeat(" ", width-runeCount) + s
}

// RenderHistogram 取出现次数最多的 rows 个包大小，按大小升序画横向柱状图
func RenderHistogram(bins []aggregator.Bin, width, rows int) string {
	if len(bins) == 0 {
		return " (无数据)\n"
	}
	if width < 10 {
		width = 10
	}
	if rows < 1 {
		rows = 1
	}

	top := make([]aggregator.Bin, len(bins))
	copy(top, bins)
	sort.SliceStable(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Size < top[j].Size
	})
	if len(top) > rows {
		top = top[:rows]
	}
	sort.Slice(top, func(i, j int) bool { return top[i].Size < top[j].Size })

	maxCount := 0
	for _, b := range top {
		maxCount = max(maxCount, b.Count)
	}

	var sb strings.Builder
	for _, b := range top {
		n := b.Count * width / maxCount
		if n == 0 {
			n = 1
		}
		fmt.Fprintf(&sb, " %6d B │%s %d\n", b.Size, barStyle.Render(strings.Repeat("█", n)), b.Count)
	}
	return sb.String()
}
