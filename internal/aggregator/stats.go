package aggregator

import (
	"sort"
	"time"

	"github.com/nickproject/uidscope/internal/appinfo"
	"github.com/nickproject/uidscope/internal/capture"
)

// DefaultWindow 包大小滑动窗口默认容量
const DefaultWindow = 10000

// SessionTrafficStats 单个 UID 在本次会话中的流量统计。
// 发布后不可修改，更新总是返回新值。
type SessionTrafficStats struct {
	UID           int32
	App           *appinfo.AppInfo // 未解析时为 nil
	TotalBytes    uint64
	UplinkBytes   uint64
	DownlinkBytes uint64
	Packets       uint64
	Sizes         []uint32       // 最近的包大小 (IP 层)，最旧的在前
	Histogram     map[uint32]int // 由 Sizes 完整重算
	LastSeen      time.Time
}

// NewSessionTrafficStats 创建空统计
func NewSessionTrafficStats(uid int32) *SessionTrafficStats {
	return &SessionTrafficStats{
		UID:       uid,
		Histogram: map[uint32]int{},
	}
}

// Updated 计入一个包头，返回新统计。UID 不一致时原样返回。
func (s *SessionTrafficStats) Updated(ev capture.PacketHeaderEvent, window int) *SessionTrafficStats {
	if ev.UID != s.UID {
		return s
	}
	if window <= 0 {
		window = DefaultWindow
	}

	next := *s
	size := ev.IPLength
	next.TotalBytes += uint64(size)
	if ev.IsUplink() {
		next.UplinkBytes += uint64(size)
	} else {
		next.DownlinkBytes += uint64(size)
	}
	next.Packets++

	keep := s.Sizes
	if over := len(keep) + 1 - window; over > 0 {
		if over >= len(keep) {
			keep = nil
		} else {
			keep = keep[over:]
		}
	}
	sizes := make([]uint32, len(keep)+1)
	copy(sizes, keep)
	sizes[len(keep)] = size
	next.Sizes = sizes
	next.Histogram = Histogram(sizes)

	if ev.TsSec > 0 {
		next.LastSeen = ev.Time()
	} else {
		next.LastSeen = time.Now()
	}
	return &next
}

// WithApp 返回附带应用信息的新统计，计数不变
func (s *SessionTrafficStats) WithApp(info appinfo.AppInfo) *SessionTrafficStats {
	next := *s
	next.App = &info
	return &next
}

// Name 显示名称，未解析时用占位名
func (s *SessionTrafficStats) Name() string {
	if s.App != nil {
		return s.App.Name
	}
	return appinfo.Placeholder(s.UID).Name
}

// Histogram 对包大小做完整的分组计数
func Histogram(sizes []uint32) map[uint32]int {
	h := make(map[uint32]int)
	for _, v := range sizes {
		h[v]++
	}
	return h
}

// Bin 直方图中的一个点
type Bin struct {
	Size  uint32 `json:"size"`
	Count int    `json:"count"`
}

// Bins 按包大小升序返回直方图
func Bins(h map[uint32]int) []Bin {
	bins := make([]Bin, 0, len(h))
	for size, count := range h {
		bins = append(bins, Bin{Size: size, Count: count})
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].Size < bins[j].Size })
	return bins
}

// StatsMap UID 到统计的映射，发布后只读
type StatsMap map[int32]*SessionTrafficStats

// with 复制映射并替换一项
func (m StatsMap) with(uid int32, s *SessionTrafficStats) StatsMap {
	out := make(StatsMap, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[uid] = s
	return out
}

// UIDs 升序返回全部 UID
func (m StatsMap) UIDs() []int32 {
	uids := make([]int32, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// Overall 全部 UID 的汇总视图
type Overall struct {
	Apps          int
	TotalBytes    uint64
	UplinkBytes   uint64
	DownlinkBytes uint64
	Packets       uint64
	Sizes         []uint32
	Histogram     map[uint32]int
}

// Summarize 汇总计数，并按 UID 升序拼接各窗口后保留最近 window 个包大小
func Summarize(m StatsMap, window int) Overall {
	if window <= 0 {
		window = DefaultWindow
	}
	o := Overall{Apps: len(m)}
	var sizes []uint32
	for _, uid := range m.UIDs() {
		s := m[uid]
		o.TotalBytes += s.TotalBytes
		o.UplinkBytes += s.UplinkBytes
		o.DownlinkBytes += s.DownlinkBytes
		o.Packets += s.Packets
		sizes = append(sizes, s.Sizes...)
	}
	if len(sizes) > window {
		sizes = sizes[len(sizes)-window:]
	}
	o.Sizes = sizes
	o.Histogram = Histogram(sizes)
	return o
}
