package aggregator

import (
	"context"
	"sort"
	"time"

	"github.com/nickproject/uidscope/internal/appinfo"
)

// TrafficEntry 单个应用的展示条目
type TrafficEntry struct {
	UID           int32     `json:"uid"`
	Name          string    `json:"name"`
	Package       string    `json:"package"`
	System        bool      `json:"system"`
	Resolved      bool      `json:"resolved"`
	UplinkRate    uint64    `json:"uplink_rate_bytes_s"`   // 上行速率 bytes/s
	DownlinkRate  uint64    `json:"downlink_rate_bytes_s"` // 下行速率 bytes/s
	TotalBytes    uint64    `json:"total_bytes"`
	UplinkBytes   uint64    `json:"uplink_bytes"`
	DownlinkBytes uint64    `json:"downlink_bytes"`
	Packets       uint64    `json:"packets"`
	LastSeen      time.Time `json:"last_seen"`
}

// TotalRate 返回总速率
func (e *TrafficEntry) TotalRate() uint64 {
	return e.UplinkRate + e.DownlinkRate
}

// SortMode 排序模式
type SortMode int

const (
	SortByRate SortMode = iota
	SortByTotal
	SortByUplink
	SortByDownlink
	SortByPackets
)

func (m SortMode) String() string {
	switch m {
	case SortByTotal:
		return "总流量"
	case SortByUplink:
		return "上行"
	case SortByDownlink:
		return "下行"
	case SortByPackets:
		return "包数"
	default:
		return "速率"
	}
}

// Sort 排序条目，相同时按 UID 升序
func Sort(entries []TrafficEntry, mode SortMode) {
	key := func(e *TrafficEntry) uint64 {
		switch mode {
		case SortByTotal:
			return e.TotalBytes
		case SortByUplink:
			return e.UplinkBytes
		case SortByDownlink:
			return e.DownlinkBytes
		case SortByPackets:
			return e.Packets
		default:
			return e.TotalRate()
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		ki, kj := key(&entries[i]), key(&entries[j])
		if ki != kj {
			return ki > kj
		}
		return entries[i].UID < entries[j].UID
	})
}

type counters struct {
	up, down uint64
}

// rateTracker 记录上一周期的计数用于计算速率
type rateTracker struct {
	prev map[int32]counters
	last time.Time
}

// Entries 将快照投影为条目，不计算速率
func (a *Aggregator) Entries() []TrafficEntry {
	return a.project(a.stats.Load(), nil, 0)
}

func (a *Aggregator) project(m StatsMap, prev map[int32]counters, interval time.Duration) []TrafficEntry {
	entries := make([]TrafficEntry, 0, len(m))
	for uid, s := range m {
		info := appinfo.Placeholder(uid)
		resolved := s.App != nil
		if resolved {
			info = *s.App
		}
		if a.filter != nil && !a.filter.MatchApp(info) {
			continue
		}

		e := TrafficEntry{
			UID:           uid,
			Name:          info.Name,
			Package:       info.Package,
			System:        info.System,
			Resolved:      resolved && !info.NotFound,
			TotalBytes:    s.TotalBytes,
			UplinkBytes:   s.UplinkBytes,
			DownlinkBytes: s.DownlinkBytes,
			Packets:       s.Packets,
			LastSeen:      s.LastSeen,
		}

		// 与上一周期差值
		if p, ok := prev[uid]; ok && interval > 0 {
			secs := interval.Seconds()
			if s.UplinkBytes >= p.up {
				e.UplinkRate = uint64(float64(s.UplinkBytes-p.up) / secs)
			}
			if s.DownlinkBytes >= p.down {
				e.DownlinkRate = uint64(float64(s.DownlinkBytes-p.down) / secs)
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func (t *rateTracker) next(a *Aggregator, now time.Time) []TrafficEntry {
	m := a.stats.Load()
	interval := now.Sub(t.last)
	entries := a.project(m, t.prev, interval)

	t.prev = make(map[int32]counters, len(m))
	for uid, s := range m {
		t.prev[uid] = counters{up: s.UplinkBytes, down: s.DownlinkBytes}
	}
	t.last = now
	return entries
}

// Publish 按刷新间隔计算速率并发送到 out，out 满时跳过该周期
func (a *Aggregator) Publish(ctx context.Context, refresh time.Duration, mode SortMode, out chan<- []TrafficEntry) {
	if refresh <= 0 {
		refresh = time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	tracker := &rateTracker{last: time.Now()}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			entries := tracker.next(a, now)
			Sort(entries, mode)
			select {
			case out <- entries:
			default:
				// 如果 out 满了，跳过
			}
		}
	}
}
