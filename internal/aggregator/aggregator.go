package aggregator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nickproject/uidscope/internal/appinfo"
	"github.com/nickproject/uidscope/internal/bus"
	"github.com/nickproject/uidscope/internal/capture"
	"github.com/nickproject/uidscope/internal/filter"
	"github.com/nickproject/uidscope/internal/logger"
	"github.com/nickproject/uidscope/internal/state"
)

var log = logger.Named("aggregator")

// Resolver 应用信息解析
type Resolver interface {
	Cached(uid int32) (appinfo.AppInfo, bool)
	Resolve(ctx context.Context, uid int32) (appinfo.AppInfo, error)
}

// Aggregator 按 UID 聚合包头事件
type Aggregator struct {
	resolver Resolver
	window   int
	filter   *filter.Filter

	stats *state.Value[StatsMap]

	pendingMu sync.Mutex
	pending   map[int32]struct{} // 正在解析的 UID
	wg        sync.WaitGroup

	processed atomic.Uint64
	drops     atomic.Uint32 // 守护进程上报的最新丢包数
}

// NewAggregator 创建聚合器，resolver 可为 nil
func NewAggregator(resolver Resolver, window int, f *filter.Filter) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		resolver: resolver,
		window:   window,
		filter:   f,
		stats:    state.NewValue(StatsMap{}),
		pending:  make(map[int32]struct{}),
	}
}

// Window 窗口容量
func (a *Aggregator) Window() int {
	return a.window
}

// Processed 已处理的事件数
func (a *Aggregator) Processed() uint64 {
	return a.processed.Load()
}

// DaemonDrops 守护进程最近一次上报的丢包数
func (a *Aggregator) DaemonDrops() uint32 {
	return a.drops.Load()
}

// Run 消费订阅直到 ctx 取消或订阅关闭，返回前等待全部解析任务结束
func (a *Aggregator) Run(ctx context.Context, sub *bus.Subscription[capture.PacketHeaderEvent]) {
	defer a.wg.Wait()

	var batch []capture.PacketHeaderEvent
	for {
		select {
		case <-ctx.Done():
			return

		case <-sub.Ready():
			batch = sub.Drain(batch[:0])
			for _, ev := range batch {
				a.apply(ctx, ev)
			}

		case <-sub.Done():
			for _, ev := range sub.Drain(batch[:0]) {
				a.apply(ctx, ev)
			}
			if n := sub.Dropped(); n > 0 {
				log.Warn("聚合消费过慢，丢弃了部分事件", "dropped", n)
			}
			return
		}
	}
}

// apply 处理单个事件，不会阻塞在应用信息解析上
func (a *Aggregator) apply(ctx context.Context, ev capture.PacketHeaderEvent) {
	a.processed.Add(1)
	a.drops.Store(ev.Drops)

	var unresolved bool
	a.stats.Update(func(m StatsMap) StatsMap {
		cur, ok := m[ev.UID]
		if !ok {
			cur = NewSessionTrafficStats(ev.UID)
			if a.resolver != nil {
				if info, ok := a.resolver.Cached(ev.UID); ok {
					cur = cur.WithApp(info)
				}
			}
		}
		next := cur.Updated(ev, a.window)
		unresolved = next.App == nil
		return m.with(ev.UID, next)
	})

	if unresolved {
		a.resolve(ctx, ev.UID)
	}
}

// resolve 同一 UID 同时只派发一个解析任务
func (a *Aggregator) resolve(ctx context.Context, uid int32) {
	if a.resolver == nil {
		return
	}

	a.pendingMu.Lock()
	if _, ok := a.pending[uid]; ok {
		a.pendingMu.Unlock()
		return
	}
	a.pending[uid] = struct{}{}
	a.pendingMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.pendingMu.Lock()
			delete(a.pending, uid)
			a.pendingMu.Unlock()
		}()

		info, err := a.resolver.Resolve(ctx, uid)
		if err != nil {
			log.Debug("应用信息解析中止", "uid", uid, "error", err)
			return
		}
		a.mergeApp(uid, info)
	}()
}

// mergeApp 基于最新快照合并应用信息，不覆盖期间更新的计数
func (a *Aggregator) mergeApp(uid int32, info appinfo.AppInfo) {
	a.stats.Update(func(m StatsMap) StatsMap {
		cur, ok := m[uid]
		if !ok || cur.App != nil {
			return m
		}
		return m.with(uid, cur.WithApp(info))
	})
	log.Debug("已合并应用信息", "uid", uid, "name", info.Name)
}

// Reset 清空统计，每次开始抓包时调用
func (a *Aggregator) Reset() {
	a.stats.Store(StatsMap{})
	a.processed.Store(0)
	a.drops.Store(0)
}

// Snapshot 当前统计快照
func (a *Aggregator) Snapshot() StatsMap {
	return a.stats.Load()
}

// Get 单个 UID 的统计，不存在时返回 nil
func (a *Aggregator) Get(uid int32) *SessionTrafficStats {
	return a.stats.Load()[uid]
}

// Watch 订阅完整映射
func (a *Aggregator) Watch(ctx context.Context) <-chan StatsMap {
	return a.stats.Watch(ctx)
}

// WatchUID 订阅单个 UID 的统计，只在该 UID 变化时发送
func (a *Aggregator) WatchUID(ctx context.Context, uid int32) <-chan *SessionTrafficStats {
	in := a.stats.Watch(ctx)
	out := make(chan *SessionTrafficStats)
	go func() {
		defer close(out)
		first := true
		var last *SessionTrafficStats
		for m := range in {
			cur := m[uid]
			if !first && cur == last {
				continue
			}
			first = false
			last = cur
			select {
			case out <- cur:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Overall 全部 UID 的汇总
func (a *Aggregator) Overall() Overall {
	return Summarize(a.stats.Load(), a.window)
}
