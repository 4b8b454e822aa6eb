// Package monitor 组装抓包控制、事件桥、总线、聚合和应用信息解析，
// 对外提供控制操作和只读的状态订阅。
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/nickproject/uidscope/internal/aggregator"
	"github.com/nickproject/uidscope/internal/appinfo"
	"github.com/nickproject/uidscope/internal/bridge"
	"github.com/nickproject/uidscope/internal/bus"
	"github.com/nickproject/uidscope/internal/capture"
	"github.com/nickproject/uidscope/internal/config"
	"github.com/nickproject/uidscope/internal/filter"
	"github.com/nickproject/uidscope/internal/logger"
	"github.com/nickproject/uidscope/internal/privilege"
)

var log = logger.Named("monitor")

// Deps 可替换的外部依赖，为空时使用默认实现
type Deps struct {
	Executor  capture.Executor  // 默认 su -c
	Directory appinfo.Directory // 默认 packages.list
}

// Status 全局状态快照
type Status struct {
	State       capture.State
	Capturing   bool
	Privilege   privilege.Status
	Session     *capture.Session
	Published   uint64 // 总线累计事件数
	Received    uint64 // 事件桥解码的记录数
	Skipped     uint64 // 事件桥跳过的无效记录数
	Processed   uint64 // 聚合器处理的事件数
	DaemonDrops uint32
	Apps        int
	Lookups     uint64 // 应用目录查询次数
	CachedApps  int    // 解析缓存条目数，含未找到的 UID
}

// Monitor 流量监控的组装根
type Monitor struct {
	cfg *config.Config

	events   *bus.Bus[capture.PacketHeaderEvent]
	listener *bridge.Listener
	checker  *privilege.Checker
	resolver *appinfo.Resolver
	agg      *aggregator.Aggregator
	ctrl     *capture.Controller

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 创建并启动后台聚合
func New(cfg *config.Config, deps Deps) *Monitor {
	exec := deps.Executor
	if exec == nil {
		exec = privilege.NewSU(cfg.Privilege.SuPath)
	}
	dir := deps.Directory
	if dir == nil {
		dir = appinfo.NewPackagesList(cfg.Apps.PackagesList)
	}

	events := bus.New[capture.PacketHeaderEvent](cfg.Bus.Capacity)
	listener := bridge.NewListener(events.Publish)
	checker := privilege.NewChecker(exec, cfg.Privilege.CheckTimeout)
	resolver := appinfo.NewResolver(dir)
	agg := aggregator.NewAggregator(resolver, cfg.Aggregate.WindowSize,
		filter.New(cfg.Apps.Include, cfg.Apps.Exclude))

	ctrlCfg := capture.DefaultControllerConfig(cfg.Daemon.Path, cfg.Daemon.CacheDir)
	ctrlCfg.Interface = cfg.Daemon.Interface
	ctrlCfg.SettleDelay = cfg.Daemon.SettleDelay
	ctrlCfg.KillGrace = cfg.Daemon.KillGrace
	ctrl := capture.NewController(ctrlCfg, exec, listener, checker, events)

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:      cfg,
		events:   events,
		listener: listener,
		checker:  checker,
		resolver: resolver,
		agg:      agg,
		ctrl:     ctrl,
		ctx:      ctx,
		cancel:   cancel,
	}

	sub := events.Subscribe()
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		defer sub.Close()
		agg.Run(ctx, sub)
	}()
	go func() {
		defer m.wg.Done()
		if _, err := resolver.Preload(ctx); err != nil {
			log.Warn("预加载应用信息失败", "error", err)
		}
	}()

	return m
}

// CheckAccess 检查 root 权限并更新授权状态
func (m *Monitor) CheckAccess(ctx context.Context) bool {
	return m.checker.CheckAccess(ctx)
}

// StartCapture 清空上次统计并启动抓包，已在运行时直接返回
func (m *Monitor) StartCapture(ctx context.Context) error {
	if m.ctrl.IsRunning() {
		log.Warn("抓包已在运行")
		return nil
	}
	m.agg.Reset()
	if err := m.ctrl.Start(ctx); err != nil {
		return err
	}
	return nil
}

// StopCapture 停止抓包，统计保留到下次开始
func (m *Monitor) StopCapture(ctx context.Context) {
	m.ctrl.Stop(ctx)
}

// Apps 已安装应用列表
func (m *Monitor) Apps(ctx context.Context, includeSystem bool) ([]appinfo.AppInfo, error) {
	return m.resolver.Apps(ctx, includeSystem)
}

// Resolve 解析单个 UID
func (m *Monitor) Resolve(ctx context.Context, uid int32) (appinfo.AppInfo, error) {
	return m.resolver.Resolve(ctx, uid)
}

// WatchCapture 抓包运行状态
func (m *Monitor) WatchCapture(ctx context.Context) <-chan bool {
	return m.ctrl.WatchRunning(ctx)
}

// WatchPrivilege root 授权状态
func (m *Monitor) WatchPrivilege(ctx context.Context) <-chan privilege.Status {
	return m.checker.Watch(ctx)
}

// WatchUID 单个 UID 的统计
func (m *Monitor) WatchUID(ctx context.Context, uid int32) <-chan *aggregator.SessionTrafficStats {
	return m.agg.WatchUID(ctx, uid)
}

// WatchAll 完整的 UID 统计映射
func (m *Monitor) WatchAll(ctx context.Context) <-chan aggregator.StatsMap {
	return m.agg.Watch(ctx)
}

// Snapshot 当前统计
func (m *Monitor) Snapshot() aggregator.StatsMap {
	return m.agg.Snapshot()
}

// Overall 设备整体汇总
func (m *Monitor) Overall() aggregator.Overall {
	return m.agg.Overall()
}

// Entries 当前条目 (不含速率)
func (m *Monitor) Entries() []aggregator.TrafficEntry {
	return m.agg.Entries()
}

// Publish 周期性发送带速率的条目，直到 ctx 或 Monitor 结束
func (m *Monitor) Publish(ctx context.Context, refresh time.Duration, mode aggregator.SortMode, out chan<- []aggregator.TrafficEntry) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	m.agg.Publish(ctx, refresh, mode, out)
}

// Status 当前全局状态
func (m *Monitor) Status() Status {
	return Status{
		State:       m.ctrl.State(),
		Capturing:   m.ctrl.IsRunning(),
		Privilege:   m.checker.Status(),
		Session:     m.ctrl.Session(),
		Published:   m.events.Published(),
		Received:    m.listener.Received(),
		Skipped:     m.listener.DecodeErrors(),
		Processed:   m.agg.Processed(),
		DaemonDrops: m.agg.DaemonDrops(),
		Apps:        len(m.agg.Snapshot()),
		Lookups:     m.resolver.Lookups(),
		CachedApps:  m.resolver.Len(),
	}
}

// Close 停止抓包并结束全部后台任务，可重复调用
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.ctrl.Cleanup()
		m.cancel()
		m.events.Close()
		m.wg.Wait()
		log.Info("监控已关闭")
	})
}
