package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nickproject/uidscope/internal/bus"
	"github.com/nickproject/uidscope/internal/logger"
	"github.com/nickproject/uidscope/internal/state"
)

var log = logger.Named("capture")

// ControllerConfig 控制器配置
type ControllerConfig struct {
	DaemonPath      string
	CacheDir        string
	Interface       string        // 为空时使用 @inet
	SettleDelay     time.Duration // 启动后等待守护进程写 PID 的时间
	KillGrace       time.Duration // TERM 之后的等待时间
	KillWait        time.Duration // KILL 之后的等待时间
	PreCleanupDelay time.Duration
	ShutdownTimeout time.Duration // 终止守护进程的总时限
}

// DefaultControllerConfig 返回默认时序参数
func DefaultControllerConfig(daemonPath, cacheDir string) ControllerConfig {
	return ControllerConfig{
		DaemonPath:      daemonPath,
		CacheDir:        cacheDir,
		Interface:       InterfaceAll,
		SettleDelay:     1500 * time.Millisecond,
		KillGrace:       300 * time.Millisecond,
		KillWait:        200 * time.Millisecond,
		PreCleanupDelay: 200 * time.Millisecond,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Controller 管理特权抓包守护进程的生命周期：
// Idle -> Starting -> Running -> Stopping -> Idle
type Controller struct {
	cfg    ControllerConfig
	paths  Paths
	exec   Executor
	bridge Bridge
	priv   PrivilegeSource
	events *bus.Bus[PacketHeaderEvent] // 可为 nil，用于调试日志订阅

	opMu      sync.Mutex // 串行化 start/stop/cleanup 的执行过程
	state     atomic.Int32
	session   atomic.Pointer[Session]
	closed    atomic.Bool
	closeOnce sync.Once
	running   *state.Value[bool]

	logCancel context.CancelFunc
	logDone   chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

// NewController 创建控制器
func NewController(cfg ControllerConfig, exec Executor, bridge Bridge, priv PrivilegeSource, events *bus.Bus[PacketHeaderEvent]) *Controller {
	if cfg.Interface == "" {
		cfg.Interface = InterfaceAll
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Controller{
		cfg:     cfg,
		paths:   NewPaths(cfg.CacheDir),
		exec:    exec,
		bridge:  bridge,
		priv:    priv,
		events:  events,
		running: state.NewValue(false),
		sleep:   sleepContext,
	}
}

// State 当前状态
func (c *Controller) State() State {
	return State(c.state.Load())
}

// IsRunning 是否正在抓包
func (c *Controller) IsRunning() bool {
	return c.State() == StateRunning
}

// WatchRunning 订阅抓包运行状态
func (c *Controller) WatchRunning(ctx context.Context) <-chan bool {
	return c.running.Watch(ctx)
}

// Paths 返回会话文件路径
func (c *Controller) Paths() Paths {
	return c.paths
}

// Session 返回当前会话的副本，未运行时为 nil
func (c *Controller) Session() *Session {
	s := c.session.Load()
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Start 启动抓包。已在运行时直接返回 nil。
func (c *Controller) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.State() == StateRunning {
		log.Warn("抓包已在运行")
		return nil
	}
	if c.priv == nil || !c.priv.Granted() {
		log.Error("未获得 root 权限，拒绝启动")
		return ErrPrivilegeDenied
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return ErrSessionBusy
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.closed.Load() {
		c.state.Store(int32(StateIdle))
		return ErrClosed
	}

	sess, err := c.startLocked(ctx)
	if err != nil {
		log.Error("启动抓包失败", "error", err)
		c.state.Store(int32(StateIdle))
		return err
	}

	c.session.Store(sess)
	c.state.Store(int32(StateRunning))
	c.running.Store(true)
	log.Info("抓包已启动", "session", sess.ID, "pid", sess.PID)
	return nil
}

func (c *Controller) startLocked(ctx context.Context) (*Session, error) {
	sess := newSession(c.paths)
	log.Info("准备启动抓包", "session", sess.ID, "cache_dir", c.paths.CacheDir)

	if err := os.MkdirAll(c.paths.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: 创建缓存目录: %v", ErrListenerStartFailed, err)
	}

	c.preCleanup(ctx)

	if err := c.bridge.StartListener(c.paths.Socket); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListenerStartFailed, err)
	}
	log.Debug("事件监听已启动", "socket", c.paths.Socket)

	c.startPacketLog()

	if names, err := DiscoverInterfaces(c.cfg.Interface); err == nil {
		log.Debug("抓包网卡", "interface", c.cfg.Interface, "resolved", names)
	}

	if err := c.launchDaemon(ctx); err != nil {
		c.stopPacketLog()
		c.bridge.StopListener()
		return nil, err
	}

	if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
		// 守护进程已启动，取消时必须回收
		log.Warn("等待守护进程时被取消，回滚", "error", err)
		c.stopPacketLog()
		c.bridge.StopListener()
		c.killDaemon(ctx, 0)
		c.paths.removeRuntimeFiles()
		return nil, fmt.Errorf("%w: %v", ErrDaemonLaunchFailed, err)
	}

	pid, err := ReadPID(c.paths.PID)
	if err != nil {
		// 部分构建不写 PID 文件，停止时退回按名称终止
		log.Warn("启动后未读取到有效 PID", "path", c.paths.PID, "error", err)
	} else {
		sess.PID = pid
	}
	return sess, nil
}

// Stop 停止抓包，未运行时为空操作。停止总是尽力而为，不向调用方返回错误。
func (c *Controller) Stop(ctx context.Context) {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		log.Debug("抓包未运行，忽略停止请求", "state", c.State())
		return
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) {
	log.Info("正在停止抓包")
	c.stopPacketLog()
	c.bridge.StopListener()

	var knownPID int
	if s := c.session.Load(); s != nil {
		knownPID = s.PID
	}
	c.killDaemon(ctx, knownPID)
	c.paths.removeRuntimeFiles()

	c.session.Store(nil)
	c.state.Store(int32(StateIdle))
	c.running.Store(false)
	log.Info("抓包已停止")
}

// Cleanup 彻底释放资源，任意状态下可重复调用
func (c *Controller) Cleanup() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.opMu.Lock()
		defer c.opMu.Unlock()

		if c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
			c.stopLocked(ctx)
			cancel()
		}
		c.stopPacketLog()
		if err := c.bridge.Close(); err != nil {
			log.Error("释放事件监听失败", "error", err)
		}
		log.Info("抓包控制器已清理")
	})
}

// preCleanup 清理上次遗留的守护进程和文件，失败一律忽略
func (c *Controller) preCleanup(ctx context.Context) {
	log.Debug("启动前清理")
	c.killDaemon(ctx, 0)
	c.exec.Execute(ctx, c.pkillCommand())
	_ = c.sleep(ctx, c.cfg.PreCleanupDelay)
	c.paths.removeRuntimeFiles()
}

func (c *Controller) launchDaemon(ctx context.Context) error {
	info, err := os.Stat(c.cfg.DaemonPath)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: 找不到守护进程 %s", ErrDaemonLaunchFailed, c.cfg.DaemonPath)
	}

	cmd := c.launchCommand()
	log.Debug("执行守护进程启动命令", "command", cmd)
	if !c.exec.Execute(ctx, cmd) {
		return fmt.Errorf("%w: %s", ErrDaemonLaunchFailed, cmd)
	}
	return nil
}

func (c *Controller) launchCommand() string {
	return fmt.Sprintf("cd %s && %s -d -t -u -1 -l %s -i %s",
		shellQuote(c.paths.CacheDir),
		shellQuote(c.cfg.DaemonPath),
		shellQuote(c.paths.Log),
		shellQuote(c.cfg.Interface))
}

func (c *Controller) pkillCommand() string {
	return "pkill -f " + shellQuote(daemonPattern(filepath.Base(c.cfg.DaemonPath)))
}

// daemonPattern 把首字符放进字符组，pkill 就不会匹配到 su -c 自身的命令行
func daemonPattern(name string) string {
	if name == "" {
		return name
	}
	first, rest := name[:1], name[1:]
	if strings.ContainsAny(first, `]^\-`) {
		return regexp.QuoteMeta(name)
	}
	return "[" + first + "]" + regexp.QuoteMeta(rest)
}

// killDaemon 先 TERM，宽限期后仍存活则 KILL 一次；没有 PID 时按名称终止。
// 调用方的取消不会阻止信号发送，守护进程不在本进程内，协程退出不会让它停止。
// 只有 KILL 也发送失败时返回 ErrProcessNotResponding。
func (c *Controller) killDaemon(ctx context.Context, fallbackPID int) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownTimeout)
	defer cancel()
	defer func() {
		if err := os.Remove(c.paths.PID); err != nil && !os.IsNotExist(err) {
			log.Debug("删除 PID 文件失败", "error", err)
		}
	}()

	pid, err := ReadPID(c.paths.PID)
	if err != nil {
		pid = fallbackPID
	}

	if pid <= 0 {
		log.Debug("没有守护进程 PID，按名称终止")
		if !c.exec.Execute(ctx, c.pkillCommand()) {
			log.Debug("pkill 未匹配到进程或执行失败")
		}
		return nil
	}

	log.Info("终止守护进程", "pid", pid)
	termSent := c.exec.Execute(ctx, fmt.Sprintf("kill -TERM %d", pid))
	_ = c.sleep(ctx, c.cfg.KillGrace)

	if !c.exec.Execute(ctx, fmt.Sprintf("kill -0 %d", pid)) {
		if termSent {
			log.Info("守护进程已退出", "pid", pid)
		} else {
			log.Info("守护进程已不存在", "pid", pid)
		}
		return nil
	}

	log.Warn("守护进程未响应 TERM，发送 KILL", "pid", pid)
	if !c.exec.Execute(ctx, fmt.Sprintf("kill -KILL %d", pid)) {
		log.Error("终止守护进程失败", "pid", pid, "error", ErrProcessNotResponding)
		return ErrProcessNotResponding
	}
	_ = c.sleep(ctx, c.cfg.KillWait)
	log.Info("已向守护进程发送 KILL", "pid", pid)
	return nil
}

// startPacketLog 订阅事件总线，以 debug 级别记录每个包头
func (c *Controller) startPacketLog() {
	if c.events == nil || c.logCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := c.events.Subscribe()
	done := make(chan struct{})
	c.logCancel = cancel
	c.logDone = done

	go func() {
		defer close(done)
		defer sub.Close()
		var batch []PacketHeaderEvent
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case <-sub.Ready():
				batch = sub.Drain(batch[:0])
				for _, ev := range batch {
					log.Debug("收到包头", "event", ev.String())
				}
			}
		}
	}()
}

func (c *Controller) stopPacketLog() {
	if c.logCancel == nil {
		return
	}
	c.logCancel()
	<-c.logDone
	c.logCancel = nil
	c.logDone = nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shellQuote 用单引号包裹参数
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
